// Package pdf は外部のGhostscriptプロセスによるPDF圧縮を提供します。
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FailureKind は変換失敗の分類です。構造化されたエラーは外部プロセスから
// 返ってこないため、終了コードとファイルシステムの状態から推定します。
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureNonzeroExit   FailureKind = "nonzero_exit"
	FailureMissingOutput FailureKind = "missing_output"
	FailureException     FailureKind = "exception"
)

// TransformError は分類済みの変換失敗を表します。
type TransformError struct {
	Kind   FailureKind
	Detail string
}

func (e *TransformError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Service は品質プリセットを解決し、Ghostscriptを起動してPDFを圧縮します。
type Service struct {
	gsPath  string
	timeout time.Duration
}

// NewService は Service を作成します。timeout は変換1回あたりの上限です。
func NewService(gsPath string, timeout time.Duration) *Service {
	return &Service{
		gsPath:  gsPath,
		timeout: timeout,
	}
}

// Timeout は変換1回あたりのタイムアウトを返します。
func (s *Service) Timeout() time.Duration {
	return s.timeout
}

// Compress は inputPath のPDFを圧縮して outputPath に書き出し、出力サイズを返します。
// タイムアウト時は外部プロセスを強制終了し、書きかけの可能性がある出力を
// 削除します（タイムアウト後の部分出力は信用しません）。
func (s *Service) Compress(ctx context.Context, inputPath, outputPath, presetID string) (int64, error) {
	preset, err := NormalizePreset(presetID)
	if err != nil {
		return 0, &TransformError{Kind: FailureException, Detail: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := ghostscriptArgs(inputPath, outputPath, preset)
	cmd := exec.CommandContext(runCtx, s.gsPath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		_ = os.Remove(outputPath)
		return 0, &TransformError{
			Kind:   FailureTimeout,
			Detail: fmt.Sprintf("ghostscript exceeded %s", s.timeout),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return 0, &TransformError{
				Kind:   FailureNonzeroExit,
				Detail: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), tail(stderr.String(), 500)),
			}
		}
		return 0, &TransformError{Kind: FailureException, Detail: runErr.Error()}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return 0, &TransformError{
			Kind:   FailureMissingOutput,
			Detail: "ghostscript exited successfully but produced no output",
		}
	}

	return info.Size(), nil
}

// ghostscriptArgs は共通引数とプリセット固有の引数からコマンドラインを組み立てます。
func ghostscriptArgs(inputPath, outputPath string, preset Preset) []string {
	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		"-dAutoRotatePages=/None",
		"-dColorImageDownsampleType=/Bicubic",
		"-dGrayImageDownsampleType=/Bicubic",
		"-dMonoImageDownsampleType=/Bicubic",
	}
	args = append(args, preset.Args...)
	args = append(args, fmt.Sprintf("-sOutputFile=%s", outputPath), inputPath)
	return args
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
