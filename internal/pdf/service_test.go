package pdf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeGS はGhostscriptの代わりに動くシェルスクリプトを作成します。
func writeFakeGS(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ghostscript scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-gs")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake gs: %v", err)
	}
	return path
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return path
}

func transformKind(t *testing.T, err error) FailureKind {
	t.Helper()
	var terr *TransformError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransformError, got %v", err)
	}
	return terr.Kind
}

func TestCompressSuccess(t *testing.T) {
	gs := writeFakeGS(t, `
for arg in "$@"; do
  case "$arg" in
    -sOutputFile=*) out="${arg#-sOutputFile=}" ;;
  esac
done
printf '%s' 'compressed pdf bytes' > "$out"
`)
	service := NewService(gs, 30*time.Second)

	output := filepath.Join(t.TempDir(), "out.pdf")
	size, err := service.Compress(context.Background(), writeInput(t), output, "medium")
	if err != nil {
		t.Fatalf("Compress returned error: %v", err)
	}
	if size != int64(len("compressed pdf bytes")) {
		t.Fatalf("unexpected size: %d", size)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
}

func TestCompressNonzeroExit(t *testing.T) {
	gs := writeFakeGS(t, `
echo 'GPL Ghostscript: Unrecoverable error' >&2
exit 1
`)
	service := NewService(gs, 30*time.Second)

	_, err := service.Compress(context.Background(), writeInput(t), filepath.Join(t.TempDir(), "out.pdf"), "medium")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := transformKind(t, err); kind != FailureNonzeroExit {
		t.Fatalf("unexpected kind: %s", kind)
	}
	// stderr の内容が診断用に含まれる
	if !strings.Contains(err.Error(), "Unrecoverable error") {
		t.Fatalf("stderr not captured: %v", err)
	}
}

func TestCompressMissingOutput(t *testing.T) {
	gs := writeFakeGS(t, `exit 0`)
	service := NewService(gs, 30*time.Second)

	_, err := service.Compress(context.Background(), writeInput(t), filepath.Join(t.TempDir(), "out.pdf"), "medium")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := transformKind(t, err); kind != FailureMissingOutput {
		t.Fatalf("unexpected kind: %s", kind)
	}
}

func TestCompressTimeoutRemovesPartialOutput(t *testing.T) {
	gs := writeFakeGS(t, `
for arg in "$@"; do
  case "$arg" in
    -sOutputFile=*) out="${arg#-sOutputFile=}" ;;
  esac
done
printf 'partial' > "$out"
sleep 10
`)
	service := NewService(gs, 200*time.Millisecond)

	output := filepath.Join(t.TempDir(), "out.pdf")
	_, err := service.Compress(context.Background(), writeInput(t), output, "medium")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := transformKind(t, err); kind != FailureTimeout {
		t.Fatalf("unexpected kind: %s", kind)
	}
	// 書きかけの出力は信用せず削除される
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatalf("partial output not removed: %v", statErr)
	}
}

func TestCompressUnknownPreset(t *testing.T) {
	service := NewService("gs", time.Second)
	_, err := service.Compress(context.Background(), "in.pdf", "out.pdf", "ultra")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := transformKind(t, err); kind != FailureException {
		t.Fatalf("unexpected kind: %s", kind)
	}
}

func TestGhostscriptArgs(t *testing.T) {
	preset, err := NormalizePreset("low")
	if err != nil {
		t.Fatalf("NormalizePreset returned error: %v", err)
	}
	args := ghostscriptArgs("in.pdf", "out.pdf", preset)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-sDEVICE=pdfwrite",
		"-dSAFER",
		"-dPDFSETTINGS=/screen",
		"-sOutputFile=out.pdf",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	// 入力ファイルは最後
	if args[len(args)-1] != "in.pdf" {
		t.Fatalf("input not last: %v", args)
	}
}
