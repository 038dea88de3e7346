// Package storage はジョブの入出力ファイルを保存するローカルストレージを提供します。
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Local はローカルファイルシステム上のストレージです。
// パスはオーナーごと・日付ごとに分割され、別オーナー同士が同じパスを
// 取り合うことはありません。ジョブレコードにはベースディレクトリからの
// 相対パスを保存します。
type Local struct {
	baseDir string
	now     func() time.Time
}

// NewLocal はストレージを初期化し、必要なディレクトリ構造を作成します。
func NewLocal(baseDir string) (*Local, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "uploads"), filepath.Join(baseDir, "processed")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return &Local{
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// SaveUpload はアップロードされたファイルを保存し、相対パスとサイズを返します。
// 書き込みに失敗した場合は部分ファイルを残しません。
func (l *Local) SaveUpload(r io.Reader, ownerKey string) (string, int64, error) {
	dir := filepath.Join("uploads", sanitize(ownerKey), l.dateDir())
	if err := os.MkdirAll(filepath.Join(l.baseDir, dir), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	relPath := filepath.Join(dir, uuid.NewString()+".pdf")
	absPath := filepath.Join(l.baseDir, relPath)

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	size, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(absPath)
		return "", 0, fmt.Errorf("failed to write upload file: %w", err)
	}

	return relPath, size, nil
}

// ProcessedPath はジョブの成果物用の相対パスを生成し、ディレクトリを用意します。
func (l *Local) ProcessedPath(ownerKey string, jobID int64) (string, error) {
	dir := filepath.Join("processed", sanitize(ownerKey), l.dateDir())
	if err := os.MkdirAll(filepath.Join(l.baseDir, dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create processed directory: %w", err)
	}

	name := fmt.Sprintf("%d_%s_processed.pdf", jobID, l.now().UTC().Format("20060102_150405"))
	return filepath.Join(dir, name), nil
}

// Abs は相対パスをベースディレクトリからの絶対パスに解決します。
// ベースディレクトリの外を指すパスは拒否します。
func (l *Local) Abs(relPath string) (string, error) {
	abs := filepath.Join(l.baseDir, relPath)
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage directory: %s", relPath)
	}
	return resolved, nil
}

// Delete はファイルを削除します。冪等で、存在しないパスの削除は成功扱いです。
func (l *Local) Delete(relPath string) error {
	abs, err := l.Abs(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}
	return nil
}

// Exists はファイルが存在するかを返します。
func (l *Local) Exists(relPath string) bool {
	abs, err := l.Abs(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

func (l *Local) dateDir() string {
	return l.now().UTC().Format("2006-01-02")
}

// sanitize はオーナーキーをディレクトリ名として安全な形に変換します。
func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
