package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	return local
}

func TestSaveUpload(t *testing.T) {
	local := newTestLocal(t)
	local.now = func() time.Time {
		return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	}

	content := "dummy pdf content"
	relPath, size, err := local.SaveUpload(strings.NewReader(content), "session:abc-123")
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("unexpected size: %d", size)
	}

	// uploads/<owner>/<date>/ に配置され、オーナーキーの ':' は潰される
	if !strings.HasPrefix(relPath, filepath.Join("uploads", "session_abc-123", "2026-08-29")+string(filepath.Separator)) {
		t.Fatalf("unexpected layout: %s", relPath)
	}

	abs, err := local.Abs(relPath)
	if err != nil {
		t.Fatalf("Abs returned error: %v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(data) != content {
		t.Fatalf("unexpected content: %q", data)
	}
	if !local.Exists(relPath) {
		t.Fatal("Exists returned false for saved file")
	}
}

func TestSaveUploadUniquePaths(t *testing.T) {
	local := newTestLocal(t)

	first, _, err := local.SaveUpload(strings.NewReader("a"), "user:alice")
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}
	second, _, err := local.SaveUpload(strings.NewReader("b"), "user:alice")
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}
	if first == second {
		t.Fatalf("expected unique paths, both were %s", first)
	}
}

func TestProcessedPath(t *testing.T) {
	local := newTestLocal(t)
	local.now = func() time.Time {
		return time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	}

	relPath, err := local.ProcessedPath("user:alice", 42)
	if err != nil {
		t.Fatalf("ProcessedPath returned error: %v", err)
	}
	if !strings.HasPrefix(relPath, filepath.Join("processed", "user_alice", "2026-08-29")+string(filepath.Separator)) {
		t.Fatalf("unexpected layout: %s", relPath)
	}
	if !strings.Contains(filepath.Base(relPath), "42_") {
		t.Fatalf("job id missing from filename: %s", relPath)
	}
	if !strings.HasSuffix(relPath, "_processed.pdf") {
		t.Fatalf("unexpected suffix: %s", relPath)
	}

	// ディレクトリは作成済みで、すぐ書き込める
	abs, err := local.Abs(relPath)
	if err != nil {
		t.Fatalf("Abs returned error: %v", err)
	}
	if err := os.WriteFile(abs, []byte("out"), 0o640); err != nil {
		t.Fatalf("failed to write to processed path: %v", err)
	}
}

func TestAbsRejectsEscape(t *testing.T) {
	local := newTestLocal(t)

	for _, path := range []string{
		"../outside.pdf",
		"uploads/../../etc/passwd",
	} {
		if _, err := local.Abs(path); err == nil {
			t.Fatalf("expected rejection for %s", path)
		}
	}
}

func TestDeleteIdempotent(t *testing.T) {
	local := newTestLocal(t)

	relPath, _, err := local.SaveUpload(strings.NewReader("x"), "user:alice")
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}

	if err := local.Delete(relPath); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if local.Exists(relPath) {
		t.Fatal("file still exists after delete")
	}

	// 2回目の削除も成功扱い
	if err := local.Delete(relPath); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
}
