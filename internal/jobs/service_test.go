package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/pdf-press/internal/pdf"
)

// stubDispatcher はキュー投入とインライン処理の呼び出しを記録します。
type stubDispatcher struct {
	dispatched []int64
	processed  []int64
	onProcess  func(jobID int64) error
}

func (d *stubDispatcher) Dispatch(_ context.Context, jobID int64) error {
	d.dispatched = append(d.dispatched, jobID)
	return nil
}

func (d *stubDispatcher) Process(_ context.Context, jobID int64) error {
	d.processed = append(d.processed, jobID)
	if d.onProcess != nil {
		return d.onProcess(jobID)
	}
	return nil
}

func makeFileHeader(t *testing.T, name string, size int) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fw, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile returned error: %v", err)
	}
	if _, err := fw.Write(bytes.Repeat([]byte("a"), size)); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	form, err := multipart.NewReader(&buf, writer.Boundary()).ReadForm(64 << 20)
	if err != nil {
		t.Fatalf("ReadForm returned error: %v", err)
	}
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var jobErr *Error
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	return jobErr.Code
}

type serviceFixture struct {
	store      *Store
	files      *stubFiles
	dispatcher *stubDispatcher
	service    *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := newTestStore(t)
	ledger := NewLedger(store, QuotaLimits{
		DailyFileLimit:      50,
		DailyStorageLimit:   200 << 20,
		SessionStorageLimit: 100 << 20,
	})
	files := newStubFiles()
	dispatcher := &stubDispatcher{}

	service := NewService(store, ledger, nil, files, dispatcher, ServiceConfig{
		MaxFileSize:    25 << 20,
		AsyncThreshold: 5 << 20,
		MaxRetries:     3,
		FileRetention:  24 * time.Hour,
	}, nil)
	// 内容検査は常に成功させる（偽装ファイルのテストでは個別に差し替え）
	service.inspect = func(string) (*pdf.InspectResult, error) {
		return &pdf.InspectResult{MIME: "application/pdf", Pages: 1}, nil
	}

	return &serviceFixture{store: store, files: files, dispatcher: dispatcher, service: service}
}

func TestAdmitUploadDispatchesLargeFile(t *testing.T) {
	fx := newServiceFixture(t)
	file := makeFileHeader(t, "big.pdf", 6<<20)

	job, err := fx.service.AdmitUpload(context.Background(), testOwner, file, "medium")
	if err != nil {
		t.Fatalf("AdmitUpload returned error: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.QualityPreset != "medium" {
		t.Fatalf("unexpected preset: %s", job.QualityPreset)
	}
	if len(fx.dispatcher.dispatched) != 1 || fx.dispatcher.dispatched[0] != job.ID {
		t.Fatalf("expected one dispatch, got %v", fx.dispatcher.dispatched)
	}
	if len(fx.dispatcher.processed) != 0 {
		t.Fatalf("large file processed inline: %v", fx.dispatcher.processed)
	}
}

func TestAdmitUploadProcessesSmallFileInline(t *testing.T) {
	fx := newServiceFixture(t)
	// インライン処理をその場で完了まで進める
	fx.dispatcher.onProcess = func(jobID int64) error {
		job, err := fx.store.GetJob(jobID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := job.Start(now); err != nil {
			return err
		}
		if err := fx.store.UpdateJobFrom(job, StatusPending); err != nil {
			return err
		}
		if err := job.Complete(now, 1024, "processed/out.pdf", "out.pdf"); err != nil {
			return err
		}
		return fx.store.UpdateJobFrom(job, StatusProcessing)
	}

	file := makeFileHeader(t, "small.pdf", 2048)
	job, err := fx.service.AdmitUpload(context.Background(), testOwner, file, "")
	if err != nil {
		t.Fatalf("AdmitUpload returned error: %v", err)
	}

	// 呼び出し元には処理後の状態が返る
	if job.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	// 省略時はデフォルトプリセット
	if job.QualityPreset != "medium" {
		t.Fatalf("unexpected preset: %s", job.QualityPreset)
	}
	if len(fx.dispatcher.dispatched) != 0 {
		t.Fatalf("small file should not be queued: %v", fx.dispatcher.dispatched)
	}
}

func TestAdmitUploadValidation(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		file   *multipart.FileHeader
		preset string
	}{
		{"wrong extension", makeFileHeader(t, "image.png", 100), "medium"},
		{"empty file", makeFileHeader(t, "empty.pdf", 0), "medium"},
		{"unknown preset", makeFileHeader(t, "ok.pdf", 100), "ultra"},
	}
	for _, tc := range cases {
		_, err := fx.service.AdmitUpload(ctx, testOwner, tc.file, tc.preset)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if code := errCode(t, err); code != CodeInvalidInput {
			t.Fatalf("%s: unexpected code %s", tc.name, code)
		}
	}

	if _, err := fx.service.AdmitUpload(ctx, Owner{}, makeFileHeader(t, "ok.pdf", 100), "medium"); err == nil {
		t.Fatal("expected rejection for invalid owner")
	}
}

func TestAdmitUploadRejectsOversizedFile(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.cfg.MaxFileSize = 1000

	_, err := fx.service.AdmitUpload(context.Background(), testOwner, makeFileHeader(t, "big.pdf", 2000), "medium")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if code := errCode(t, err); code != CodeInvalidInput {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestAdmitUploadDeletesFakePDF(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.inspect = func(string) (*pdf.InspectResult, error) {
		return nil, fmt.Errorf("not a pdf")
	}

	_, err := fx.service.AdmitUpload(context.Background(), testOwner, makeFileHeader(t, "fake.pdf", 100), "medium")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if code := errCode(t, err); code != CodeInvalidInput {
		t.Fatalf("unexpected code: %s", code)
	}
	// 保存済みの偽装ファイルは残さない
	if len(fx.files.deleted) != 1 {
		t.Fatalf("expected stored file to be deleted, deletions: %v", fx.files.deleted)
	}
	// クォータも消費されない
	counter, _, err := fx.service.Usage(testOwner)
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if counter.DailyFileCount != 0 {
		t.Fatalf("quota consumed for rejected upload: %+v", counter)
	}
}

func TestAdmitUploadQuotaRejection(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.ledger = NewLedger(fx.store, QuotaLimits{
		DailyFileLimit:      0,
		DailyStorageLimit:   200 << 20,
		SessionStorageLimit: 100 << 20,
	})

	_, err := fx.service.AdmitUpload(context.Background(), testOwner, makeFileHeader(t, "ok.pdf", 100), "medium")
	if err == nil {
		t.Fatal("expected quota rejection")
	}
	if code := errCode(t, err); code != CodeQuotaExceeded {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestGetJobOwnershipAndNotFound(t *testing.T) {
	fx := newServiceFixture(t)
	job := mustCreateJob(t, fx.store, testOwner, time.Now().UTC())

	if _, err := fx.service.GetJob(testOwner, job.ID); err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}

	other := Owner{Kind: OwnerUser, ID: "mallory"}
	_, err := fx.service.GetJob(other, job.ID)
	if code := errCode(t, err); code != CodeAccessDenied {
		t.Fatalf("unexpected code: %s", code)
	}

	_, err = fx.service.GetJob(testOwner, 99999)
	if code := errCode(t, err); code != CodeJobNotFound {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestGetJobExpiresLazily(t *testing.T) {
	fx := newServiceFixture(t)

	old, err := NewJob(testOwner, "old.pdf", 1, "p", "medium", time.Now().UTC().Add(-48*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := fx.store.CreateJob(old, nil); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	got, err := fx.service.GetJob(testOwner, old.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("unexpected status: %s", got.Status)
	}

	// スイープを待たずに永続化もされている
	loaded, err := fx.store.GetJob(old.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if loaded.Status != StatusExpired {
		t.Fatalf("lazy expiry not persisted: %s", loaded.Status)
	}
}

func TestRetryJob(t *testing.T) {
	fx := newServiceFixture(t)
	now := time.Now().UTC()

	job, err := NewJob(testOwner, "fail.pdf", 10<<20, "uploads/s/fail.pdf", "medium", now, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := fx.store.CreateJob(job, nil); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := job.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusPending); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}
	if err := job.Fail(now, "timeout: exceeded 300s"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusProcessing); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}

	retried, err := fx.service.RetryJob(context.Background(), testOwner, job.ID)
	if err != nil {
		t.Fatalf("RetryJob returned error: %v", err)
	}
	if retried.Status != StatusPending {
		t.Fatalf("unexpected status: %s", retried.Status)
	}
	if retried.ErrorMessage != nil {
		t.Fatalf("error message not cleared: %v", *retried.ErrorMessage)
	}
	if len(fx.dispatcher.dispatched) != 1 {
		t.Fatalf("expected re-dispatch, got %v", fx.dispatcher.dispatched)
	}
}

func TestRetryJobDeniedWhenNotFailed(t *testing.T) {
	fx := newServiceFixture(t)
	job := mustCreateJob(t, fx.store, testOwner, time.Now().UTC())

	_, err := fx.service.RetryJob(context.Background(), testOwner, job.ID)
	if code := errCode(t, err); code != CodeCannotRetry {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestDownloadPath(t *testing.T) {
	fx := newServiceFixture(t)
	now := time.Now().UTC()

	job, err := NewJob(testOwner, "report.pdf", 1000, "uploads/s/report.pdf", "high", now, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := fx.store.CreateJob(job, nil); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	// 完了前はダウンロードできない
	_, _, err = fx.service.DownloadPath(testOwner, job.ID)
	if code := errCode(t, err); code != CodeInvalidInput {
		t.Fatalf("unexpected code: %s", code)
	}

	if err := job.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusPending); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}
	if err := job.Complete(now, 500, "processed/s/1_processed.pdf", "1_processed.pdf"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusProcessing); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}
	fx.files.existing["processed/s/1_processed.pdf"] = true

	absPath, name, err := fx.service.DownloadPath(testOwner, job.ID)
	if err != nil {
		t.Fatalf("DownloadPath returned error: %v", err)
	}
	if !strings.HasSuffix(absPath, "processed/s/1_processed.pdf") {
		t.Fatalf("unexpected path: %s", absPath)
	}
	if name != "report_compressed_high.pdf" {
		t.Fatalf("unexpected download name: %s", name)
	}
}

func TestDownloadDeniedForExpiredJob(t *testing.T) {
	fx := newServiceFixture(t)
	created := time.Now().UTC().Add(-48 * time.Hour)

	job, err := NewJob(testOwner, "report.pdf", 1000, "uploads/s/report.pdf", "medium", created, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := fx.store.CreateJob(job, nil); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := job.Start(created); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusPending); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}
	if err := job.Complete(created, 500, "processed/s/2_processed.pdf", "2_processed.pdf"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if err := fx.store.UpdateJobFrom(job, StatusProcessing); err != nil {
		t.Fatalf("UpdateJobFrom returned error: %v", err)
	}
	fx.files.existing["processed/s/2_processed.pdf"] = true

	// 完了済みでも保持期限が過ぎていれば拒否
	_, _, err = fx.service.DownloadPath(testOwner, job.ID)
	if err == nil {
		t.Fatal("expected expired job to be denied")
	}
	if code := errCode(t, err); code != CodeInvalidInput {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestClearSession(t *testing.T) {
	fx := newServiceFixture(t)
	now := time.Now().UTC()

	job, err := NewJob(testOwner, "a.pdf", 1000, "uploads/s/a.pdf", "medium", now, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	delta := &QuotaDelta{OwnerKey: testOwner.Key(), Bytes: 1000, Today: now.Format("2006-01-02")}
	if err := fx.store.CreateJob(job, delta); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	fx.files.existing["uploads/s/a.pdf"] = true

	cleared, err := fx.service.ClearSession(testOwner)
	if err != nil {
		t.Fatalf("ClearSession returned error: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("unexpected cleared count: %d", cleared)
	}
	if fx.files.Exists("uploads/s/a.pdf") {
		t.Fatal("upload file not deleted")
	}

	loaded, err := fx.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if loaded.Status != StatusExpired {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}

	counter, _, err := fx.service.Usage(testOwner)
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if counter.SessionStorageBytes != 0 {
		t.Fatalf("session quota not cleared: %+v", counter)
	}
}
