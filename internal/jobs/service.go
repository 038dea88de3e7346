package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/pdf-press/internal/pdf"
)

// Dispatcher はジョブの実行依頼先です。通常は Manager が実装します。
type Dispatcher interface {
	// Dispatch はジョブを非同期キューに投入します。
	Dispatch(ctx context.Context, jobID int64) error
	// Process はジョブをその場で同期的に処理します。
	Process(ctx context.Context, jobID int64) error
}

// ServiceConfig は Service の動作パラメータです。
type ServiceConfig struct {
	MaxFileSize    int64         // アップロード1件あたりの上限（バイト）
	AsyncThreshold int64         // このサイズを超えるファイルは非同期処理に回す
	MaxRetries     int           // ユーザー操作による再試行の上限回数
	FileRetention  time.Duration // ジョブとファイルの保持期間
}

// Service はアップロード受付からジョブ照会までのユースケースをまとめる層です。
// HTTPハンドラーはリクエストの解釈だけを行い、判断はここに集約します。
type Service struct {
	store      *Store
	ledger     *Ledger
	guard      *UploadGuard
	files      FileStore
	dispatcher Dispatcher
	cfg        ServiceConfig
	logger     *log.Logger
	now        func() time.Time

	// テストで差し替えるためのフック
	inspect func(path string) (*pdf.InspectResult, error)
}

// NewService は Service を初期化します。guard は nil を許容します
// （同時アップロード制限を使わない構成）。
func NewService(store *Store, ledger *Ledger, guard *UploadGuard, files FileStore, dispatcher Dispatcher, cfg ServiceConfig, logger *log.Logger) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		guard:      guard,
		files:      files,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		inspect:    pdf.Inspect,
	}
}

// AdmitUpload はアップロードされたファイルを検証し、クォータを消費して
// ジョブを作成し、処理をディスパッチします。
//
// 検証は入力→クォータ→内容の順で行い、どの段階で拒否されても
// クォータは消費されません。クォータの確定はジョブ作成と同一
// トランザクションで行います。
func (s *Service) AdmitUpload(ctx context.Context, owner Owner, file *multipart.FileHeader, presetID string) (*Job, error) {
	if !owner.Valid() {
		return nil, newError(CodeInvalidInput, "invalid owner", nil)
	}

	filename := strings.TrimSpace(file.Filename)
	if filename == "" {
		return nil, newError(CodeInvalidInput, "filename is required", nil)
	}
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, newError(CodeInvalidInput, "only PDF files are accepted", nil)
	}
	if file.Size <= 0 {
		return nil, newError(CodeInvalidInput, "file is empty", nil)
	}
	if file.Size > s.cfg.MaxFileSize {
		return nil, newError(CodeInvalidInput,
			fmt.Sprintf("file exceeds the maximum size of %d bytes", s.cfg.MaxFileSize), nil)
	}

	preset, err := pdf.NormalizePreset(presetID)
	if err != nil {
		return nil, newError(CodeInvalidInput, err.Error(), err)
	}

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, owner)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if err := s.ledger.CheckAndReserve(owner, file.Size); err != nil {
		return nil, err
	}

	src, err := file.Open()
	if err != nil {
		return nil, newError(CodeStorageFailure, "failed to read uploaded file", err)
	}
	defer src.Close()

	uploadPath, size, err := s.files.SaveUpload(src, owner.Key())
	if err != nil {
		return nil, newError(CodeStorageFailure, "failed to store uploaded file", err)
	}

	absPath, err := s.files.Abs(uploadPath)
	if err != nil {
		_ = s.files.Delete(uploadPath)
		return nil, newError(CodeStorageFailure, "failed to resolve stored file", err)
	}
	if _, err := s.inspect(absPath); err != nil {
		// 拡張子だけPDFの偽装ファイルはここで弾く
		_ = s.files.Delete(uploadPath)
		return nil, newError(CodeInvalidInput, "file is not a valid PDF", err)
	}

	now := s.now()
	job, err := NewJob(owner, filename, size, uploadPath, preset.ID, now, s.cfg.FileRetention)
	if err != nil {
		_ = s.files.Delete(uploadPath)
		return nil, newError(CodeInvalidInput, err.Error(), err)
	}
	if err := s.store.CreateJob(job, s.ledger.CommitDelta(owner, size)); err != nil {
		_ = s.files.Delete(uploadPath)
		return nil, newError(CodeStorageFailure, "failed to create job", err)
	}

	if size <= s.cfg.AsyncThreshold {
		// 小さいファイルはリクエスト内で処理を完了させる
		if err := s.dispatcher.Process(ctx, job.ID); err != nil {
			s.logf("inline processing of job %d interrupted: %v", job.ID, err)
		}
		if refreshed, err := s.store.GetJob(job.ID); err == nil {
			return refreshed, nil
		}
		return job, nil
	}

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		// キュー投入に失敗したジョブは sweeper の滞留検出で failed に落ちる
		s.logf("failed to dispatch job %d: %v", job.ID, err)
	}
	return job, nil
}

// GetJob は所有者確認つきでジョブを取得します。保持期限を過ぎたジョブは
// スイープを待たずにこの時点で expired として扱います。
func (s *Service) GetJob(owner Owner, jobID int64) (*Job, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(CodeJobNotFound, "job not found", err)
		}
		return nil, newError(CodeInternal, "failed to load job", err)
	}
	if job.Owner != owner {
		return nil, newError(CodeAccessDenied, "job belongs to another owner", nil)
	}

	s.expireLazily(job)
	return job, nil
}

// expireLazily は期限切れのジョブをその場で expired に遷移させます。
// CASの競合（sweeperとの同時実行）は無視して読み取り側の値だけ更新します。
func (s *Service) expireLazily(job *Job) {
	now := s.now()
	if !job.IsExpired(now) || job.Status == StatusExpired {
		return
	}
	from := job.Status
	if err := job.Expire(now); err != nil {
		return
	}
	if err := s.store.UpdateJobFrom(job, from); err != nil && !errors.Is(err, ErrInvalidTransition) {
		s.logf("failed to expire job %d: %v", job.ID, err)
	}
}

// DownloadPath は完了済みジョブの出力ファイルの絶対パスとダウンロード名を返します。
// 期限切れのジョブは完了済みでもダウンロードできません。
func (s *Service) DownloadPath(owner Owner, jobID int64) (string, string, error) {
	job, err := s.GetJob(owner, jobID)
	if err != nil {
		return "", "", err
	}
	if job.Status != StatusCompleted {
		return "", "", newError(CodeInvalidInput, "job has no downloadable output", nil)
	}
	if job.ProcessedPath == nil || !s.files.Exists(*job.ProcessedPath) {
		return "", "", newError(CodeStorageFailure, "processed file is missing", nil)
	}

	absPath, err := s.files.Abs(*job.ProcessedPath)
	if err != nil {
		return "", "", newError(CodeStorageFailure, "failed to resolve processed file", err)
	}

	base := strings.TrimSuffix(job.OriginalFilename, filepath.Ext(job.OriginalFilename))
	downloadName := fmt.Sprintf("%s_compressed_%s.pdf", base, job.QualityPreset)
	return absPath, downloadName, nil
}

// RetryJob は失敗したジョブを pending に戻して再投入します。
// 再試行回数の上限と保持期限を超えたジョブは再試行できません。
func (s *Service) RetryJob(ctx context.Context, owner Owner, jobID int64) (*Job, error) {
	job, err := s.GetJob(owner, jobID)
	if err != nil {
		return nil, err
	}

	if err := job.Retry(s.now(), s.cfg.MaxRetries); err != nil {
		return nil, newError(CodeCannotRetry, err.Error(), err)
	}
	if err := s.store.UpdateJobFrom(job, StatusFailed); err != nil {
		return nil, newError(CodeInternal, "failed to reset job", err)
	}

	if job.OriginalSize <= s.cfg.AsyncThreshold {
		if err := s.dispatcher.Process(ctx, job.ID); err != nil {
			s.logf("inline retry of job %d interrupted: %v", job.ID, err)
		}
		if refreshed, err := s.store.GetJob(job.ID); err == nil {
			return refreshed, nil
		}
		return job, nil
	}

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.logf("failed to dispatch retried job %d: %v", job.ID, err)
	}
	return job, nil
}

// ListJobs は所有者のジョブを新しい順に返します。期限切れの判定は
// 表示時点の時刻で行います。
func (s *Service) ListJobs(owner Owner, filter ListFilter) ([]*Job, error) {
	jobsList, err := s.store.ListJobsByOwner(owner, filter)
	if err != nil {
		return nil, newError(CodeInternal, "failed to list jobs", err)
	}
	for _, job := range jobsList {
		s.expireLazily(job)
	}
	return jobsList, nil
}

// ClearSession は所有者のアクティブなジョブとファイルをすべて破棄し、
// セッション累計クォータをリセットします。破棄したジョブ数を返します。
func (s *Service) ClearSession(owner Owner) (int, error) {
	active, err := s.store.ListActiveJobsByOwner(owner, s.now())
	if err != nil {
		return 0, newError(CodeInternal, "failed to list jobs", err)
	}

	cleared := 0
	for _, job := range active {
		if err := s.files.Delete(job.UploadPath); err != nil {
			s.logf("clear: failed to delete upload for job %d: %v", job.ID, err)
			continue
		}
		if job.ProcessedPath != nil {
			if err := s.files.Delete(*job.ProcessedPath); err != nil {
				s.logf("clear: failed to delete output for job %d: %v", job.ID, err)
				continue
			}
		}

		now := s.now()
		from := job.Status
		// 期限を繰り上げてから失効させる
		job.ExpiresAt = now.UTC().Add(-time.Second)
		if err := job.Expire(now); err != nil {
			continue
		}
		if err := s.store.UpdateJobFrom(job, from); err != nil {
			s.logf("clear: failed to expire job %d: %v", job.ID, err)
			continue
		}
		cleared++
	}

	if err := s.ledger.ClearSession(owner); err != nil {
		return cleared, newError(CodeInternal, "failed to reset session quota", err)
	}
	return cleared, nil
}

// Usage は所有者のクォータ利用状況と上限を返します。
func (s *Service) Usage(owner Owner) (*QuotaCounter, QuotaLimits, error) {
	return s.ledger.Usage(owner)
}

// Stats はステータス別のジョブ件数を返します。ヘルスチェックと管理向けです。
func (s *Service) Stats() (map[Status]int, error) {
	counts, err := s.store.CountJobsByStatus()
	if err != nil {
		return nil, newError(CodeInternal, "failed to count jobs", err)
	}
	return counts, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
