package jobs

import (
	"context"
	"errors"
	"log"
	"time"
)

// Sweeper は期限切れジョブと滞留ジョブを定期的に片付けるバックグラウンド処理です。
//
// 処理は削除→状態更新の順で行うため、途中でクラッシュしても次回の実行が
// 同じジョブを拾い直します（ファイル削除は冪等）。
type Sweeper struct {
	store        *Store
	files        FileStore
	stallTimeout time.Duration
	logger       *log.Logger
	now          func() time.Time
}

// NewSweeper は Sweeper を初期化します。
func NewSweeper(store *Store, files FileStore, stallTimeout time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		store:        store,
		files:        files,
		stallTimeout: stallTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Run はスイープを1回実行します。個々のジョブの失敗は記録して続行し、
// 1件の異常が全体のクリーンアップを止めないようにします。
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.sweepExpired(ctx); err != nil {
		return err
	}
	return s.sweepStalled(ctx)
}

// sweepExpired は保持期限を過ぎたジョブのファイルを削除し、expired に遷移させます。
func (s *Sweeper) sweepExpired(ctx context.Context) error {
	now := s.now()
	expired, err := s.store.ListExpiredJobs(now)
	if err != nil {
		return err
	}

	for _, job := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.files.Delete(job.UploadPath); err != nil {
			s.logf("sweep: failed to delete upload for job %d: %v", job.ID, err)
			continue
		}
		if job.ProcessedPath != nil {
			if err := s.files.Delete(*job.ProcessedPath); err != nil {
				s.logf("sweep: failed to delete output for job %d: %v", job.ID, err)
				continue
			}
		}

		from := job.Status
		if err := job.Expire(now); err != nil {
			s.logf("sweep: job %d not expired: %v", job.ID, err)
			continue
		}
		if err := s.store.UpdateJobFrom(job, from); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// 並行する処理がジョブを動かした。次回の実行で拾い直す。
				continue
			}
			s.logf("sweep: failed to mark job %d expired: %v", job.ID, err)
			continue
		}
		s.logf("sweep: job %d expired", job.ID)
	}
	return nil
}

// sweepStalled は一定時間 pending のまま動かないジョブを failed に落とします。
// ワーカーのクラッシュやキュー喪失でタスクが消えた場合の回収経路です。
func (s *Sweeper) sweepStalled(ctx context.Context) error {
	now := s.now()
	stalled, err := s.store.ListStalledJobs(now.Add(-s.stallTimeout))
	if err != nil {
		return err
	}

	for _, job := range stalled {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := job.Fail(now, "stalled"); err != nil {
			continue
		}
		if err := s.store.UpdateJobFrom(job, StatusPending); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.logf("sweep: failed to mark job %d stalled: %v", job.ID, err)
			continue
		}
		s.logf("sweep: job %d marked failed (stalled for over %s)", job.ID, s.stallTimeout)
	}
	return nil
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
