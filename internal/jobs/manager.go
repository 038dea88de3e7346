package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeCompress = "jobs:compress"
	taskTypeSweep    = "jobs:sweep"
	queueCompress    = "compress"
)

// Transformer は外部変換プロセスの呼び出しを抽象化します。
type Transformer interface {
	// Compress は入力を圧縮して出力パスに書き出し、出力サイズを返します。
	Compress(ctx context.Context, inputPath, outputPath, presetID string) (int64, error)
	// Timeout は変換1回あたりの上限時間を返します。
	Timeout() time.Duration
}

// FileStore はジョブファイルを保存するストレージの契約です。
type FileStore interface {
	SaveUpload(r io.Reader, ownerKey string) (string, int64, error)
	ProcessedPath(ownerKey string, jobID int64) (string, error)
	Abs(relPath string) (string, error)
	Delete(relPath string) error
	Exists(relPath string) bool
}

// TaskPayload は圧縮ジョブタスクのペイロードです。
type TaskPayload struct {
	JobID int64 `json:"jobId"`
}

// Manager はジョブのディスパッチとワーカーの実行を担います。
//
// Dispatch はタスクをキューに投入してすぐ戻り、ワーカー側で Process が実行されます。
// Process はジョブ1件を同期的に処理するため、バックグラウンドスケジューラーの
// 無い文脈（小さいファイルのインライン処理）からも直接呼べます。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux

	store     *Store
	files     FileStore
	transform Transformer
	sweeper   *Sweeper
	logger    *log.Logger
	now       func() time.Time
}

// NewManager は Manager を初期化します。sweeper が非nilの場合、
// sweepInterval ごとの定期スイープをスケジューラーに登録します。
func NewManager(redisURL string, store *Store, files FileStore, transform Transformer, sweeper *Sweeper, sweepInterval time.Duration, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if files == nil {
		return nil, errors.New("files is nil")
	}
	if transform == nil {
		return nil, errors.New("transform is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueCompress: 1,
			},
		},
	)

	manager := &Manager{
		client:    client,
		server:    server,
		mux:       asynq.NewServeMux(),
		store:     store,
		files:     files,
		transform: transform,
		sweeper:   sweeper,
		logger:    logger,
		now:       time.Now,
	}
	manager.mux.HandleFunc(taskTypeCompress, manager.handleCompressTask)

	if sweeper != nil && sweepInterval > 0 {
		scheduler := asynq.NewScheduler(opt, nil)
		if _, err := scheduler.Register(
			fmt.Sprintf("@every %s", sweepInterval),
			asynq.NewTask(taskTypeSweep, nil, asynq.Queue(queueCompress)),
		); err != nil {
			return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
		}
		manager.scheduler = scheduler
		manager.mux.HandleFunc(taskTypeSweep, manager.handleSweepTask)
	}

	return manager, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
	if m.scheduler != nil {
		go func() {
			if err := m.scheduler.Run(); err != nil {
				m.logf("asynq scheduler stopped with error: %v", err)
			}
		}()
	}
}

// Shutdown はワーカーとクライアントを停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	return m.client.Close()
}

// Dispatch はジョブをキューに投入し、即座に戻ります。
// 結果は呼び出し側がジョブ状態のポーリングで確認します。
func (m *Manager) Dispatch(ctx context.Context, jobID int64) error {
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeCompress, body, asynq.Queue(queueCompress))
	// リトライはユーザー操作経由のみ。asynq側の自動リトライは使わない。
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(m.transform.Timeout()+time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", jobID, err)
	}
	return nil
}

func (m *Manager) handleCompressTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == 0 {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.Process(ctx, payload.JobID)
}

func (m *Manager) handleSweepTask(ctx context.Context, _ *asynq.Task) error {
	return m.sweeper.Run(ctx)
}

// Process はジョブ1件を同期的に処理します。pending から processing への遷移は
// compare-and-set で行うため、同じジョブを複数ワーカーが同時に掴むことはありません。
// タスク内のあらゆる異常（panic含む）はジョブの failed への遷移に変換され、
// processing のまま取り残されることはありません。
func (m *Manager) Process(ctx context.Context, jobID int64) (err error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobID, err)
	}

	if err := job.Start(m.now()); err != nil {
		m.logf("job %d not started: %v", jobID, err)
		return err
	}
	if err := m.store.UpdateJobFrom(job, StatusPending); err != nil {
		// 別のワーカーに先を越された
		m.logf("job %d claimed elsewhere: %v", jobID, err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			m.failJob(job, fmt.Sprintf("exception: %v", r))
			err = fmt.Errorf("panic while processing job %d: %v", jobID, r)
		}
	}()

	inputPath, err := m.files.Abs(job.UploadPath)
	if err != nil {
		m.failJob(job, fmt.Sprintf("exception: %v", err))
		return nil
	}

	outputRel, err := m.files.ProcessedPath(job.Owner.Key(), job.ID)
	if err != nil {
		m.failJob(job, fmt.Sprintf("exception: %v", err))
		return nil
	}
	outputPath, err := m.files.Abs(outputRel)
	if err != nil {
		m.failJob(job, fmt.Sprintf("exception: %v", err))
		return nil
	}

	size, transformErr := m.transform.Compress(ctx, inputPath, outputPath, job.QualityPreset)
	if transformErr != nil {
		m.failJob(job, transformErr.Error())
		return nil
	}

	if err := job.Complete(m.now(), size, outputRel, filepath.Base(outputRel)); err != nil {
		m.logf("job %d: %v", jobID, err)
		return err
	}
	if err := m.store.UpdateJobFrom(job, StatusProcessing); err != nil {
		// タイムアウト後の遅延完了がリトライ済みジョブを上書きするのを防ぐ
		m.logf("job %d completion discarded: %v", jobID, err)
		_ = m.files.Delete(outputRel)
		return err
	}

	m.logf("job %d completed (%d -> %d bytes)", jobID, job.OriginalSize, size)
	return nil
}

// failJob はジョブを failed にし、永続化します。永続化自体の失敗はログに残す
// ことしかできません。
func (m *Manager) failJob(job *Job, message string) {
	if err := job.Fail(m.now(), message); err != nil {
		m.logf("job %d fail transition rejected: %v", job.ID, err)
		return
	}
	if err := m.store.UpdateJobFrom(job, StatusProcessing); err != nil {
		m.logf("failed to persist failure for job %d: %v", job.ID, err)
		return
	}
	m.logf("job %d failed: %s", job.ID, message)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
