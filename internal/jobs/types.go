package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// ErrInvalidTransition は現在の状態で許可されていない遷移を要求されたことを表します。
// 呼び出し側のバグまたはレースであり、ユーザー向けエラーとしては扱いません。
var ErrInvalidTransition = errors.New("invalid job state transition")

// OwnerKind はジョブ所有者の種別を表します。
type OwnerKind string

const (
	// OwnerUser - ログイン済みユーザーが所有するジョブ。
	OwnerUser OwnerKind = "user"
	// OwnerSession - 匿名セッションが所有するジョブ。
	OwnerSession OwnerKind = "session"
)

// Owner はジョブの所有者（ユーザーまたは匿名セッションのどちらか一方）を表します。
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Valid は所有者が正しく設定されているかを返します。
func (o Owner) Valid() bool {
	if o.ID == "" {
		return false
	}
	return o.Kind == OwnerUser || o.Kind == OwnerSession
}

// Key はクォータやストレージのキーとして使う一意な文字列を返します。
func (o Owner) Key() string {
	return string(o.Kind) + ":" + o.ID
}

// ParseOwnerKey は Key() で生成した文字列を Owner に戻します。
func ParseOwnerKey(key string) (Owner, error) {
	for _, kind := range []OwnerKind{OwnerUser, OwnerSession} {
		prefix := string(kind) + ":"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return Owner{Kind: kind, ID: key[len(prefix):]}, nil
		}
	}
	return Owner{}, fmt.Errorf("invalid owner key: %q", key)
}

// Job は1件の圧縮タスクを表します。
// 状態の変更は必ず下の遷移メソッドを通して行います。
type Job struct {
	ID    int64 `json:"id"`
	Owner Owner `json:"owner"`

	// ファイル情報
	OriginalFilename  string   `json:"original_filename"`
	OriginalSize      int64    `json:"original_size"`
	UploadPath        string   `json:"upload_path"`
	ProcessedFilename *string  `json:"processed_filename"`
	ProcessedSize     *int64   `json:"processed_size"`
	ProcessedPath     *string  `json:"processed_path"`
	CompressionRatio  *float64 `json:"compression_ratio"`

	// 処理内容
	QualityPreset string `json:"quality_preset"`
	Status        Status `json:"status"`

	// タイムスタンプ
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExpiresAt   time.Time  `json:"expires_at"`

	// 失敗情報
	ErrorMessage *string `json:"error_message"`
	RetryCount   int     `json:"retry_count"`
}

// NewJob は pending 状態のジョブを作成します。有効期限は作成時刻 + retention です。
func NewJob(owner Owner, filename string, size int64, uploadPath, preset string, now time.Time, retention time.Duration) (*Job, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("job owner is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	now = now.UTC()
	return &Job{
		Owner:            owner,
		OriginalFilename: filename,
		OriginalSize:     size,
		UploadPath:       uploadPath,
		QualityPreset:    preset,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(retention),
	}, nil
}

// Start はジョブを processing に遷移させます。pending 以外からは遷移できません。
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("%w: start requires pending, got %s", ErrInvalidTransition, j.Status)
	}
	now = now.UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	return nil
}

// Complete はジョブを completed に遷移させ、成果物の情報を記録します。
// 圧縮率は processed/original で、元サイズが0のときは未定義（nil）のままにします。
func (j *Job) Complete(now time.Time, processedSize int64, processedPath, processedFilename string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: complete requires processing, got %s", ErrInvalidTransition, j.Status)
	}
	now = now.UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.ProcessedSize = &processedSize
	j.ProcessedPath = &processedPath
	j.ProcessedFilename = &processedFilename
	if j.OriginalSize > 0 {
		ratio := float64(processedSize) / float64(j.OriginalSize)
		j.CompressionRatio = &ratio
	}
	return nil
}

// Fail はジョブを failed に遷移させます。pending/processing のどちらからでも遷移でき、
// リトライ回数を1増やします。
func (j *Job) Fail(now time.Time, message string) error {
	if j.Status != StatusProcessing && j.Status != StatusPending {
		return fmt.Errorf("%w: fail requires an active status, got %s", ErrInvalidTransition, j.Status)
	}
	now = now.UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = &message
	j.RetryCount++
	return nil
}

// CanRetry はリトライ可能（failed かつ回数上限未満かつ未失効）かどうかを返します。
func (j *Job) CanRetry(now time.Time, maxRetries int) bool {
	return j.Status == StatusFailed && j.RetryCount < maxRetries && !j.IsExpired(now)
}

// Retry はジョブを pending に戻します。リトライ回数は累積のまま保持し、
// 無限リトライを防ぎます。
func (j *Job) Retry(now time.Time, maxRetries int) error {
	if !j.CanRetry(now, maxRetries) {
		return fmt.Errorf("%w: retry not allowed (status=%s retries=%d)", ErrInvalidTransition, j.Status, j.RetryCount)
	}
	j.Status = StatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = nil
	return nil
}

// IsExpired は有効期限を過ぎているかを返します。状態には依存しません。
func (j *Job) IsExpired(now time.Time) bool {
	return now.UTC().After(j.ExpiresAt)
}

// Expire はジョブを expired に遷移させます。有効期限前、またはすでに expired の
// 場合は遷移できません。
func (j *Job) Expire(now time.Time) error {
	if !j.IsExpired(now) {
		return fmt.Errorf("%w: job %d is not past its expiry", ErrInvalidTransition, j.ID)
	}
	if j.Status == StatusExpired {
		return fmt.Errorf("%w: job %d is already expired", ErrInvalidTransition, j.ID)
	}
	j.Status = StatusExpired
	return nil
}

// Progress は表示用の進捗率（0-100）を返します。処理中は経過時間と処理見込み時間
// から5〜95%の範囲で補間します。正確性のためではなくUIフィードバック専用です。
func (j *Job) Progress(now time.Time, estimated time.Duration) int {
	switch j.Status {
	case StatusCompleted:
		return 100
	case StatusProcessing:
		if j.StartedAt == nil || estimated <= 0 {
			return 5
		}
		elapsed := now.UTC().Sub(*j.StartedAt)
		percent := 5 + int(elapsed.Seconds()/estimated.Seconds()*90)
		if percent < 5 {
			percent = 5
		}
		if percent > 95 {
			percent = 95
		}
		return percent
	default:
		// pending / failed / expired
		return 0
	}
}
