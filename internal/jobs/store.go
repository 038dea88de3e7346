package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ストアレイヤーのエラー。
var (
	// ErrNotFound - 対象のレコードが存在しません。
	ErrNotFound = errors.New("record not found")
)

// jobColumns は jobs テーブルのSELECT用カラム一覧です。
const jobColumns = `id, owner_kind, owner_id, original_filename, original_size, upload_path,
	processed_filename, processed_size, processed_path, compression_ratio,
	quality_preset, status, created_at, started_at, completed_at, expires_at,
	error_message, retry_count`

// Store はジョブとクォータカウンターを SQLite に永続化します。
// ジョブのライフサイクルに関する唯一の真実の情報源です。
type Store struct {
	db *sql.DB
}

// NewStore は SQLite への接続を作成し、マイグレーションを実行します。
func NewStore(dbPath string) (*Store, error) {
	// DB用ディレクトリを作成（存在しない場合）
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite は concurrent write をサポートしないため単一コネクションに制限
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	for i, m := range GetMigrations() {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close は接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

// QuotaDelta はジョブ作成と同時にコミットするクォータ増分を表します。
type QuotaDelta struct {
	OwnerKey string
	Bytes    int64
	Today    string // YYYY-MM-DD
}

// CreateJob はジョブを挿入し、採番されたIDを job.ID に書き戻します。
// delta が非nilの場合、クォータカウンターの加算を同一トランザクションで行います。
// どちらかが失敗した場合は両方ロールバックされます。
func (s *Store) CreateJob(job *Job, delta *QuotaDelta) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.Exec(`
		INSERT INTO jobs (owner_kind, owner_id, original_filename, original_size, upload_path,
			quality_preset, status, created_at, expires_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Owner.Kind, job.Owner.ID, job.OriginalFilename, job.OriginalSize, job.UploadPath,
		job.QualityPreset, job.Status, job.CreatedAt, job.ExpiresAt, job.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}

	if delta != nil {
		if _, err = tx.Exec(`
			INSERT INTO quota_counters (owner_key, daily_file_count, daily_storage_bytes, session_storage_bytes, last_reset_date)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT(owner_key) DO UPDATE SET
				daily_file_count = daily_file_count + 1,
				daily_storage_bytes = daily_storage_bytes + excluded.daily_storage_bytes,
				session_storage_bytes = session_storage_bytes + excluded.session_storage_bytes`,
			delta.OwnerKey, delta.Bytes, delta.Bytes, delta.Today,
		); err != nil {
			return fmt.Errorf("failed to commit quota counters: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	job.ID = id
	return nil
}

// GetJob はジョブをIDで取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJobFrom は job の現在の内容を保存します。ただし compare-and-set として
// 動作し、DB上の status が from と一致する場合のみ更新します。別の書き込みに
// 先を越された場合は ErrInvalidTransition を返します（1ジョブ1ライター保証）。
func (s *Store) UpdateJobFrom(job *Job, from Status) error {
	result, err := s.db.Exec(`
		UPDATE jobs SET
			processed_filename = ?, processed_size = ?, processed_path = ?, compression_ratio = ?,
			status = ?, started_at = ?, completed_at = ?, error_message = ?, retry_count = ?
		WHERE id = ? AND status = ?`,
		job.ProcessedFilename, job.ProcessedSize, job.ProcessedPath, job.CompressionRatio,
		job.Status, nullableTime(job.StartedAt), nullableTime(job.CompletedAt), job.ErrorMessage, job.RetryCount,
		job.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %d is no longer %s", ErrInvalidTransition, job.ID, from)
	}
	return nil
}

// ListFilter はオーナー別一覧の絞り込み条件です。
type ListFilter struct {
	// Statuses - 指定した場合、これらの状態のジョブのみを返します。
	Statuses []Status
	// Limit - 最大件数（0以下のときはデフォルトの50件）。
	Limit int
}

// ListJobsByOwner はオーナーのジョブを作成日時の降順で返します。
func (s *Store) ListJobsByOwner(owner Owner, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_kind = ? AND owner_id = ?`
	args := []any{owner.Kind, owner.ID}

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholder(len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(query, args...)
}

// ListExpiredJobs は有効期限を過ぎ、まだ expired になっていないジョブを返します。
func (s *Store) ListExpiredJobs(now time.Time) ([]*Job, error) {
	return s.queryJobs(`
		SELECT `+jobColumns+` FROM jobs
		WHERE expires_at < ? AND status != ?
		ORDER BY expires_at`,
		now.UTC(), StatusExpired,
	)
}

// ListStalledJobs は cutoff より前に作成され pending のまま残っているジョブを返します。
func (s *Store) ListStalledJobs(cutoff time.Time) ([]*Job, error) {
	return s.queryJobs(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND created_at < ?
		ORDER BY created_at`,
		StatusPending, cutoff.UTC(),
	)
}

// ListActiveJobsByOwner はオーナーの未失効かつアクティブ（pending/processing/completed）
// なジョブを返します。セッションクリア時のファイル削除対象の列挙に使います。
func (s *Store) ListActiveJobsByOwner(owner Owner, now time.Time) ([]*Job, error) {
	return s.queryJobs(`
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_kind = ? AND owner_id = ?
		  AND status IN (?, ?, ?)
		  AND expires_at > ?
		ORDER BY created_at DESC`,
		owner.Kind, owner.ID,
		StatusPending, StatusProcessing, StatusCompleted,
		now.UTC(),
	)
}

// CountJobsByStatus は状態ごとのジョブ件数を返します。
func (s *Store) CountJobsByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// QuotaCounter は1オーナー分のクォータカウンターを表します。
type QuotaCounter struct {
	OwnerKey            string
	DailyFileCount      int
	DailyStorageBytes   int64
	SessionStorageBytes int64
	LastResetDate       string // YYYY-MM-DD
}

// GetQuota はオーナーのカウンターを取得します。レコードが無い場合は
// ゼロ値のカウンター（LastResetDate = today）を返します。
func (s *Store) GetQuota(ownerKey, today string) (*QuotaCounter, error) {
	counter := &QuotaCounter{OwnerKey: ownerKey, LastResetDate: today}
	err := s.db.QueryRow(`
		SELECT daily_file_count, daily_storage_bytes, session_storage_bytes, last_reset_date
		FROM quota_counters WHERE owner_key = ?`, ownerKey,
	).Scan(&counter.DailyFileCount, &counter.DailyStorageBytes, &counter.SessionStorageBytes, &counter.LastResetDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return counter, nil
		}
		return nil, fmt.Errorf("failed to load quota for %s: %w", ownerKey, err)
	}
	return counter, nil
}

// ResetDailyQuota は日次カウンターをゼロに戻し、リセット日を更新します。
func (s *Store) ResetDailyQuota(ownerKey, today string) error {
	_, err := s.db.Exec(`
		UPDATE quota_counters
		SET daily_file_count = 0, daily_storage_bytes = 0, last_reset_date = ?
		WHERE owner_key = ?`, today, ownerKey)
	if err != nil {
		return fmt.Errorf("failed to reset daily quota for %s: %w", ownerKey, err)
	}
	return nil
}

// ClearSessionQuota はセッションカウンターをゼロに戻します。
// 明示的な「セッションクリア」またはログアウトのときだけ呼ばれます。
func (s *Store) ClearSessionQuota(ownerKey string) error {
	_, err := s.db.Exec(`
		UPDATE quota_counters SET session_storage_bytes = 0 WHERE owner_key = ?`, ownerKey)
	if err != nil {
		return fmt.Errorf("failed to clear session quota for %s: %w", ownerKey, err)
	}
	return nil
}

func (s *Store) queryJobs(query string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanner は sql.Row と sql.Rows の共通部分です。
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job         Job
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Owner.Kind, &job.Owner.ID,
		&job.OriginalFilename, &job.OriginalSize, &job.UploadPath,
		&job.ProcessedFilename, &job.ProcessedSize, &job.ProcessedPath, &job.CompressionRatio,
		&job.QualityPreset, &job.Status,
		&job.CreatedAt, &startedAt, &completedAt, &job.ExpiresAt,
		&job.ErrorMessage, &job.RetryCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.ExpiresAt = job.ExpiresAt.UTC()
	return &job, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
