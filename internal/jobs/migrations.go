package jobs

// GetMigrations は適用するSQLマイグレーションの一覧を返します。
// すべて冪等（IF NOT EXISTS）なので起動のたびに流して問題ありません。
func GetMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			original_size INTEGER NOT NULL,
			upload_path TEXT NOT NULL,
			processed_filename TEXT,
			processed_size INTEGER,
			processed_path TEXT,
			compression_ratio REAL,
			quality_preset TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			expires_at DATETIME NOT NULL,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_owner
			ON jobs (owner_kind, owner_id, created_at DESC)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created
			ON jobs (status, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_expires
			ON jobs (expires_at, status)`,

		`CREATE TABLE IF NOT EXISTS quota_counters (
			owner_key TEXT PRIMARY KEY,
			daily_file_count INTEGER NOT NULL DEFAULT 0,
			daily_storage_bytes INTEGER NOT NULL DEFAULT 0,
			session_storage_bytes INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT NOT NULL
		)`,
	}
}
