package jobs

import (
	"fmt"
	"time"

	"github.com/yourusername/pdf-press/internal/pdf"
)

// JobView はAPIレスポンス用のジョブ表現です。進捗率や節約率など、
// 表示時点の時刻に依存する派生値をここで計算します。
type JobView struct {
	ID                int64    `json:"id"`
	Status            Status   `json:"status"`
	OriginalFilename  string   `json:"original_filename"`
	ProcessedFilename *string  `json:"processed_filename,omitempty"`
	OriginalSize      int64    `json:"original_size"`
	ProcessedSize     *int64   `json:"processed_size,omitempty"`
	CompressionRatio  *float64 `json:"compression_ratio,omitempty"`
	SavedPercent      *float64 `json:"saved_percent,omitempty"`
	QualityPreset     string   `json:"quality_preset"`
	CreatedAt         string   `json:"created_at"`
	StartedAt         *string  `json:"started_at,omitempty"`
	CompletedAt       *string  `json:"completed_at,omitempty"`
	ExpiresAt         string   `json:"expires_at"`
	TimeRemaining     string   `json:"time_remaining"`
	ErrorMessage      *string  `json:"error_message,omitempty"`
	RetryCount        int      `json:"retry_count"`
	Progress          int      `json:"progress"`
	DownloadURL       string   `json:"download_url,omitempty"`
}

// View は now 時点のジョブのスナップショットを返します。
func (j *Job) View(now time.Time) JobView {
	view := JobView{
		ID:                j.ID,
		Status:            j.Status,
		OriginalFilename:  j.OriginalFilename,
		ProcessedFilename: j.ProcessedFilename,
		OriginalSize:      j.OriginalSize,
		ProcessedSize:     j.ProcessedSize,
		CompressionRatio:  j.CompressionRatio,
		QualityPreset:     j.QualityPreset,
		CreatedAt:         j.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:         j.ExpiresAt.UTC().Format(time.RFC3339),
		TimeRemaining:     formatRemaining(j.ExpiresAt.Sub(now.UTC())),
		ErrorMessage:      j.ErrorMessage,
		RetryCount:        j.RetryCount,
		Progress:          j.Progress(now, pdf.EstimateDuration(j.OriginalSize, j.QualityPreset)),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(time.RFC3339)
		view.StartedAt = &s
	}
	if j.CompletedAt != nil {
		c := j.CompletedAt.UTC().Format(time.RFC3339)
		view.CompletedAt = &c
	}
	if j.CompressionRatio != nil {
		saved := (1 - *j.CompressionRatio) * 100
		view.SavedPercent = &saved
	}
	return view
}

// formatRemaining は残り時間を HH:MM:SS 形式で返します。期限超過は "expired" です。
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
