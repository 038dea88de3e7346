package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/pdf-press/internal/auth"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/jobs"
	"github.com/yourusername/pdf-press/internal/pdf"
	"github.com/yourusername/pdf-press/internal/storage"
)

// application はAPIサーバーを構成するコンポーネント一式です。
type application struct {
	Store   *jobs.Store
	Ledger  *jobs.Ledger
	Files   *storage.Local
	Manager *jobs.Manager
	Service *jobs.Service
}

// Close は保持しているリソースを解放します。
func (a *application) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// setupApp は設定からアプリケーションを組み立てます。
func setupApp(cfg *config.Config) (*application, error) {
	store, err := jobs.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	files, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	ledger := jobs.NewLedger(store, jobs.QuotaLimits{
		DailyFileLimit:      cfg.DailyFileLimit,
		DailyStorageLimit:   cfg.DailyStorageLimit,
		SessionStorageLimit: cfg.SessionStorageLimit,
	})

	var guard *jobs.UploadGuard
	if opt, err := redis.ParseURL(cfg.QueueRedisURL); err == nil {
		guard = jobs.NewUploadGuard(redis.NewClient(opt), cfg.ConcurrentUploads)
	} else {
		log.Printf("upload guard disabled: %v", err)
	}

	transform := pdf.NewService(cfg.GhostscriptPath, cfg.ProcessingTimeout)
	sweeper := jobs.NewSweeper(store, files, cfg.StallTimeout, log.Default())

	manager, err := jobs.NewManager(cfg.QueueRedisURL, store, files, transform, sweeper, cfg.SweepInterval, log.Default())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to init job manager: %w", err)
	}

	service := jobs.NewService(store, ledger, guard, files, manager, jobs.ServiceConfig{
		MaxFileSize:    cfg.MaxFileSize,
		AsyncThreshold: cfg.AsyncThresholdBytes,
		MaxRetries:     cfg.MaxRetries,
		FileRetention:  cfg.FileRetention,
	}, log.Default())

	return &application{
		Store:   store,
		Ledger:  ledger,
		Files:   files,
		Manager: manager,
		Service: service,
	}, nil
}

// respondWithError はサービス層のエラーをHTTPレスポンスに変換します。
func respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	if !errors.As(err, &jobErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "処理に失敗しました。",
		})
		return
	}

	status := http.StatusInternalServerError
	switch jobErr.Code {
	case jobs.CodeInvalidInput:
		status = http.StatusBadRequest
	case jobs.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
	case jobs.CodeJobNotFound:
		status = http.StatusNotFound
	case jobs.CodeAccessDenied:
		status = http.StatusForbidden
	case jobs.CodeCannotRetry:
		status = http.StatusConflict
	case jobs.CodeTransformFailed, jobs.CodeStorageFailure, jobs.CodeInternal:
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{
		"code":    jobErr.Code,
		"message": jobErr.Message,
	})
}

// requestOwner は所有者をコンテキストから取り出します。ミドルウェアの設定漏れは
// ここで検出します。
func requestOwner(c *gin.Context) (jobs.Owner, bool) {
	owner, ok := auth.OwnerFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "リクエスト所有者を特定できませんでした。",
		})
	}
	return owner, ok
}

// parseJobID は :id パラメータを検証します。
func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ジョブIDが不正です。",
		})
		return 0, false
	}
	return id, true
}

// renderJob はジョブのレスポンスを生成します。完了済みでダウンロード可能な
// 場合のみ download_url を付けます。
func renderJob(job *jobs.Job) jobs.JobView {
	now := time.Now()
	view := job.View(now)
	if job.Status == jobs.StatusCompleted && !job.IsExpired(now) {
		view.DownloadURL = fmt.Sprintf("/api/process/download/%d", job.ID)
	}
	return view
}

func healthHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{
			"status":  "ok",
			"service": "pdf-press-api",
			"version": "0.1.0",
		}
		if counts, err := app.Service.Stats(); err == nil {
			payload["jobs"] = counts
		}
		c.JSON(http.StatusOK, payload)
	}
}

func uploadHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "file フィールドにPDFを添付してください。",
			})
			return
		}
		preset := c.PostForm("quality")

		job, err := app.Service.AdmitUpload(c.Request.Context(), owner, file, preset)
		if err != nil {
			respondWithError(c, err)
			return
		}

		// 同期処理で完了したジョブは200、キュー投入したジョブは202を返す
		status := http.StatusAccepted
		if job.Status == jobs.StatusCompleted || job.Status == jobs.StatusFailed {
			status = http.StatusOK
		}
		c.JSON(status, renderJob(job))
	}
}

func statusHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		job, err := app.Service.GetJob(owner, jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, renderJob(job))
	}
}

func downloadHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		absPath, downloadName, err := app.Service.DownloadPath(owner, jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		encodedName := url.PathEscape(downloadName)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", downloadName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.File(absPath)
	}
}

func retryHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		job, err := app.Service.RetryJob(c.Request.Context(), owner, jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, renderJob(job))
	}
}

func listJobsHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}

		filter := jobs.ListFilter{Limit: 50}
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				filter.Statuses = append(filter.Statuses, jobs.Status(strings.TrimSpace(s)))
			}
		}
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
				filter.Limit = n
			}
		}

		list, err := app.Service.ListJobs(owner, filter)
		if err != nil {
			respondWithError(c, err)
			return
		}

		views := make([]jobs.JobView, 0, len(list))
		for _, job := range list {
			views = append(views, renderJob(job))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": views})
	}
}

func clearSessionHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}

		cleared, err := app.Service.ClearSession(owner)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": cleared})
	}
}

func presetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"presets": pdf.AvailablePresets()})
	}
}

type estimateRequest struct {
	Size    int64  `json:"size" binding:"required"`
	Quality string `json:"quality"`
}

func estimateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req estimateRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Size <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "size をバイト数で指定してください。",
			})
			return
		}

		estimated := pdf.EstimateDuration(req.Size, req.Quality)
		c.JSON(http.StatusOK, gin.H{
			"estimatedSeconds": int(estimated.Seconds()),
		})
	}
}

func statsHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requestOwner(c)
		if !ok {
			return
		}

		counter, limits, err := app.Service.Usage(owner)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"daily": gin.H{
				"fileCount":    counter.DailyFileCount,
				"fileLimit":    limits.DailyFileLimit,
				"storageBytes": counter.DailyStorageBytes,
				"storageLimit": limits.DailyStorageLimit,
			},
			"session": gin.H{
				"storageBytes": counter.SessionStorageBytes,
				"storageLimit": limits.SessionStorageLimit,
			},
		})
	}
}
