// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdf-press/internal/auth"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// アプリケーションの組み立て
	app, err := setupApp(cfg)
	if err != nil {
		log.Fatalf("Failed to set up application: %v", err)
	}
	defer app.Close()

	// ルーティングの設定
	setupRoutes(router, cfg, app)

	// バックグラウンドワーカーとスイープスケジューラーの起動
	app.Manager.StartWorkers()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Manager.Shutdown(ctx)
	}()

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(app))

	authManager := auth.NewManager(cfg)
	// ログアウトで匿名に戻るため、セッション累計クォータもここでリセットする
	authManager.OnLogout = func(owner jobs.Owner) {
		if err := app.Ledger.ClearSession(owner); err != nil {
			log.Printf("failed to clear session quota for %s: %v", owner.Key(), err)
		}
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout", authManager.Logout)
		}

		// 処理系APIは匿名セッションでも利用できる
		process := api.Group("/process")
		process.Use(authManager.ResolveOwner(), authManager.VerifyCSRF())
		{
			process.POST("/upload", uploadHandler(app))
			process.GET("/status/:id", statusHandler(app))
			process.GET("/download/:id", downloadHandler(app))
			process.POST("/retry/:id", retryHandler(app))
			process.GET("/jobs", listJobsHandler(app))
			process.POST("/clear-session", clearSessionHandler(app))
			process.GET("/presets", presetsHandler())
			process.POST("/estimate", estimateHandler())
		}

		user := api.Group("/user")
		user.Use(authManager.ResolveOwner())
		{
			user.GET("/stats", statsHandler(app))
		}
	}
}
