// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/pdfexport/internal/api"
	"github.com/yourusername/pdfexport/internal/auth"
	"github.com/yourusername/pdfexport/internal/config"
	"github.com/yourusername/pdfexport/internal/convert"
	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
	"github.com/yourusername/pdfexport/internal/sweeper"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// Redis接続
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cancelPing()

	// レジストリとローカルストレージ
	store := registry.NewStore(rdb, cfg.Retention(), logger)
	local, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir, cfg.MaxFileSize, logger)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	// プロセッサの登録とジョブマネージャー
	procs := jobs.NewProcessors()
	converter := convert.NewService(store, local, cfg.GhostscriptPath, cfg.WkhtmltopdfPath, logger)
	converter.RegisterAll(procs)

	manager, err := jobs.NewManager(store, procs, local, logger)
	if err != nil {
		log.Fatalf("Failed to init job manager: %v", err)
	}

	// 前回までの未完了ジョブを再投入してからワーカーを起動する
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := manager.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		log.Fatalf("Failed to recover pending jobs: %v", err)
	}
	if recovered > 0 {
		logger.Printf("recovered %d unfinished jobs", recovered)
	}
	manager.Start()

	// 保持期限掃除
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sw := sweeper.New(store, local, cfg.Retention(), cfg.SweepInterval(), logger)
	go sw.Run(sweepCtx)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	gin.SetMode(cfg.GinMode)
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	server := api.NewServer(store, manager, local, converter,
		cfg.MaxFileSize, cfg.PollInterval(), cfg.Retention(), logger)
	setupRoutes(router, cfg, server)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", httpServer.Addr, cfg.GinMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// SIGINT/SIGTERM で graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("shutting down")

	cancelSweep()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	// 実行中のジョブを指定時間だけ待つ。終わらない分は次回起動時に再実行される。
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Printf("worker shutdown: %v", err)
	}
	if err := rdb.Close(); err != nil {
		logger.Printf("redis close: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pdfexport-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
// 認証情報が設定されていない場合は認証なしで公開します。
func setupRoutes(router *gin.Engine, cfg *config.Config, server *api.Server) {
	router.GET("/health", handleHealth)

	if cfg.AuthEnabled() {
		// セッションミドルウェアはグループ作成より前に登録する必要がある
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))

		authManager := auth.NewManager(cfg.AppUsername, cfg.AppPasswordHash)
		authRoutes := router.Group("/api/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		group := router.Group("/api/v1", authManager.RequireLogin(), authManager.VerifyCSRF())
		server.Register(group)
		return
	}

	server.Register(router.Group("/api/v1"))
}
