// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/exam-forge/internal/auth"
	"github.com/yourusername/exam-forge/internal/config"
	"github.com/yourusername/exam-forge/internal/jobs"
	"github.com/yourusername/exam-forge/internal/pipeline"
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
	}
	router.Use(cors.New(corsConfig))

	// パイプライン一式（ストレージ・アダプター・キュー・掃引）の配線
	deps, err := setupPipeline(cfg)
	if err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	// ワーカーと期限切れ掃引をバックグラウンドで起動
	deps.manager.StartWorkers()
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	deps.sweeper.Start(sweepCtx)

	// ルーティングの設定
	setupRoutes(router, cfg, deps)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "exam-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps *pipelineDeps) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	creds := auth.Credentials{
		Username:     cfg.AppUsername,
		PasswordHash: cfg.AppPasswordHash,
	}

	api := router.Group("/api/v1")
	api.Use(auth.BasicAuth(creds))
	{
		api.POST("/pipeline", pipeline.SubmitHandler(deps.service, pipeline.SubmitOptions{
			Scheduler:   &jobScheduler{manager: deps.manager},
			MaxFileSize: cfg.MaxFileSize,
		}))
		api.GET("/pipeline/:id", jobs.StatusHandler(deps.store, jobs.HandlerOptions{
			StalledAfter: time.Duration(cfg.StalledAfterMinutes) * time.Minute,
		}))
		api.GET("/pipeline/:id/download", jobs.DownloadHandler(deps.store, deps.artifacts))
		api.GET("/pipeline/:id/download/markdown", jobs.TextDownloadHandler(deps.store, deps.artifacts))
	}
}
