package main

import (
	"context"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/exam-forge/internal/config"
	"github.com/yourusername/exam-forge/internal/convert"
	"github.com/yourusername/exam-forge/internal/generate"
	"github.com/yourusername/exam-forge/internal/jobs"
	"github.com/yourusername/exam-forge/internal/pipeline"
	"github.com/yourusername/exam-forge/internal/storage"
)

// pipelineDeps は起動時に配線するパイプラインの構成要素一式です。
type pipelineDeps struct {
	artifacts *storage.Local
	service   *pipeline.Service
	store     jobs.Store
	manager   *jobs.Manager
	sweeper   *jobs.Sweeper
}

// jobScheduler は jobs.Manager を pipeline.Scheduler として公開します。
type jobScheduler struct {
	manager *jobs.Manager
}

func (s *jobScheduler) Schedule(ctx context.Context, jobID string, meta pipeline.Metadata, inputRef string) error {
	return s.manager.Enqueue(ctx, jobID, meta, inputRef)
}

func setupPipeline(cfg *config.Config) (*pipelineDeps, error) {
	artifacts := storage.NewLocal(cfg.DataDir)
	if err := artifacts.EnsureBaseDirs(); err != nil {
		return nil, err
	}

	generator := generate.NewClient(generate.Config{
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		APIVersion: cfg.GeminiAPIVersion,
	})
	converter := convert.NewPandoc(cfg.PandocPath, cfg.PandocHeaderPath)
	service := pipeline.NewService(artifacts, generator, converter)

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	retention := time.Duration(cfg.RetentionHours) * time.Hour
	grace := time.Duration(cfg.GraceHours) * time.Hour
	// レコードは保持期限後も猶予の間は残し、遅れてきたポーリングに
	// 410 を返せるようにする。TTLはその合計をバックストップとする。
	store := jobs.NewRedisStore(redisClient, retention+grace)

	manager, err := jobs.NewManager(cfg, service, store, log.Default())
	if err != nil {
		return nil, err
	}

	sweeper := jobs.NewSweeper(store, artifacts,
		time.Duration(cfg.SweepIntervalSec)*time.Second, grace, log.Default())

	return &pipelineDeps{
		artifacts: artifacts,
		service:   service,
		store:     store,
		manager:   manager,
		sweeper:   sweeper,
	}, nil
}
