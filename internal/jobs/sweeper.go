package jobs

import (
	"context"
	"log"
	"time"
)

// ArtifactRemover はジョブの成果物領域を物理削除します。storage.Local が
// 実装します。
type ArtifactRemover interface {
	RemoveJob(jobID string) error
}

// Sweeper は一定間隔で保持期限を過ぎたジョブを expired へ遷移させ、
// 猶予期間を過ぎたジョブの成果物とレコードを回収します。
// expired への遷移は一方通行で、処理中のジョブに触れるのは
// 期限超過時のみです（保持期間は処理時間より十分長い前提）。
type Sweeper struct {
	store     Store
	artifacts ArtifactRemover
	grace     time.Duration
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(store Store, artifacts ArtifactRemover, interval, grace time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		artifacts: artifacts,
		grace:     grace,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start は掃引ループをバックグラウンドで開始します。ctx のキャンセルで
// 停止します。
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now().UTC()
	ids, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logf("sweep: list expired failed: %v", err)
		return
	}

	for _, jobID := range ids {
		record, err := s.store.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if !record.Expired(now) {
			continue
		}

		if record.Status != StatusExpired {
			if err := s.store.Update(ctx, jobID, func(r *Record) error {
				return applyTransition(r, StatusExpired, "保持期限を過ぎたため、このジョブは取得できません。")
			}); err != nil {
				s.logf("sweep: job=%s mark expired failed: %v", jobID, err)
				continue
			}
		}

		if now.Sub(record.ExpiresAt) >= s.grace {
			if err := s.artifacts.RemoveJob(jobID); err != nil {
				s.logf("sweep: job=%s artifact reclaim failed: %v", jobID, err)
				continue
			}
			if err := s.store.Delete(ctx, jobID); err != nil {
				s.logf("sweep: job=%s delete failed: %v", jobID, err)
			}
		}
	}
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
