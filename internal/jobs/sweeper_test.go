package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubRemover struct {
	removed []string
	err     error
}

func (s *stubRemover) RemoveJob(jobID string) error {
	if s.err != nil {
		return s.err
	}
	s.removed = append(s.removed, jobID)
	return nil
}

func newTestSweeper(store Store, remover ArtifactRemover, grace time.Duration, now time.Time) *Sweeper {
	return &Sweeper{
		store:     store,
		artifacts: remover,
		grace:     grace,
		interval:  time.Minute,
		now:       func() time.Time { return now },
	}
}

func TestSweepMarksExpiredWithinGrace(t *testing.T) {
	store := NewMemoryStore()
	remover := &stubRemover{}
	now := time.Now().UTC()

	record := newTestRecord("pipeline-1", now.Add(-time.Hour))
	record.Status = StatusDone
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	sweeper := newTestSweeper(store, remover, 72*time.Hour, now)
	sweeper.sweep(context.Background())

	got, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if len(remover.removed) != 0 {
		t.Fatalf("artifacts must stay during the grace period: %#v", remover.removed)
	}
}

func TestSweepReclaimsPastGrace(t *testing.T) {
	store := NewMemoryStore()
	remover := &stubRemover{}
	now := time.Now().UTC()

	record := newTestRecord("pipeline-1", now.Add(-73*time.Hour))
	record.Status = StatusExpired
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	sweeper := newTestSweeper(store, remover, 72*time.Hour, now)
	sweeper.sweep(context.Background())

	if len(remover.removed) != 1 || remover.removed[0] != "pipeline-1" {
		t.Fatalf("expected artifact reclamation: %#v", remover.removed)
	}
	if _, err := store.Get(context.Background(), "pipeline-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}
}

func TestSweepMarksInFlightJobPastRetention(t *testing.T) {
	store := NewMemoryStore()
	remover := &stubRemover{}
	now := time.Now().UTC()

	record := newTestRecord("pipeline-1", now.Add(-time.Minute))
	record.Status = StatusGeneratingText
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	sweeper := newTestSweeper(store, remover, 72*time.Hour, now)
	sweeper.sweep(context.Background())

	got, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("in-flight job past retention must expire, got %s", got.Status)
	}
}

func TestSweepIgnoresLiveRecords(t *testing.T) {
	store := NewMemoryStore()
	remover := &stubRemover{}
	now := time.Now().UTC()

	if err := store.Create(context.Background(), newTestRecord("pipeline-live", now.Add(time.Hour))); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	sweeper := newTestSweeper(store, remover, 72*time.Hour, now)
	sweeper.sweep(context.Background())

	got, err := store.Get(context.Background(), "pipeline-live")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusAccepted {
		t.Fatalf("live record must not change: %s", got.Status)
	}
	if len(remover.removed) != 0 {
		t.Fatalf("live record artifacts must stay: %#v", remover.removed)
	}
}
