package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はプロセス内マップによる Store 実装です。Redis を持たない
// デプロイとテストで使用します。全操作はミューテックスで直列化されるため、
// 同一IDの read-modify-write が途中状態で交錯することはありません。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with jobID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.JobID]; exists {
		return ErrDuplicateID
	}
	s.records[record.JobID] = cloneRecord(record)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	// mutate が失敗した場合に途中書き込みを残さないよう、コピーに適用します。
	updated := cloneRecord(record)
	if err := mutate(updated); err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.records[jobID] = updated
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, record := range s.records {
		if record.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.OutputRefs != nil {
		clone.OutputRefs = append([]string(nil), record.OutputRefs...)
	}
	if record.Error != nil {
		errInfo := *record.Error
		clone.Error = &errInfo
	}
	return &clone
}
