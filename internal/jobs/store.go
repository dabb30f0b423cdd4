package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// Watch の競合時にやり直す上限。同一IDへの更新は executor と sweeper の
	// 2者に限られるため、これを使い切ることは実際にはありません。
	maxUpdateAttempts = 8
)

var (
	// ErrNotFound は指定されたジョブIDがストアに存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateID は既存ジョブIDでの作成を表します。IDは再利用されません。
	ErrDuplicateID = errors.New("job id already exists")
	// ErrInvalidTransition は状態遷移表にない遷移を表します。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store はジョブレコードの永続化層です。同一IDに対する Update は
// 並行する読み書きに対して原子的に適用されます。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	Update(ctx context.Context, jobID string, mutate func(*Record) error) error
	// ListExpired は保持期限を過ぎたジョブIDを返します（状態は問いません）。
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	Delete(ctx context.Context, jobID string) error
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl には保持期間と猶予期間の
// 合計を渡します。キーのTTLは掃引が止まった場合の保険です。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create はレコードを新規作成します。既存IDの場合は ErrDuplicateID を返します。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with jobID is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateID
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update は read-modify-write を WATCH 付きトランザクションで適用します。
// 同一キーへの並行更新は楽観ロックで直列化されます。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update of job %s did not settle after %d attempts", jobID, maxUpdateAttempts)
}

// ListExpired は SCAN でレコードを走査し、期限切れのジョブIDを返します。
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.Expired(now) {
			ids = append(ids, record.JobID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete はレコードを削除します。存在しない場合もエラーにしません。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// applyTransition は遷移表を確認した上で状態を進めます。Update の mutate から
// 使用し、後退や飛び越しをストア書き込みの手前で拒否します。
func applyTransition(record *Record, to Status, message string) error {
	if !record.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, to)
	}
	record.Status = to
	record.Message = message
	return nil
}
