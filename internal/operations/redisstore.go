package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vikyol/awsideman/internal/core"
)

// RedisStore keeps the journal in a shared KV store so several workstations
// see the same history. One key per operation; expiry is handled by the
// retention sweep rather than KV TTLs, keeping Sweep the only deletion path.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore connects and verifies the store.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if keyPrefix == "" {
		keyPrefix = "awsideman:operations"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to operations store: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}, nil
}

func (s *RedisStore) key(operationID string) string {
	return s.keyPrefix + ":" + operationID
}

func (s *RedisStore) Append(ctx context.Context, rec *core.OperationRecord) error {
	if rec.OperationID == "" {
		return fmt.Errorf("operation record is missing an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding operation record: %w", err)
	}
	// SETNX preserves append-only semantics under concurrent writers.
	ok, err := s.client.SetNX(ctx, s.key(rec.OperationID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("writing operation %s: %w", rec.OperationID, err)
	}
	if !ok {
		return fmt.Errorf("operation %s already recorded", rec.OperationID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, operationID string) (*core.OperationRecord, error) {
	data, err := s.client.Get(ctx, s.key(operationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrOperationNotFound
		}
		return nil, fmt.Errorf("reading operation %s: %w", operationID, err)
	}
	var rec core.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding operation %s: %w", operationID, err)
	}
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*core.OperationRecord, error) {
	var recs []*core.OperationRecord
	iter := s.client.Scan(ctx, 0, s.keyPrefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec core.OperationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable operation record", "key", iter.Val(), "error", err)
			continue
		}
		if filter.Matches(&rec) {
			recs = append(recs, &rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning operations: %w", err)
	}
	sortRecords(recs)
	return recs, nil
}

func (s *RedisStore) MarkRolledBack(ctx context.Context, operationID, rollbackOperationID string) error {
	key := s.key(operationID)

	// Optimistic compare-and-set: the watch fails the transaction if another
	// writer flips the flag between read and write.
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return core.ErrOperationNotFound
			}
			return err
		}
		var rec core.OperationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding operation %s: %w", operationID, err)
		}
		if rec.RolledBack {
			return core.ErrAlreadyRolledBack
		}
		rec.RolledBack = true
		rec.RollbackOperationID = rollbackOperationID

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return core.ErrAlreadyRolledBack
	}
	return err
}

func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.keyPrefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec core.OperationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(olderThan) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
