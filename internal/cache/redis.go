package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vikyol/awsideman/pkg/metrics"
)

// chunkThreshold is the largest payload stored as a single value. Anything
// bigger is split across synthetic sibling keys with a manifest entry, since
// single-value stores degrade badly on multi-hundred-KiB blobs.
const chunkThreshold = 400 * 1024

// RedisConfig configures the remote KV backend.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Compress gzips payloads before storage.
	Compress bool
	// KeyPrefix namespaces every key in the shared store. Remote storage is
	// per-account; construction without a profile namespace is rejected at
	// the key level.
	KeyPrefix string
}

// envelope is the stored representation of one entry or chunk manifest.
type envelope struct {
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload,omitempty"`
	Compressed    bool      `json:"compressed,omitempty"`
	Chunks        int       `json:"chunks,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	OperationKind string    `json:"operation_kind,omitempty"`
}

// RedisBackend stores entries in a single-keyspace KV store with native TTL
// expiration. Values above chunkThreshold are chunked.
type RedisBackend struct {
	client  *redis.Client
	config  *RedisConfig
	logger  *slog.Logger
	now     Clock
	metrics *metrics.CacheMetrics
}

// NewRedisBackend connects to the store and verifies the connection.
func NewRedisBackend(config *RedisConfig, logger *slog.Logger) (*RedisBackend, error) {
	if config == nil || config.Addr == "" {
		return nil, fmt.Errorf("redis cache requires an address")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", config.Addr, err)
	}

	logger.Info("connected to remote cache", "addr", config.Addr, "db", config.DB)
	return &RedisBackend{
		client:  client,
		config:  config,
		logger:  logger,
		now:     systemClock,
		metrics: metrics.NewCacheMetrics(),
	}, nil
}

func (r *RedisBackend) storeKey(key string) string {
	if r.config.KeyPrefix == "" {
		return key
	}
	return r.config.KeyPrefix + ":" + key
}

func (r *RedisBackend) chunkKey(key string, i int) string {
	return r.storeKey(key) + fmt.Sprintf(":chunk:%04d", i)
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	raw, err := r.client.Get(ctx, r.storeKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("remote cache read failed, treating as miss", "key", key, "error", err)
		}
		r.metrics.Record("redis", "get", "miss")
		return nil, ErrNotFound
	}
	r.metrics.Record("redis", "get", "hit")

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("remote cache entry undecodable, treating as miss", "key", key, "error", err)
		return nil, ErrNotFound
	}
	if now := r.now(); !now.Before(env.ExpiresAt) {
		return nil, ErrNotFound
	}

	payload := env.Payload
	if env.Chunks > 0 {
		payload, err = r.readChunks(ctx, key, env.Chunks)
		if err != nil {
			r.logger.Warn("remote cache chunk read failed, treating as miss", "key", key, "error", err)
			return nil, ErrNotFound
		}
	}
	if env.Compressed {
		payload, err = gunzip(payload)
		if err != nil {
			r.logger.Warn("remote cache decompression failed, treating as miss", "key", key, "error", err)
			return nil, ErrNotFound
		}
	}

	return &Entry{
		Key:           key,
		Payload:       payload,
		CreatedAt:     env.CreatedAt,
		ExpiresAt:     env.ExpiresAt,
		OperationKind: env.OperationKind,
	}, nil
}

func (r *RedisBackend) readChunks(ctx context.Context, key string, n int) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		part, err := r.client.Get(ctx, r.chunkKey(key, i)).Bytes()
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i, n, err)
		}
		buf.Write(part)
	}
	return buf.Bytes(), nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	stored := payload
	compressed := false
	if r.config.Compress && len(payload) > 1024 {
		gz, err := gzipBytes(payload)
		if err == nil && len(gz) < len(payload) {
			stored = gz
			compressed = true
		}
	}

	now := r.now()
	env := envelope{
		Key:        key,
		Compressed: compressed,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if len(stored) <= chunkThreshold {
		env.Payload = stored
		raw, err := json.Marshal(&env)
		if err != nil {
			return fmt.Errorf("encoding cache entry: %w", err)
		}
		return r.client.Set(ctx, r.storeKey(key), raw, ttl).Err()
	}

	// Chunked write: chunks first, manifest last, so a reader never sees a
	// manifest pointing at missing chunks.
	chunks := (len(stored) + chunkThreshold - 1) / chunkThreshold
	for i := 0; i < chunks; i++ {
		start := i * chunkThreshold
		end := start + chunkThreshold
		if end > len(stored) {
			end = len(stored)
		}
		if err := r.client.Set(ctx, r.chunkKey(key, i), stored[start:end], ttl).Err(); err != nil {
			return fmt.Errorf("writing chunk %d/%d: %w", i, chunks, err)
		}
	}
	env.Chunks = chunks
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding cache manifest: %w", err)
	}
	return r.client.Set(ctx, r.storeKey(key), raw, ttl).Err()
}

func (r *RedisBackend) Invalidate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	raw, err := r.client.Get(ctx, r.storeKey(key)).Bytes()
	if err == nil {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Chunks > 0 {
			for i := 0; i < env.Chunks; i++ {
				_ = r.client.Del(ctx, r.chunkKey(key, i)).Err()
			}
		}
	}
	return r.client.Del(ctx, r.storeKey(key)).Err()
}

func (r *RedisBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if !hasPrefix(key, prefix) {
			continue
		}
		if err := r.Invalidate(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Keys scans the store for manifest keys (chunk siblings are internal and
// excluded from enumeration).
func (r *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	pattern := r.storeKey(profilePrefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if r.config.KeyPrefix != "" {
			key = key[len(r.config.KeyPrefix)+1:]
		}
		if isChunkKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning remote cache keys: %w", err)
	}
	return keys, nil
}

func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Entries: len(keys)}
	for _, key := range keys {
		n, err := r.client.StrLen(ctx, r.storeKey(key)).Result()
		if err != nil {
			continue
		}
		stats.Bytes += n
	}
	return stats, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func isChunkKey(key string) bool {
	return strings.Contains(key, ":chunk:")
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
