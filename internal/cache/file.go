package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vikyol/awsideman/pkg/metrics"
)

// FileBackend stores one JSON-encoded Entry per key under
// <root>/profiles/<profile>/<hash>. Writes are atomic (temp file + rename) so
// a crash can never leave a half-written entry readable.
type FileBackend struct {
	root    string
	logger  *slog.Logger
	now     Clock
	metrics *metrics.CacheMetrics

	mu sync.Mutex
}

// NewFileBackend creates a file cache rooted at dir, creating it if needed.
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", dir, err)
	}
	return &FileBackend{
		root:    dir,
		logger:  logger,
		now:     systemClock,
		metrics: metrics.NewCacheMetrics(),
	}, nil
}

// entryPath returns the storage path for a validated key.
func (f *FileBackend) entryPath(key string) string {
	return filepath.Join(f.root, profilePrefix, profileOf(key), hashKey(key))
}

func (f *FileBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entry, err := f.readEntry(f.entryPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		f.metrics.Record("file", "get", "miss")
		return nil, ErrNotFound
	}
	if entry.Expired(f.now()) {
		// Expired data is purged on sight rather than waiting for a sweep.
		_ = os.Remove(f.entryPath(key))
		f.metrics.Record("file", "get", "miss")
		return nil, ErrNotFound
	}
	f.metrics.Record("file", "get", "hit")
	return entry, nil
}

func (f *FileBackend) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	now := f.now()
	entry := &Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeEntry(f.entryPath(key), entry)
}

func (f *FileBackend) Invalidate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.entryPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cache entry %q: %w", key, err)
	}
	return nil
}

// InvalidatePrefix walks the stored entries and removes every key under the
// prefix. The count returned is the number of entries actually removed.
func (f *FileBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	err := f.walkEntries(func(path string, entry *Entry) error {
		if !hasPrefix(entry.Key, prefix) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

func (f *FileBackend) Keys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var keys []string
	err := f.walkEntries(func(path string, entry *Entry) error {
		if entry.Expired(now) {
			_ = os.Remove(path)
			return nil
		}
		keys = append(keys, entry.Key)
		return nil
	})
	return keys, err
}

func (f *FileBackend) Stats(ctx context.Context) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var stats Stats
	err := f.walkEntries(func(path string, entry *Entry) error {
		if entry.Expired(now) {
			return nil
		}
		stats.Entries++
		stats.Bytes += int64(len(entry.Payload))
		return nil
	})
	return stats, err
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry %s: %w", path, err)
	}
	return &entry, nil
}

func (f *FileBackend) writeEntry(path string, entry *Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}

// walkEntries visits every decodable entry file under the root. Undecodable
// files are skipped after a warning; they will be overwritten on next Put.
func (f *FileBackend) walkEntries(fn func(path string, entry *Entry) error) error {
	return filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || isTempFile(d.Name()) {
			return nil
		}
		entry, rerr := f.readEntry(path)
		if rerr != nil {
			f.logger.Warn("skipping undecodable cache file", "path", path, "error", rerr)
			return nil
		}
		return fn(path, entry)
	})
}

func isTempFile(name string) bool {
	return len(name) > 5 && name[:5] == ".tmp-"
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}
