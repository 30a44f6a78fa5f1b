package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vikyol/awsideman/internal/core"
)

// FileStore keeps one JSON document per operation under its directory. The
// file name is the operation id, so lookups are direct reads and the journal
// is a plain directory an operator can inspect.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// writeMu serializes appends and the rolled-back transition. Reads go
	// straight to the filesystem.
	writeMu sync.Mutex
}

// NewFileStore creates the journal directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating operations dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(operationID string) string {
	return filepath.Join(s.dir, operationID+".json")
}

func (s *FileStore) Append(ctx context.Context, rec *core.OperationRecord) error {
	if rec.OperationID == "" {
		return fmt.Errorf("operation record is missing an id")
	}
	if strings.ContainsAny(rec.OperationID, "/\\") {
		return fmt.Errorf("operation id %q contains path separators", rec.OperationID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.path(rec.OperationID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("operation %s already recorded", rec.OperationID)
	}
	return s.write(path, rec)
}

// write persists atomically: the journal must never contain a half-written
// document, even across a crash mid-operation.
func (s *FileStore) write(path string, rec *core.OperationRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding operation record: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) Get(ctx context.Context, operationID string) (*core.OperationRecord, error) {
	data, err := os.ReadFile(s.path(operationID))
	if err != nil {
		if os.IsNotExist(err) {
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

func (s *FileStore) List(ctx context.Context, filter Filter) ([]*core.OperationRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading operations dir: %w", err)
	}

	var recs []*core.OperationRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		rec, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable operation record", "file", name, "error", err)
			continue
		}
		if filter.Matches(rec) {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	return recs, nil
}

func (s *FileStore) MarkRolledBack(ctx context.Context, operationID, rollbackOperationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if rec.RolledBack {
		return core.ErrAlreadyRolledBack
	}
	rec.RolledBack = true
	rec.RollbackOperationID = rollbackOperationID
	return s.write(s.path(operationID), rec)
}

func (s *FileStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if rec.Timestamp.Before(olderThan) {
			if err := os.Remove(s.path(rec.OperationID)); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept expired operation records", "removed", removed)
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }
