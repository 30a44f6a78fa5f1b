// Package operations implements the append-only operation journal and the
// rollback engine that consumes it. Journal records are immutable after
// append except for the single rolled-back transition.
package operations

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vikyol/awsideman/internal/core"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Since excludes records older than the given instant.
	Since time.Time
	// Kind matches the operation kind exactly.
	Kind core.OperationKind
	// PrincipalName matches case-insensitively.
	PrincipalName string
	// PermissionSetName matches case-insensitively.
	PermissionSetName string
}

// Matches reports whether a record passes the filter.
func (f Filter) Matches(rec *core.OperationRecord) bool {
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.PrincipalName != "" && !strings.EqualFold(rec.PrincipalName, f.PrincipalName) {
		return false
	}
	if f.PermissionSetName != "" && !strings.EqualFold(rec.PermissionSetName, f.PermissionSetName) {
		return false
	}
	return true
}

// Store is the journal capability set. Implementations serialize appends
// internally; reads are snapshot reads.
type Store interface {
	// Append persists a new record. Operation ids are unique; appending a
	// duplicate id is an error.
	Append(ctx context.Context, rec *core.OperationRecord) error

	// Get returns the record for an id, or core.ErrOperationNotFound.
	Get(ctx context.Context, operationID string) (*core.OperationRecord, error)

	// List returns matching records ordered by timestamp descending,
	// ties broken by operation id.
	List(ctx context.Context, filter Filter) ([]*core.OperationRecord, error)

	// MarkRolledBack flips the rolled-back flag exactly once, recording the
	// rollback operation's id. A second call returns
	// core.ErrAlreadyRolledBack.
	MarkRolledBack(ctx context.Context, operationID, rollbackOperationID string) error

	// Sweep removes records older than the retention cutoff and reports the
	// number removed. Sweeping twice is safe.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// sortRecords orders newest first, ties broken by operation id so concurrent
// operations with identical timestamps list deterministically.
func sortRecords(recs []*core.OperationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].OperationID < recs[j].OperationID
	})
}
