package operations

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/core"
)

// Logger turns executor results into journal records. Failure to journal is
// reported but never fails the operation that already ran.
type Logger struct {
	store  Store
	logger *slog.Logger
}

// NewLogger wraps a store.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger}
}

// Store exposes the underlying store for list/get/rollback flows.
func (l *Logger) Store() Store { return l.store }

// Record journals one completed fan-out. accountNames must parallel the
// result records' account ids.
func (l *Logger) Record(ctx context.Context, kind core.OperationKind, req assignment.Request, res *assignment.Result, accountNames map[string]string, metadata map[string]string) (*core.OperationRecord, error) {
	rec := &core.OperationRecord{
		OperationID:       res.OperationID,
		Timestamp:         time.Now().UTC(),
		Kind:              kind,
		PrincipalID:       req.Principal.ID,
		PrincipalType:     req.Principal.Type,
		PrincipalName:     req.Principal.Name,
		PermissionSetArn:  req.PermissionSet.ARN,
		PermissionSetName: req.PermissionSet.Name,
		Results:           res.Records,
		Metadata:          mergeMetadata(metadata),
	}
	rec.Metadata[core.MetaDirection] = string(req.Direction)
	for _, r := range res.Records {
		rec.AccountIDs = append(rec.AccountIDs, r.AccountID)
		rec.AccountNames = append(rec.AccountNames, accountNames[r.AccountID])
	}
	if res.Cancelled {
		rec.Metadata[core.MetaCancelled] = "true"
		rec.Metadata[core.MetaIncomplete] = "true"
	}

	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Error("journaling operation failed", "operation_id", rec.OperationID, "error", err)
		return rec, err
	}
	return rec, nil
}

// mergeMetadata adds the ambient source/actor keys without clobbering
// caller-provided values.
func mergeMetadata(metadata map[string]string) map[string]string {
	merged := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	if _, ok := merged[core.MetaActor]; !ok {
		if u, err := user.Current(); err == nil {
			merged[core.MetaActor] = u.Username
		}
	}
	if _, ok := merged[core.MetaSource]; !ok {
		merged[core.MetaSource] = strings.Join(os.Args, " ")
	}
	return merged
}

// SweepExpired applies the retention policy.
func (l *Logger) SweepExpired(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return l.store.Sweep(ctx, cutoff)
}
