package operations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/google/uuid"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
)

// avgCallSeconds feeds the plan's duration estimate.
const avgCallSeconds = 1.5

// Processor validates, plans, and executes rollbacks.
type Processor struct {
	store    Store
	client   awsclient.SSOAdminAPI
	executor *assignment.Executor
	retry    *resilience.RetryPolicy
	instance string
	workers  int
	logger   *slog.Logger
}

// NewProcessor creates a rollback processor.
func NewProcessor(store Store, client awsclient.SSOAdminAPI, executor *assignment.Executor, retry *resilience.RetryPolicy, instanceArn string, workers int, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 10
	}
	return &Processor{
		store:    store,
		client:   client,
		executor: executor,
		retry:    retry,
		instance: instanceArn,
		workers:  workers,
		logger:   logger,
	}
}

// Plan validates an operation and produces its inverse. Observed-state
// mismatches become warnings, never hard failures, unless strict is set.
func (p *Processor) Plan(ctx context.Context, operationID string, strict bool) (*core.RollbackPlan, error) {
	rec, err := p.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec.RolledBack {
		return nil, fmt.Errorf("operation %s: %w", operationID, core.ErrAlreadyRolledBack)
	}

	// A clone's inverse is deleting the created permission set, not an
	// assignment change; its plan carries no per-account actions.
	if rec.Kind == core.OpClone {
		return &core.RollbackPlan{
			OperationID:       operationID,
			ActionKind:        core.DirectionRevoke,
			EstimatedDuration: time.Duration(avgCallSeconds * float64(time.Second)),
		}, nil
	}

	inverse := p.inverseDirection(rec)
	plan := &core.RollbackPlan{
		OperationID: operationID,
		ActionKind:  inverse,
	}

	// Only accounts whose original result recorded success are candidates;
	// an incomplete operation rolls back just the work that landed.
	for _, res := range rec.Results {
		if res.Outcome != core.OutcomeSucceeded {
			continue
		}

		observed, err := p.observeState(ctx, rec, res.AccountID)
		if err != nil {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("account %s: state verification failed: %v", res.AccountID, err))
			observed = core.StateUnknown
		}

		// Skip actions whose observed state already matches the
		// post-rollback target.
		if inverse == core.DirectionRevoke && observed == core.StateAbsent {
			plan.Warnings = append(plan.Warnings, (&core.StateMismatchError{
				Expected: core.StatePresent,
				Observed: observed,
				Account:  res.AccountID,
			}).Error())
			continue
		}
		if inverse == core.DirectionAssign && observed == core.StatePresent {
			plan.Warnings = append(plan.Warnings, (&core.StateMismatchError{
				Expected: core.StateAbsent,
				Observed: observed,
				Account:  res.AccountID,
			}).Error())
			continue
		}

		plan.Actions = append(plan.Actions, core.RollbackAction{
			PrincipalID:      res.PrincipalID,
			PermissionSetArn: res.PermissionSetArn,
			AccountID:        res.AccountID,
			ActionKind:       inverse,
			ObservedState:    observed,
		})
	}

	if strict && len(plan.Warnings) > 0 {
		return plan, fmt.Errorf("rollback verification found %d state mismatches", len(plan.Warnings))
	}

	plan.EstimatedDuration = time.Duration(float64(len(plan.Actions)) / float64(p.workers) * avgCallSeconds * float64(time.Second))
	return plan, nil
}

// inverseDirection derives the rollback action from what the original
// operation actually did. The recorded direction wins when present, which is
// what makes rollback-of-a-rollback come out right; the kind is the fallback
// for records journaled before the direction was recorded.
func (p *Processor) inverseDirection(rec *core.OperationRecord) core.Direction {
	if d := rec.Metadata[core.MetaDirection]; d != "" {
		return core.Direction(d).Inverse()
	}
	switch rec.Kind {
	case core.OpRevoke, core.OpBulkRevoke:
		return core.DirectionAssign
	default:
		return core.DirectionRevoke
	}
}

// rollbackClone deletes the permission set a clone created. AWS rejects the
// delete while the set still has assignments, which is exactly the guard the
// spec wants: only an unassigned clone can be rolled back.
func (p *Processor) rollbackClone(ctx context.Context, rec *core.OperationRecord) (*core.OperationRecord, error) {
	_, err := p.retry.Do(ctx, func(ctx context.Context) error {
		_, err := p.client.DeletePermissionSet(ctx, &ssoadmin.DeletePermissionSetInput{
			InstanceArn:      aws.String(p.instance),
			PermissionSetArn: aws.String(rec.PermissionSetArn),
		})
		return err
	})
	if err != nil {
		if resilience.Classify(err) == resilience.ClassConflict {
			return nil, fmt.Errorf("permission set %s still has assignments; revoke them before rolling back the clone", rec.PermissionSetName)
		}
		return nil, fmt.Errorf("deleting cloned permission set %s: %w", rec.PermissionSetName, err)
	}

	rbRec := &core.OperationRecord{
		OperationID:       uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		Kind:              core.OpRollback,
		PermissionSetArn:  rec.PermissionSetArn,
		PermissionSetName: rec.PermissionSetName,
		Metadata: map[string]string{
			core.MetaOriginal: rec.OperationID,
		},
	}
	if err := p.store.Append(ctx, rbRec); err != nil {
		p.logger.Error("journaling clone rollback failed", "operation_id", rbRec.OperationID, "error", err)
	}
	if err := p.store.MarkRolledBack(ctx, rec.OperationID, rbRec.OperationID); err != nil {
		return rbRec, err
	}
	return rbRec, nil
}

// observeState probes the live assignment state for one account.
func (p *Processor) observeState(ctx context.Context, rec *core.OperationRecord, accountID string) (core.CurrentState, error) {
	var present bool
	_, err := p.retry.Do(ctx, func(ctx context.Context) error {
		present = false
		var next *string
		for {
			out, err := p.client.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
				InstanceArn:      aws.String(p.instance),
				AccountId:        aws.String(accountID),
				PermissionSetArn: aws.String(rec.PermissionSetArn),
				NextToken:        next,
			})
			if err != nil {
				return err
			}
			for _, a := range out.AccountAssignments {
				if aws.ToString(a.PrincipalId) == rec.PrincipalID {
					present = true
					return nil
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return core.StateUnknown, err
	}
	if present {
		return core.StatePresent, nil
	}
	return core.StateAbsent, nil
}

// Execute runs a plan through the executor, journals the rollback as its own
// operation, and flips the original's rolled-back flag.
func (p *Processor) Execute(ctx context.Context, plan *core.RollbackPlan, opLogger *Logger, progress *assignment.Progress) (*core.OperationRecord, error) {
	rec, err := p.store.Get(ctx, plan.OperationID)
	if err != nil {
		return nil, err
	}
	if rec.RolledBack {
		return nil, fmt.Errorf("operation %s: %w", plan.OperationID, core.ErrAlreadyRolledBack)
	}

	if rec.Kind == core.OpClone {
		// The clone path never reaches the executor, so the progress stream
		// must be ended here.
		progress.Close()
		return p.rollbackClone(ctx, rec)
	}

	accounts := make([]core.Account, 0, len(plan.Actions))
	names := make(map[string]string, len(rec.AccountIDs))
	for i, id := range rec.AccountIDs {
		if i < len(rec.AccountNames) {
			names[id] = rec.AccountNames[i]
		}
	}
	for _, action := range plan.Actions {
		accounts = append(accounts, core.Account{ID: action.AccountID, Name: names[action.AccountID], Status: core.AccountActive})
	}

	req := assignment.Request{
		Principal: core.PrincipalRef{
			Type: rec.PrincipalType,
			Name: rec.PrincipalName,
			ID:   rec.PrincipalID,
		},
		PermissionSet: core.PermissionSetRef{
			Name: rec.PermissionSetName,
			ARN:  rec.PermissionSetArn,
		},
		Accounts:        accounts,
		Direction:       plan.ActionKind,
		ContinueOnError: true,
	}

	res, err := p.executor.Execute(ctx, req, progress)
	if err != nil {
		return nil, err
	}

	rollbackRec, err := opLogger.Record(ctx, core.OpRollback, req, res, names, map[string]string{
		core.MetaOriginal: plan.OperationID,
	})
	if err != nil {
		return rollbackRec, err
	}

	if err := p.store.MarkRolledBack(ctx, plan.OperationID, rollbackRec.OperationID); err != nil {
		p.logger.Error("marking original operation rolled back failed",
			"operation_id", plan.OperationID,
			"rollback_operation_id", rollbackRec.OperationID,
			"error", err,
		)
		return rollbackRec, err
	}

	p.logger.Info("rollback complete",
		"operation_id", plan.OperationID,
		"rollback_operation_id", rollbackRec.OperationID,
		"actions", len(plan.Actions),
	)
	return rollbackRec, nil
}
