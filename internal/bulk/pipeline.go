package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
	"github.com/vikyol/awsideman/internal/organizations"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/internal/resolver"
)

// Item is one fully resolved (principal, permission set, account) triple.
type Item struct {
	Principal     core.PrincipalRef
	PermissionSet core.PermissionSetRef
	Account       core.Account

	// AlreadySatisfied is set by the conflict probe when AWS state already
	// matches the target.
	AlreadySatisfied bool
}

// EmptySelection is a resolved (principal, permission set) pair whose account
// selector matched nothing. The run still journals it as an operation with
// empty account_ids so the no-op is auditable.
type EmptySelection struct {
	Principal     core.PrincipalRef
	PermissionSet core.PermissionSetRef
}

// Plan is the pipeline's resolved, deduplicated work list plus everything the
// preview needs.
type Plan struct {
	Direction core.Direction
	Items     []Item
	Empty     []EmptySelection

	// Unresolved holds per-record resolution failures (continue-on-error).
	Unresolved []RowError
	// Duplicates counts collapsed identical triples.
	Duplicates int
	// SourceRows is the number of input rows parsed.
	SourceRows int
}

// Pipeline wires the bulk stages together.
type Pipeline struct {
	resolver  *resolver.Resolver
	optimizer *organizations.Optimizer
	executor  *assignment.Executor
	opLogger  *operations.Logger
	client    awsclient.SSOAdminAPI
	retry     *resilience.RetryPolicy
	instance  string
	logger    *slog.Logger
}

// NewPipeline assembles a bulk pipeline from the shared engines.
func NewPipeline(res *resolver.Resolver, opt *organizations.Optimizer, ex *assignment.Executor, opLogger *operations.Logger, client awsclient.SSOAdminAPI, retry *resilience.RetryPolicy, instanceArn string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		resolver:  res,
		optimizer: opt,
		executor:  ex,
		opLogger:  opLogger,
		client:    client,
		retry:     retry,
		instance:  instanceArn,
		logger:    logger,
	}
}

// Resolve runs stages 2-4: name resolution, account expansion, deduplication.
// Resolution failures abort unless continueOnError, in which case they attach
// to the plan per record.
func (p *Pipeline) Resolve(ctx context.Context, records []Record, direction core.Direction, continueOnError bool) (*Plan, error) {
	plan := &Plan{Direction: direction, SourceRows: len(records)}
	seen := make(map[string]bool)
	emptySeen := make(map[string]bool)

	for i := range records {
		rec := &records[i]
		principal, permSet, accounts, err := p.resolveRecord(ctx, rec)
		if err != nil {
			var unresolved *core.UnresolvedEntityError
			if errors.As(err, &unresolved) && continueOnError {
				plan.Unresolved = append(plan.Unresolved, RowError{Row: rec.Row, Err: err})
				continue
			}
			return nil, fmt.Errorf("row %d: %w", rec.Row, err)
		}
		if len(accounts) == 0 {
			key := principal.ID + "\x00" + permSet.ARN
			if !emptySeen[key] {
				emptySeen[key] = true
				plan.Empty = append(plan.Empty, EmptySelection{Principal: principal, PermissionSet: permSet})
			}
			continue
		}
		for _, acct := range accounts {
			key := principal.ID + "\x00" + permSet.ARN + "\x00" + acct.ID
			if seen[key] {
				plan.Duplicates++
				continue
			}
			seen[key] = true
			plan.Items = append(plan.Items, Item{Principal: principal, PermissionSet: permSet, Account: acct})
		}
	}

	sort.Slice(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		if a.Principal.ID != b.Principal.ID {
			return a.Principal.ID < b.Principal.ID
		}
		if a.PermissionSet.ARN != b.PermissionSet.ARN {
			return a.PermissionSet.ARN < b.PermissionSet.ARN
		}
		return a.Account.ID < b.Account.ID
	})
	return plan, nil
}

// resolveRecord resolves one row's references and expands wildcard/selector
// account fields into the matching account set.
func (p *Pipeline) resolveRecord(ctx context.Context, rec *Record) (core.PrincipalRef, core.PermissionSetRef, []core.Account, error) {
	principal := core.PrincipalRef{Type: rec.Type(), Name: rec.PrincipalName, ID: rec.PrincipalID}
	if err := p.resolver.ResolvePrincipal(ctx, &principal); err != nil {
		return principal, core.PermissionSetRef{}, nil, err
	}

	permSet := core.PermissionSetRef{Name: rec.PermissionSetName, ARN: rec.PermissionSetArn}
	if err := p.resolver.ResolvePermissionSet(ctx, &permSet); err != nil {
		return principal, permSet, nil, err
	}

	if isSelector(rec.AccountName) {
		snapshot, parents, err := p.optimizer.Snapshot(ctx)
		if err != nil {
			return principal, permSet, nil, err
		}
		accounts, err := organizations.NewFilter(snapshot, parents).Evaluate(rec.AccountName)
		if err != nil {
			return principal, permSet, nil, err
		}
		return principal, permSet, accounts, nil
	}

	accountID := rec.AccountID
	if accountID == "" {
		id, err := p.resolver.ResolveAccount(ctx, rec.AccountName)
		if err != nil {
			return principal, permSet, nil, err
		}
		accountID = id
	}
	account := core.Account{ID: accountID, Name: rec.AccountName, Status: core.AccountActive}
	return principal, permSet, []core.Account{account}, nil
}

// isSelector reports whether an account field is a filter expression rather
// than a single account name.
func isSelector(accountName string) bool {
	if accountName == "*" {
		return true
	}
	for _, prefix := range []string{"tag:", "ou:", "name:", "id:", "(", "NOT ", "not "} {
		if len(accountName) > len(prefix) && accountName[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ProbeConflicts marks the items whose target state AWS already holds, using
// a read-only list-account-assignments sweep per (account, permission set).
func (p *Pipeline) ProbeConflicts(ctx context.Context, plan *Plan) error {
	type probeKey struct{ account, permSet string }
	present := make(map[probeKey]map[string]bool)

	for i := range plan.Items {
		item := &plan.Items[i]
		key := probeKey{account: item.Account.ID, permSet: item.PermissionSet.ARN}
		principals, ok := present[key]
		if !ok {
			principals = make(map[string]bool)
			_, err := p.retry.Do(ctx, func(ctx context.Context) error {
				var next *string
				for {
					out, err := p.client.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
						InstanceArn:      aws.String(p.instance),
						AccountId:        aws.String(item.Account.ID),
						PermissionSetArn: aws.String(item.PermissionSet.ARN),
						NextToken:        next,
					})
					if err != nil {
						return err
					}
					for _, a := range out.AccountAssignments {
						principals[aws.ToString(a.PrincipalId)] = true
					}
					if out.NextToken == nil {
						return nil
					}
					next = out.NextToken
				}
			})
			if err != nil {
				// The probe is advisory; the executor re-discovers conflicts
				// authoritatively.
				p.logger.Warn("conflict probe failed", "account_id", item.Account.ID, "error", err)
				continue
			}
			present[key] = principals
		}

		assigned := principals[item.Principal.ID]
		if plan.Direction == core.DirectionAssign {
			item.AlreadySatisfied = assigned
		} else {
			item.AlreadySatisfied = !assigned
		}
	}
	return nil
}

// Outcome summarizes an executed bulk run.
type Outcome struct {
	OperationIDs []string
	Processed    int
	Succeeded    int
	Skipped      int
	Failed       int
}

// ExitCode maps the outcome to the process exit status. A run that journaled
// only empty operations (selectors matched nothing) is a success, not a
// validation failure.
func (o *Outcome) ExitCode() int {
	switch {
	case o.Processed == 0 && len(o.OperationIDs) == 0:
		return core.ExitValidation
	case o.Failed > 0:
		return core.ExitFailed
	default:
		return core.ExitOK
	}
}

// Execute runs the plan through the executor, one fan-out per (principal,
// permission set) group, journaling each group as its own operation.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan, continueOnError bool, progress *assignment.Progress) (*Outcome, error) {
	type groupKey struct{ principalID, permSetArn string }
	groups := make(map[groupKey][]Item)
	var order []groupKey
	for _, item := range plan.Items {
		key := groupKey{principalID: item.Principal.ID, permSetArn: item.PermissionSet.ARN}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	kind := core.OpBulkAssign
	if plan.Direction == core.DirectionRevoke {
		kind = core.OpBulkRevoke
	}

	outcome := &Outcome{}
	for _, key := range order {
		items := groups[key]
		accounts := make([]core.Account, 0, len(items))
		names := make(map[string]string, len(items))
		for _, item := range items {
			accounts = append(accounts, item.Account)
			names[item.Account.ID] = item.Account.Name
		}

		req := assignment.Request{
			Principal:       items[0].Principal,
			PermissionSet:   items[0].PermissionSet,
			Accounts:        accounts,
			Direction:       plan.Direction,
			ContinueOnError: continueOnError,
		}

		res, err := p.executor.Execute(ctx, req, progress)
		if err != nil {
			return outcome, err
		}
		if _, err := p.opLogger.Record(ctx, kind, req, res, names, nil); err != nil {
			p.logger.Warn("journaling bulk operation failed", "operation_id", res.OperationID, "error", err)
		}

		counts := res.Counts()
		outcome.OperationIDs = append(outcome.OperationIDs, res.OperationID)
		outcome.Processed += counts.Total
		outcome.Succeeded += counts.Succeeded
		outcome.Skipped += counts.Skipped
		outcome.Failed += counts.Failed

		if counts.Failed > 0 && !continueOnError {
			return outcome, nil
		}
		// Progress covers the first fan-out only; the executor closes it, so
		// later groups run without progress events.
		progress = nil
	}

	// Pairs whose selector matched no accounts journal as operations with
	// empty account_ids, unless another record already gave them real work.
	for _, empty := range plan.Empty {
		key := groupKey{principalID: empty.Principal.ID, permSetArn: empty.PermissionSet.ARN}
		if _, ok := groups[key]; ok {
			continue
		}
		req := assignment.Request{
			Principal:       empty.Principal,
			PermissionSet:   empty.PermissionSet,
			Direction:       plan.Direction,
			ContinueOnError: continueOnError,
		}
		res, err := p.executor.Execute(ctx, req, nil)
		if err != nil {
			return outcome, err
		}
		if _, err := p.opLogger.Record(ctx, kind, req, res, nil, nil); err != nil {
			p.logger.Warn("journaling empty bulk operation failed", "operation_id", res.OperationID, "error", err)
		}
		outcome.OperationIDs = append(outcome.OperationIDs, res.OperationID)
	}
	return outcome, nil
}
