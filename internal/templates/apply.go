package templates

import (
	"context"
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

// DiffEntry is one (principal, permission set, account) triple the template
// wants and AWS does not yet have.
type DiffEntry struct {
	Principal     core.PrincipalRef
	PermissionSet core.PermissionSetRef
	Account       core.Account
}

// Diff is the rendered plan for a template run.
type Diff struct {
	TemplateName string
	Additions    []DiffEntry
	// Satisfied counts desired triples that already exist.
	Satisfied int
}

// Engine resolves templates against live state and applies the difference.
type Engine struct {
	resolver  *resolver.Resolver
	optimizer *organizations.Optimizer
	executor  *assignment.Executor
	opLogger  *operations.Logger
	client    awsclient.SSOAdminAPI
	retry     *resilience.RetryPolicy
	instance  string
	logger    *slog.Logger
}

// NewEngine assembles a template engine from the shared components.
func NewEngine(res *resolver.Resolver, opt *organizations.Optimizer, ex *assignment.Executor, opLogger *operations.Logger, client awsclient.SSOAdminAPI, retry *resilience.RetryPolicy, instanceArn string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
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

// Plan flattens the template into triples, deduplicates, and diffs against
// the current assignment state.
func (e *Engine) Plan(ctx context.Context, tpl *Template) (*Diff, error) {
	snapshot, parents, err := e.optimizer.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	filter := organizations.NewFilter(snapshot, parents)

	type tripleKey struct{ principal, permSet, account string }
	seen := make(map[tripleKey]bool)
	diff := &Diff{TemplateName: tpl.Metadata.Name}

	for i, block := range tpl.Assignments {
		selector, err := block.Targets.Selector()
		if err != nil {
			return nil, fmt.Errorf("assignments[%d]: %w", i, err)
		}
		accounts, err := filter.Evaluate(selector)
		if err != nil {
			return nil, fmt.Errorf("assignments[%d]: %w", i, err)
		}

		for _, entity := range block.Entities {
			principal, err := parseEntity(entity)
			if err != nil {
				return nil, fmt.Errorf("assignments[%d]: %w", i, err)
			}
			if err := e.resolver.ResolvePrincipal(ctx, &principal); err != nil {
				return nil, fmt.Errorf("assignments[%d]: %w", i, err)
			}

			for _, psName := range block.PermissionSets {
				permSet := core.PermissionSetRef{Name: psName}
				if err := e.resolver.ResolvePermissionSet(ctx, &permSet); err != nil {
					return nil, fmt.Errorf("assignments[%d]: %w", i, err)
				}

				for _, acct := range accounts {
					key := tripleKey{principal: principal.ID, permSet: permSet.ARN, account: acct.ID}
					if seen[key] {
						continue
					}
					seen[key] = true
					diff.Additions = append(diff.Additions, DiffEntry{
						Principal:     principal,
						PermissionSet: permSet,
						Account:       acct,
					})
				}
			}
		}
	}

	if err := e.subtractExisting(ctx, diff); err != nil {
		return nil, err
	}

	sort.Slice(diff.Additions, func(i, j int) bool {
		a, b := diff.Additions[i], diff.Additions[j]
		if a.Principal.ID != b.Principal.ID {
			return a.Principal.ID < b.Principal.ID
		}
		if a.PermissionSet.ARN != b.PermissionSet.ARN {
			return a.PermissionSet.ARN < b.PermissionSet.ARN
		}
		return a.Account.ID < b.Account.ID
	})
	return diff, nil
}

// subtractExisting removes triples AWS already has, probing each (account,
// permission set) pair once.
func (e *Engine) subtractExisting(ctx context.Context, diff *Diff) error {
	type probeKey struct{ account, permSet string }
	assigned := make(map[probeKey]map[string]bool)

	kept := diff.Additions[:0]
	for _, entry := range diff.Additions {
		key := probeKey{account: entry.Account.ID, permSet: entry.PermissionSet.ARN}
		principals, ok := assigned[key]
		if !ok {
			principals = make(map[string]bool)
			_, err := e.retry.Do(ctx, func(ctx context.Context) error {
				var next *string
				for {
					out, err := e.client.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
						InstanceArn:      aws.String(e.instance),
						AccountId:        aws.String(entry.Account.ID),
						PermissionSetArn: aws.String(entry.PermissionSet.ARN),
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
				return fmt.Errorf("probing assignments for account %s: %w", entry.Account.ID, err)
			}
			assigned[key] = principals
		}

		if principals[entry.Principal.ID] {
			diff.Satisfied++
			continue
		}
		kept = append(kept, entry)
	}
	diff.Additions = kept
	return nil
}

// Apply executes the diff, one fan-out per (principal, permission set), and
// journals the template run.
func (e *Engine) Apply(ctx context.Context, diff *Diff, progress *assignment.Progress) ([]*core.OperationRecord, error) {
	type groupKey struct{ principalID, permSetArn string }
	groups := make(map[groupKey][]DiffEntry)
	var order []groupKey
	for _, entry := range diff.Additions {
		key := groupKey{principalID: entry.Principal.ID, permSetArn: entry.PermissionSet.ARN}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	var recs []*core.OperationRecord
	for _, key := range order {
		entries := groups[key]
		accounts := make([]core.Account, 0, len(entries))
		names := make(map[string]string, len(entries))
		for _, entry := range entries {
			accounts = append(accounts, entry.Account)
			names[entry.Account.ID] = entry.Account.Name
		}

		req := assignment.Request{
			Principal:       entries[0].Principal,
			PermissionSet:   entries[0].PermissionSet,
			Accounts:        accounts,
			Direction:       core.DirectionAssign,
			ContinueOnError: true,
		}
		res, err := e.executor.Execute(ctx, req, progress)
		if err != nil {
			return recs, err
		}
		progress = nil

		rec, err := e.opLogger.Record(ctx, core.OpTemplateApply, req, res, names, map[string]string{
			"template": diff.TemplateName,
		})
		if err != nil {
			e.logger.Warn("journaling template operation failed", "operation_id", res.OperationID, "error", err)
		}
		recs = append(recs, rec)
	}

	e.logger.Info("template applied",
		"template", diff.TemplateName,
		"additions", len(diff.Additions),
		"already_satisfied", diff.Satisfied,
		"operations", len(recs),
	)
	return recs, nil
}
