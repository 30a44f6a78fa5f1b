// Package copier copies assignments between principals and clones permission
// sets. Both flows journal themselves so they can be rolled back.
package copier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/internal/resolver"
)

// Copier copies a principal's assignments to another principal.
type Copier struct {
	client   awsclient.SSOAdminAPI
	resolver *resolver.Resolver
	executor *assignment.Executor
	opLogger *operations.Logger
	retry    *resilience.RetryPolicy
	instance string
	logger   *slog.Logger
}

// NewCopier assembles a copier from the shared engines.
func NewCopier(client awsclient.SSOAdminAPI, res *resolver.Resolver, ex *assignment.Executor, opLogger *operations.Logger, retry *resilience.RetryPolicy, instanceArn string, logger *slog.Logger) *Copier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Copier{
		client:   client,
		resolver: res,
		executor: ex,
		opLogger: opLogger,
		retry:    retry,
		instance: instanceArn,
		logger:   logger,
	}
}

// ParsePrincipalSpec parses "user:<name>" or "group:<name>".
func ParsePrincipalSpec(spec string) (core.PrincipalRef, error) {
	kind, name, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return core.PrincipalRef{}, core.NewValidationError("principal", "expected user:<name> or group:<name>, got %q", spec)
	}
	switch strings.ToLower(kind) {
	case "user":
		return core.PrincipalRef{Type: core.PrincipalUser, Name: name}, nil
	case "group":
		return core.PrincipalRef{Type: core.PrincipalGroup, Name: name}, nil
	default:
		return core.PrincipalRef{}, core.NewValidationError("principal", "unknown principal kind %q", kind)
	}
}

// copyItem is one source assignment that survived filtering.
type copyItem struct {
	PermissionSetArn  string
	PermissionSetName string
	AccountID         string
}

// CopyPlan is the preview-able set of assignments to copy.
type CopyPlan struct {
	From  core.PrincipalRef
	To    core.PrincipalRef
	Items []copyItem
	// SkippedExisting counts source assignments the target already holds.
	SkippedExisting int
	// SkippedFiltered counts source assignments removed by the filters.
	SkippedFiltered int
}

// Plan enumerates the source principal's assignments, applies the filters,
// and subtracts what the target already has. Cross-type copy is permitted.
func (c *Copier) Plan(ctx context.Context, from, to core.PrincipalRef, filters core.CopyFilters) (*CopyPlan, error) {
	if err := c.resolver.ResolvePrincipal(ctx, &from); err != nil {
		return nil, err
	}
	if err := c.resolver.ResolvePrincipal(ctx, &to); err != nil {
		return nil, err
	}

	source, err := c.listPrincipalAssignments(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s assignments: %w", from.Name, err)
	}
	targetExisting, err := c.listPrincipalAssignments(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s assignments: %w", to.Name, err)
	}
	existing := make(map[string]bool, len(targetExisting))
	for _, item := range targetExisting {
		existing[item.PermissionSetArn+"\x00"+item.AccountID] = true
	}

	plan := &CopyPlan{From: from, To: to}
	for _, item := range source {
		name, err := c.resolver.PermissionSetName(ctx, item.PermissionSetArn)
		if err != nil {
			name = item.PermissionSetArn
		}
		item.PermissionSetName = name

		if !filters.MatchesPermissionSet(name) || !filters.MatchesAccount(item.AccountID) {
			plan.SkippedFiltered++
			continue
		}
		if existing[item.PermissionSetArn+"\x00"+item.AccountID] {
			plan.SkippedExisting++
			continue
		}
		plan.Items = append(plan.Items, item)
	}

	sort.Slice(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		if a.PermissionSetArn != b.PermissionSetArn {
			return a.PermissionSetArn < b.PermissionSetArn
		}
		return a.AccountID < b.AccountID
	})
	return plan, nil
}

// listPrincipalAssignments walks list-account-assignments-for-principal.
func (c *Copier) listPrincipalAssignments(ctx context.Context, principal core.PrincipalRef) ([]copyItem, error) {
	var items []copyItem
	_, err := c.retry.Do(ctx, func(ctx context.Context) error {
		items = items[:0]
		var next *string
		for {
			out, err := c.client.ListAccountAssignmentsForPrincipal(ctx, &ssoadmin.ListAccountAssignmentsForPrincipalInput{
				InstanceArn:   aws.String(c.instance),
				PrincipalId:   aws.String(principal.ID),
				PrincipalType: ssotypes.PrincipalType(principal.Type),
				NextToken:     next,
			})
			if err != nil {
				return err
			}
			for _, a := range out.AccountAssignments {
				items = append(items, copyItem{
					PermissionSetArn: aws.ToString(a.PermissionSetArn),
					AccountID:        aws.ToString(a.AccountId),
				})
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	return items, err
}

// Execute applies the plan, one executor fan-out per permission set, and
// journals each fan-out for rollback.
func (c *Copier) Execute(ctx context.Context, plan *CopyPlan, progress *assignment.Progress) ([]*core.OperationRecord, error) {
	byPermSet := make(map[string][]copyItem)
	var order []string
	for _, item := range plan.Items {
		if _, ok := byPermSet[item.PermissionSetArn]; !ok {
			order = append(order, item.PermissionSetArn)
		}
		byPermSet[item.PermissionSetArn] = append(byPermSet[item.PermissionSetArn], item)
	}

	var recs []*core.OperationRecord
	for _, arn := range order {
		items := byPermSet[arn]
		accounts := make([]core.Account, 0, len(items))
		names := make(map[string]string, len(items))
		for _, item := range items {
			accounts = append(accounts, core.Account{ID: item.AccountID, Status: core.AccountActive})
			names[item.AccountID] = item.AccountID
		}

		req := assignment.Request{
			Principal:       plan.To,
			PermissionSet:   core.PermissionSetRef{Name: items[0].PermissionSetName, ARN: arn},
			Accounts:        accounts,
			Direction:       core.DirectionAssign,
			ContinueOnError: true,
		}
		res, err := c.executor.Execute(ctx, req, progress)
		if err != nil {
			return recs, err
		}
		progress = nil

		rec, err := c.opLogger.Record(ctx, core.OpAssign, req, res, names, map[string]string{
			"copied_from": string(plan.From.Type) + ":" + plan.From.Name,
		})
		if err != nil {
			c.logger.Warn("journaling copy operation failed", "operation_id", res.OperationID, "error", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
