package templates

import (
	"context"
	"fmt"

	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/organizations"
	"github.com/vikyol/awsideman/internal/resolver"
)

// ValidateStructure checks required fields, entity prefixes, and selector
// syntax without touching AWS. Every problem is collected.
func ValidateStructure(tpl *Template) []string {
	var problems []string

	if tpl.Metadata.Name == "" {
		problems = append(problems, "metadata.name is required")
	}
	if len(tpl.Assignments) == 0 {
		problems = append(problems, "template has no assignments")
	}

	for i, a := range tpl.Assignments {
		at := func(format string, args ...any) {
			problems = append(problems, fmt.Sprintf("assignments[%d]: %s", i, fmt.Sprintf(format, args...)))
		}

		if len(a.Entities) == 0 {
			at("entities is required")
		}
		for _, entity := range a.Entities {
			if _, err := parseEntity(entity); err != nil {
				at("%v", err)
			}
		}
		if len(a.PermissionSets) == 0 {
			at("permission_sets is required")
		}
		for _, ps := range a.PermissionSets {
			if ps == "" {
				at("permission set name cannot be empty")
			}
		}

		selector, err := a.Targets.Selector()
		if err != nil {
			at("%v", err)
			continue
		}
		if err := organizations.ValidateSelector(selector); err != nil {
			at("invalid account selector: %v", err)
		}
		for _, id := range append(append([]string{}, a.Targets.AccountIDs...), a.Targets.ExcludeAccountIDs...) {
			if len(id) != 12 {
				at("account id %q must be 12 digits", id)
			}
		}
	}
	return problems
}

// ValidateSemantics resolves every entity and permission set and evaluates
// every selector against the organization. All failures report as one batch.
func ValidateSemantics(ctx context.Context, tpl *Template, res *resolver.Resolver, opt *organizations.Optimizer) []string {
	var problems []string

	snapshot, parents, err := opt.Snapshot(ctx)
	if err != nil {
		return []string{fmt.Sprintf("loading organization accounts: %v", err)}
	}
	filter := organizations.NewFilter(snapshot, parents)

	seenEntity := make(map[string]bool)
	seenPermSet := make(map[string]bool)

	for i, a := range tpl.Assignments {
		for _, entity := range a.Entities {
			if seenEntity[entity] {
				continue
			}
			seenEntity[entity] = true
			ref, err := parseEntity(entity)
			if err != nil {
				continue // already reported structurally
			}
			if err := res.ResolvePrincipal(ctx, &ref); err != nil {
				problems = append(problems, fmt.Sprintf("assignments[%d]: %v", i, err))
			}
		}
		for _, ps := range a.PermissionSets {
			if seenPermSet[ps] {
				continue
			}
			seenPermSet[ps] = true
			ref := core.PermissionSetRef{Name: ps}
			if err := res.ResolvePermissionSet(ctx, &ref); err != nil {
				problems = append(problems, fmt.Sprintf("assignments[%d]: %v", i, err))
			}
		}

		selector, err := a.Targets.Selector()
		if err != nil {
			continue
		}
		accounts, err := filter.Evaluate(selector)
		if err != nil {
			problems = append(problems, fmt.Sprintf("assignments[%d]: evaluating targets: %v", i, err))
			continue
		}
		if len(accounts) == 0 {
			problems = append(problems, fmt.Sprintf("assignments[%d]: targets match no accounts", i))
		}
	}
	return problems
}
