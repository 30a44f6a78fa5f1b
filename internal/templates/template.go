// Package templates implements the declarative assignment engine: YAML or
// JSON documents describing (entity, permission set, target) combinations
// that are validated, resolved, diffed, and applied.
package templates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vikyol/awsideman/internal/core"
)

// Template is a parsed template document.
type Template struct {
	Metadata    Metadata             `yaml:"metadata" json:"metadata"`
	Assignments []TemplateAssignment `yaml:"assignments" json:"assignments"`
}

// Metadata names the template.
type Metadata struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
}

// TemplateAssignment is one assignment block.
type TemplateAssignment struct {
	// Entities are "user:<name>" or "group:<name>" references.
	Entities []string `yaml:"entities" json:"entities" validate:"required,min=1"`
	// PermissionSets are names or ARNs.
	PermissionSets []string `yaml:"permission_sets" json:"permission_sets" validate:"required,min=1"`
	Targets        Targets  `yaml:"targets" json:"targets"`
}

// Targets selects the accounts an assignment block lands on.
type Targets struct {
	AccountIDs []string `yaml:"account_ids,omitempty" json:"account_ids,omitempty"`
	// AccountTags pairs combine with AND. A value prefixed with "!" negates
	// the pair, so {Env: Dev, Critical: "!true"} selects Env=Dev accounts
	// that are not tagged Critical=true.
	AccountTags       map[string]string `yaml:"account_tags,omitempty" json:"account_tags,omitempty"`
	ExcludeAccountIDs []string          `yaml:"exclude_account_ids,omitempty" json:"exclude_account_ids,omitempty"`
}

// Selector renders the targets as one account filter expression. Tag pairs
// combine with AND (sorted for determinism), explicit ids union in with OR,
// and the exclusions subtract last.
func (t Targets) Selector() (string, error) {
	var tagClause, idClause string

	if len(t.AccountTags) > 0 {
		keys := make([]string, 0, len(t.AccountTags))
		for k := range t.AccountTags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var tags []string
		for _, k := range keys {
			value := t.AccountTags[k]
			if negated, ok := strings.CutPrefix(value, "!"); ok {
				tags = append(tags, fmt.Sprintf("NOT tag:%s=%s", k, negated))
				continue
			}
			tags = append(tags, fmt.Sprintf("tag:%s=%s", k, value))
		}
		tagClause = strings.Join(tags, " AND ")
	}

	if len(t.AccountIDs) > 0 {
		var ids []string
		for _, id := range t.AccountIDs {
			ids = append(ids, "id:"+id)
		}
		idClause = strings.Join(ids, " OR ")
	}

	var expr string
	switch {
	case tagClause != "" && idClause != "":
		expr = "( " + tagClause + " ) OR ( " + idClause + " )"
	case tagClause != "":
		expr = tagClause
	case idClause != "":
		expr = idClause
	default:
		return "", fmt.Errorf("targets must set account_ids or account_tags")
	}

	for _, id := range t.ExcludeAccountIDs {
		expr += " exclude:id:" + id
	}
	return expr, nil
}

// parseEntity splits an entity reference into a principal ref.
func parseEntity(entity string) (core.PrincipalRef, error) {
	kind, name, ok := strings.Cut(entity, ":")
	if !ok || name == "" {
		return core.PrincipalRef{}, fmt.Errorf("entity %q must be user:<name> or group:<name>", entity)
	}
	switch strings.ToLower(kind) {
	case "user":
		return core.PrincipalRef{Type: core.PrincipalUser, Name: name}, nil
	case "group":
		return core.PrincipalRef{Type: core.PrincipalGroup, Name: name}, nil
	default:
		return core.PrincipalRef{}, fmt.Errorf("entity %q has unknown prefix %q", entity, kind)
	}
}
