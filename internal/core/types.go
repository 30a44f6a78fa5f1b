// Package core holds the domain model shared by every awsideman subsystem:
// accounts, assignments, operations, and the reference types used to address
// principals and permission sets.
package core

import (
	"time"
)

// PrincipalType distinguishes identity-store users from groups.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "USER"
	PrincipalGroup PrincipalType = "GROUP"
)

// AccountStatus mirrors the Organizations account lifecycle states we care about.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// Account is one member account of the organization as captured in a snapshot.
// Accounts are immutable once published; a refresh produces a new snapshot.
type Account struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Status AccountStatus     `json:"status"`
	OuID   string            `json:"ou_id,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// IsActive reports whether the account can receive assignments.
func (a Account) IsActive() bool {
	return a.Status == AccountActive
}

// OrganizationSnapshot is the cached, ordered view of the organization's
// accounts. account_count is persisted separately as the cheap change sentinel.
type OrganizationSnapshot struct {
	Profile      string    `json:"profile"`
	Accounts     []Account `json:"accounts"`
	CapturedAt   time.Time `json:"captured_at"`
	AccountCount int       `json:"account_count"`
}

// PrincipalRef addresses a user or group, resolved or not. Name is what the
// operator typed; ID is filled in by the resolver.
type PrincipalRef struct {
	Type PrincipalType `json:"type"`
	Name string        `json:"name"`
	ID   string        `json:"id,omitempty"`
}

// PermissionSetRef addresses a permission set by display name and/or ARN.
type PermissionSetRef struct {
	Name string `json:"name"`
	ARN  string `json:"arn,omitempty"`
}

// Direction selects between granting and removing an assignment.
type Direction string

const (
	DirectionAssign Direction = "assign"
	DirectionRevoke Direction = "revoke"
)

// Inverse returns the opposite direction, used when planning rollbacks.
func (d Direction) Inverse() Direction {
	if d == DirectionAssign {
		return DirectionRevoke
	}
	return DirectionAssign
}

// Outcome is the terminal state of one per-account assignment attempt.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeSkippedPresent Outcome = "skipped_already_present"
	OutcomeSkippedAbsent  Outcome = "skipped_already_absent"
	OutcomeFailed         Outcome = "failed"
)

// Skipped reports whether the outcome means AWS state already matched.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedPresent || o == OutcomeSkippedAbsent
}

// AssignmentRecord is the result of one (principal, permission set, account)
// attempt as executed by the multi-account executor.
type AssignmentRecord struct {
	PrincipalID      string        `json:"principal_id"`
	PrincipalType    PrincipalType `json:"principal_type"`
	PermissionSetArn string        `json:"permission_set_arn"`
	AccountID        string        `json:"account_id"`
	Outcome          Outcome       `json:"outcome"`
	Error            string        `json:"error,omitempty"`
	Retries          int           `json:"retries"`
	DurationMs       int64         `json:"duration_ms"`
}

// OperationKind categorizes journal entries.
type OperationKind string

const (
	OpAssign        OperationKind = "assign"
	OpRevoke        OperationKind = "revoke"
	OpRollback      OperationKind = "rollback"
	OpBulkAssign    OperationKind = "bulk_assign"
	OpBulkRevoke    OperationKind = "bulk_revoke"
	OpClone         OperationKind = "clone"
	OpTemplateApply OperationKind = "template_apply"
)

// Metadata keys written by the engines. Free-form keys are permitted; these
// are the ones the rollback processor and CLI interpret.
const (
	MetaSource     = "source"
	MetaActor      = "actor"
	MetaOriginal   = "original"
	MetaDirection  = "direction"
	MetaIncomplete = "incomplete"
	MetaCancelled  = "cancelled"
)

// OperationRecord is one append-only journal entry. After creation the only
// permitted mutation is the single rolled_back transition applied by the store.
type OperationRecord struct {
	OperationID         string            `json:"operation_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Kind                OperationKind     `json:"kind"`
	PrincipalID         string            `json:"principal_id"`
	PrincipalType       PrincipalType     `json:"principal_type"`
	PrincipalName       string            `json:"principal_name"`
	PermissionSetArn    string            `json:"permission_set_arn"`
	PermissionSetName   string            `json:"permission_set_name"`
	AccountIDs          []string          `json:"account_ids"`
	AccountNames        []string          `json:"account_names"`
	Results             []AssignmentRecord `json:"results"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	RolledBack          bool              `json:"rolled_back"`
	RollbackOperationID string            `json:"rollback_operation_id,omitempty"`
}

// SuccessfulAccounts returns the account ids whose results completed with
// OutcomeSucceeded, in recorded order. Rollback planning only targets these.
func (r *OperationRecord) SuccessfulAccounts() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Outcome == OutcomeSucceeded {
			ids = append(ids, res.AccountID)
		}
	}
	return ids
}

// CurrentState is the observed assignment state during rollback verification.
type CurrentState string

const (
	StatePresent CurrentState = "present"
	StateAbsent  CurrentState = "absent"
	StateUnknown CurrentState = "unknown"
)

// RollbackAction is one inverse step of a rollback plan.
type RollbackAction struct {
	PrincipalID      string       `json:"principal_id"`
	PermissionSetArn string       `json:"permission_set_arn"`
	AccountID        string       `json:"account_id"`
	ActionKind       Direction    `json:"action_kind"`
	ObservedState    CurrentState `json:"observed_current_state"`
}

// RollbackPlan is the validated, executable inverse of a logged operation.
type RollbackPlan struct {
	OperationID       string           `json:"operation_id"`
	ActionKind        Direction        `json:"action_kind"`
	Actions           []RollbackAction `json:"actions"`
	Warnings          []string         `json:"warnings,omitempty"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
}

// CopyFilters narrows an assignment copy. All populated filters must match
// (AND semantics); empty filters match everything.
type CopyFilters struct {
	IncludePermissionSets []string
	ExcludePermissionSets []string
	IncludeAccounts       []string
	ExcludeAccounts       []string
}

// MatchesPermissionSet applies the include/exclude permission-set filters to a
// permission set name.
func (f CopyFilters) MatchesPermissionSet(name string) bool {
	if len(f.IncludePermissionSets) > 0 && !contains(f.IncludePermissionSets, name) {
		return false
	}
	return !contains(f.ExcludePermissionSets, name)
}

// MatchesAccount applies the include/exclude account filters to an account id.
func (f CopyFilters) MatchesAccount(id string) bool {
	if len(f.IncludeAccounts) > 0 && !contains(f.IncludeAccounts, id) {
		return false
	}
	return !contains(f.ExcludeAccounts, id)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// PermissionSetConfig is the full configuration of a permission set as read
// for cloning: attributes plus every policy attachment.
type PermissionSetConfig struct {
	Name                    string
	ARN                     string
	Description             string
	SessionDuration         string
	RelayState              string
	InlinePolicy            string
	ManagedPolicyArns       []string
	CustomerManagedPolicies []CustomerManagedPolicy
}

// CustomerManagedPolicy identifies a customer managed policy attachment.
type CustomerManagedPolicy struct {
	Name string
	Path string
}
