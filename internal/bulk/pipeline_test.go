package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/config"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
	orgpkg "github.com/vikyol/awsideman/internal/organizations"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/internal/resolver"
)

// testEnv is a complete in-memory backend for the pipeline: identity store,
// SSO admin, and a 3-account organization (2 active, 1 suspended).
type testEnv struct {
	ids  *fakeIdentityStore
	sso  *fakeSSOAdmin
	orgs *fakeOrgs

	pipeline *Pipeline
	store    operations.Store
}

type fakeIdentityStore struct {
	awsclient.IdentityStoreAPI
	users  map[string]string
	groups map[string]string
}

func (f *fakeIdentityStore) ListUsers(ctx context.Context, in *identitystore.ListUsersInput, _ ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	out := &identitystore.ListUsersOutput{}
	for name, id := range f.users {
		out.Users = append(out.Users, idstypes.User{UserName: aws.String(name), UserId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeIdentityStore) ListGroups(ctx context.Context, in *identitystore.ListGroupsInput, _ ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error) {
	out := &identitystore.ListGroupsOutput{}
	for name, id := range f.groups {
		out.Groups = append(out.Groups, idstypes.Group{DisplayName: aws.String(name), GroupId: aws.String(id)})
	}
	return out, nil
}

type fakeSSOAdmin struct {
	awsclient.SSOAdminAPI

	mu             sync.Mutex
	permissionSets map[string]string          // name -> arn
	assigned       map[string]map[string]bool // account -> principal -> assigned
	creates        int
}

func (f *fakeSSOAdmin) ListPermissionSets(ctx context.Context, in *ssoadmin.ListPermissionSetsInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error) {
	out := &ssoadmin.ListPermissionSetsOutput{}
	for _, arn := range f.permissionSets {
		out.PermissionSets = append(out.PermissionSets, arn)
	}
	return out, nil
}

func (f *fakeSSOAdmin) DescribePermissionSet(ctx context.Context, in *ssoadmin.DescribePermissionSetInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error) {
	for name, arn := range f.permissionSets {
		if arn == aws.ToString(in.PermissionSetArn) {
			return &ssoadmin.DescribePermissionSetOutput{
				PermissionSet: &ssotypes.PermissionSet{Name: aws.String(name), PermissionSetArn: aws.String(arn)},
			}, nil
		}
	}
	return nil, &ssotypes.ResourceNotFoundException{}
}

func (f *fakeSSOAdmin) ListAccountAssignments(ctx context.Context, in *ssoadmin.ListAccountAssignmentsInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.ListAccountAssignmentsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ssoadmin.ListAccountAssignmentsOutput{}
	for principal := range f.assigned[aws.ToString(in.AccountId)] {
		out.AccountAssignments = append(out.AccountAssignments, ssotypes.AccountAssignment{
			AccountId:        in.AccountId,
			PermissionSetArn: in.PermissionSetArn,
			PrincipalId:      aws.String(principal),
		})
	}
	return out, nil
}

func (f *fakeSSOAdmin) CreateAccountAssignment(ctx context.Context, in *ssoadmin.CreateAccountAssignmentInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.CreateAccountAssignmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, principal := aws.ToString(in.TargetId), aws.ToString(in.PrincipalId)
	if f.assigned[acct] == nil {
		f.assigned[acct] = make(map[string]bool)
	}
	f.assigned[acct][principal] = true
	f.creates++
	return &ssoadmin.CreateAccountAssignmentOutput{
		AccountAssignmentCreationStatus: &ssotypes.AccountAssignmentOperationStatus{
			RequestId: aws.String("req"), Status: ssotypes.StatusValuesSucceeded,
		},
	}, nil
}

func (f *fakeSSOAdmin) DescribeAccountAssignmentCreationStatus(ctx context.Context, in *ssoadmin.DescribeAccountAssignmentCreationStatusInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.DescribeAccountAssignmentCreationStatusOutput, error) {
	return &ssoadmin.DescribeAccountAssignmentCreationStatusOutput{
		AccountAssignmentCreationStatus: &ssotypes.AccountAssignmentOperationStatus{Status: ssotypes.StatusValuesSucceeded},
	}, nil
}

type fakeOrgs struct {
	awsclient.OrganizationsAPI
	accounts []orgtypes.Account
	tags     map[string]map[string]string
}

func (f *fakeOrgs) ListRoots(ctx context.Context, in *organizations.ListRootsInput, _ ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	return &organizations.ListRootsOutput{Roots: []orgtypes.Root{{Id: aws.String("r-1")}}}, nil
}

func (f *fakeOrgs) ListOrganizationalUnitsForParent(ctx context.Context, in *organizations.ListOrganizationalUnitsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	return &organizations.ListOrganizationalUnitsForParentOutput{}, nil
}

func (f *fakeOrgs) ListAccountsForParent(ctx context.Context, in *organizations.ListAccountsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListAccountsForParentOutput, error) {
	return &organizations.ListAccountsForParentOutput{Accounts: f.accounts}, nil
}

func (f *fakeOrgs) ListAccounts(ctx context.Context, in *organizations.ListAccountsInput, _ ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	return &organizations.ListAccountsOutput{Accounts: f.accounts}, nil
}

func (f *fakeOrgs) ListTagsForResource(ctx context.Context, in *organizations.ListTagsForResourceInput, _ ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error) {
	out := &organizations.ListTagsForResourceOutput{}
	for k, v := range f.tags[aws.ToString(in.ResourceId)] {
		out.Tags = append(out.Tags, orgtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ids := &fakeIdentityStore{
		users:  map[string]string{"alice": "u-alice", "bob": "u-bob"},
		groups: map[string]string{"platform-team": "g-platform"},
	}
	sso := &fakeSSOAdmin{
		permissionSets: map[string]string{
			"ReadOnlyAccess": "arn:ps/ro",
			"AdminAccess":    "arn:ps/admin",
		},
		assigned: make(map[string]map[string]bool),
	}
	orgs := &fakeOrgs{
		accounts: []orgtypes.Account{
			{Id: aws.String("111111111111"), Name: aws.String("alpha"), Status: orgtypes.AccountStatusActive},
			{Id: aws.String("222222222222"), Name: aws.String("bravo"), Status: orgtypes.AccountStatusActive},
			{Id: aws.String("333333333333"), Name: aws.String("charlie"), Status: orgtypes.AccountStatusSuspended},
		},
		tags: map[string]map[string]string{
			"111111111111": {"Env": "Dev"},
		},
	}

	backend, err := cache.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)

	retry := &resilience.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	clients := &awsclient.Clients{SSOAdmin: sso, IdentityStore: ids, Organizations: orgs}

	res, err := resolver.New("dev", "arn:instance", "d-123", clients, backend, retry, resolver.DefaultTTLs(), nil)
	require.NoError(t, err)

	opt := orgpkg.NewOptimizer("dev", orgs, backend, retry, 24*time.Hour, time.Hour, nil)

	cfg := config.CoreConfig{BatchSize: 50, AccountTimeout: 5 * time.Second, MaxRetries: 1, ContinueOnError: true}
	ex := assignment.NewExecutor(sso, "arn:instance", cfg, nil)

	store, err := operations.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	return &testEnv{
		ids:      ids,
		sso:      sso,
		orgs:     orgs,
		store:    store,
		pipeline: NewPipeline(res, opt, ex, operations.NewLogger(store, nil), sso, retry, "arn:instance", nil),
	}
}

func TestPipeline_ResolveExpandsWildcard(t *testing.T) {
	env := newTestEnv(t)

	records := []Record{{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "*", Row: 2}}
	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)

	// Two ACTIVE accounts; the suspended one is excluded.
	require.Len(t, plan.Items, 2)
	assert.Equal(t, "111111111111", plan.Items[0].Account.ID)
	assert.Equal(t, "u-alice", plan.Items[0].Principal.ID)
	assert.Equal(t, "arn:ps/ro", plan.Items[0].PermissionSet.ARN)
}

func TestPipeline_ResolveDeduplicates(t *testing.T) {
	env := newTestEnv(t)

	records := []Record{
		{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "alpha", Row: 2},
		{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "alpha", Row: 3},
		{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "111111111111", Row: 4},
	}
	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)

	assert.Len(t, plan.Items, 1)
	assert.Equal(t, 2, plan.Duplicates)
}

func TestPipeline_ResolveContinueOnError(t *testing.T) {
	env := newTestEnv(t)

	records := []Record{
		{PrincipalName: "ghost", PermissionSetName: "ReadOnlyAccess", AccountName: "alpha", Row: 2},
		{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "alpha", Row: 3},
	}

	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)
	assert.Len(t, plan.Items, 1)
	require.Len(t, plan.Unresolved, 1)
	assert.Equal(t, 2, plan.Unresolved[0].Row)

	// Without continue-on-error the same input aborts.
	_, err = env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, false)
	var unresolved *core.UnresolvedEntityError
	assert.ErrorAs(t, err, &unresolved)
}

func TestPipeline_ProbeConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.sso.assigned["111111111111"] = map[string]bool{"u-alice": true}

	records := []Record{{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "*", Row: 2}}
	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)
	require.NoError(t, env.pipeline.ProbeConflicts(context.Background(), plan))

	byAccount := map[string]bool{}
	for _, item := range plan.Items {
		byAccount[item.Account.ID] = item.AlreadySatisfied
	}
	assert.True(t, byAccount["111111111111"])
	assert.False(t, byAccount["222222222222"])
}

func TestPipeline_ExecuteJournalsAndCounts(t *testing.T) {
	env := newTestEnv(t)

	records := []Record{
		{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "*", Row: 2},
		{PrincipalName: "platform-team", PrincipalType: "GROUP", PermissionSetName: "AdminAccess", AccountName: "alpha", Row: 3},
	}
	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)

	outcome, err := env.pipeline.Execute(context.Background(), plan, true, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Processed)
	assert.Equal(t, 3, outcome.Succeeded)
	assert.Equal(t, core.ExitOK, outcome.ExitCode())
	// One operation record per (principal, permission set) group.
	require.Len(t, outcome.OperationIDs, 2)

	recs, err := env.store.List(context.Background(), operations.Filter{Kind: core.OpBulkAssign})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Len(t, rec.Results, len(rec.AccountIDs))
	}
}

func TestPipeline_ZeroMatchSelectorJournalsEmptyOperation(t *testing.T) {
	env := newTestEnv(t)

	// No account carries Env=Staging; the pair still journals as a no-op.
	records := []Record{{PrincipalName: "alice", PermissionSetName: "ReadOnlyAccess", AccountName: "tag:Env=Staging", Row: 2}}
	plan, err := env.pipeline.Resolve(context.Background(), records, core.DirectionAssign, true)
	require.NoError(t, err)
	assert.Empty(t, plan.Items)
	require.Len(t, plan.Empty, 1)
	assert.Equal(t, "u-alice", plan.Empty[0].Principal.ID)

	outcome, err := env.pipeline.Execute(context.Background(), plan, true, nil)
	require.NoError(t, err)
	assert.Zero(t, outcome.Processed)
	assert.Equal(t, core.ExitOK, outcome.ExitCode())
	require.Len(t, outcome.OperationIDs, 1)
	assert.Zero(t, env.sso.creates)

	rec, err := env.store.Get(context.Background(), outcome.OperationIDs[0])
	require.NoError(t, err)
	assert.Equal(t, core.OpBulkAssign, rec.Kind)
	assert.Empty(t, rec.AccountIDs)
	assert.Len(t, rec.Results, len(rec.AccountIDs))
}

func TestPipeline_EmptyPlanExitsValidation(t *testing.T) {
	env := newTestEnv(t)

	plan, err := env.pipeline.Resolve(context.Background(), nil, core.DirectionAssign, true)
	require.NoError(t, err)

	outcome, err := env.pipeline.Execute(context.Background(), plan, true, nil)
	require.NoError(t, err)
	assert.Zero(t, outcome.Processed)
	assert.Equal(t, core.ExitValidation, outcome.ExitCode())
	assert.Zero(t, env.sso.creates)
}
