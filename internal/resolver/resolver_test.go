package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
)

type fakeIdentityStore struct {
	awsclient.IdentityStoreAPI
	users     map[string]string // username -> id
	groups    map[string]string
	listCalls int
}

func (f *fakeIdentityStore) ListUsers(ctx context.Context, in *identitystore.ListUsersInput, _ ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	f.listCalls++
	out := &identitystore.ListUsersOutput{}
	for name, id := range f.users {
		out.Users = append(out.Users, idstypes.User{
			UserName: aws.String(name),
			UserId:   aws.String(id),
		})
	}
	return out, nil
}

func (f *fakeIdentityStore) ListGroups(ctx context.Context, in *identitystore.ListGroupsInput, _ ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error) {
	f.listCalls++
	out := &identitystore.ListGroupsOutput{}
	for name, id := range f.groups {
		out.Groups = append(out.Groups, idstypes.Group{
			DisplayName: aws.String(name),
			GroupId:     aws.String(id),
		})
	}
	return out, nil
}

type fakeSSOAdmin struct {
	awsclient.SSOAdminAPI
	permissionSets map[string]string // name -> arn
	listCalls      int
}

func (f *fakeSSOAdmin) ListPermissionSets(ctx context.Context, in *ssoadmin.ListPermissionSetsInput, _ ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error) {
	f.listCalls++
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
				PermissionSet: &ssotypes.PermissionSet{
					Name:             aws.String(name),
					PermissionSetArn: aws.String(arn),
				},
			}, nil
		}
	}
	return nil, &ssotypes.ResourceNotFoundException{}
}

func newTestResolver(t *testing.T, ids *fakeIdentityStore, sso *fakeSSOAdmin) *Resolver {
	t.Helper()
	backend, err := cache.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	clients := &awsclient.Clients{IdentityStore: ids, SSOAdmin: sso}
	policy := &resilience.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	r, err := New("dev", "arn:aws:sso:::instance/ssoins-1", "d-123", clients, backend, policy, DefaultTTLs(), nil)
	require.NoError(t, err)
	return r
}

func TestResolvePrincipal_User(t *testing.T) {
	ids := &fakeIdentityStore{users: map[string]string{"alice": "u-1111"}}
	r := newTestResolver(t, ids, &fakeSSOAdmin{})

	ref := &core.PrincipalRef{Type: core.PrincipalUser, Name: "alice"}
	require.NoError(t, r.ResolvePrincipal(context.Background(), ref))
	assert.Equal(t, "u-1111", ref.ID)

	// Second resolution is memoized; no extra API call.
	before := ids.listCalls
	ref2 := &core.PrincipalRef{Type: core.PrincipalUser, Name: "alice"}
	require.NoError(t, r.ResolvePrincipal(context.Background(), ref2))
	assert.Equal(t, before, ids.listCalls)
}

func TestResolvePrincipal_UnknownUser(t *testing.T) {
	r := newTestResolver(t, &fakeIdentityStore{users: map[string]string{}}, &fakeSSOAdmin{})

	ref := &core.PrincipalRef{Type: core.PrincipalUser, Name: "ghost"}
	err := r.ResolvePrincipal(context.Background(), ref)

	var unresolved *core.UnresolvedEntityError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, KindUser, unresolved.Kind)
	assert.Equal(t, "ghost", unresolved.Name)
}

func TestResolvePrincipal_Group(t *testing.T) {
	ids := &fakeIdentityStore{groups: map[string]string{"platform-team": "g-2222"}}
	r := newTestResolver(t, ids, &fakeSSOAdmin{})

	ref := &core.PrincipalRef{Type: core.PrincipalGroup, Name: "platform-team"}
	require.NoError(t, r.ResolvePrincipal(context.Background(), ref))
	assert.Equal(t, "g-2222", ref.ID)
}

func TestResolvePermissionSet(t *testing.T) {
	sso := &fakeSSOAdmin{permissionSets: map[string]string{
		"ReadOnlyAccess": "arn:aws:sso:::permissionSet/ssoins-1/ps-ro",
		"AdminAccess":    "arn:aws:sso:::permissionSet/ssoins-1/ps-admin",
	}}
	r := newTestResolver(t, &fakeIdentityStore{}, sso)

	ref := &core.PermissionSetRef{Name: "ReadOnlyAccess"}
	require.NoError(t, r.ResolvePermissionSet(context.Background(), ref))
	assert.Equal(t, "arn:aws:sso:::permissionSet/ssoins-1/ps-ro", ref.ARN)

	// Listing described every set; the sibling is now memoized.
	before := sso.listCalls
	ref2 := &core.PermissionSetRef{Name: "AdminAccess"}
	require.NoError(t, r.ResolvePermissionSet(context.Background(), ref2))
	assert.Equal(t, before, sso.listCalls)
}

func TestResolvePermissionSet_ArnPassthrough(t *testing.T) {
	r := newTestResolver(t, &fakeIdentityStore{}, &fakeSSOAdmin{})

	ref := &core.PermissionSetRef{Name: "arn:aws:sso:::permissionSet/ssoins-1/ps-x"}
	require.NoError(t, r.ResolvePermissionSet(context.Background(), ref))
	assert.Equal(t, ref.Name, ref.ARN)
}

func TestResolveAccount_IDPassthrough(t *testing.T) {
	r := newTestResolver(t, &fakeIdentityStore{}, &fakeSSOAdmin{})

	id, err := r.ResolveAccount(context.Background(), "111122223333")
	require.NoError(t, err)
	assert.Equal(t, "111122223333", id)
}

func TestResolver_CacheSurvivesNewRun(t *testing.T) {
	ids := &fakeIdentityStore{users: map[string]string{"alice": "u-1111"}}
	backend, err := cache.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)

	clients := &awsclient.Clients{IdentityStore: ids}
	policy := &resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	r1, err := New("dev", "inst", "d-123", clients, backend, policy, DefaultTTLs(), nil)
	require.NoError(t, err)
	ref := &core.PrincipalRef{Type: core.PrincipalUser, Name: "alice"}
	require.NoError(t, r1.ResolvePrincipal(context.Background(), ref))
	require.Equal(t, 1, ids.listCalls)

	// A fresh resolver (new run) hits the shared cache, not the API.
	r2, err := New("dev", "inst", "d-123", clients, backend, policy, DefaultTTLs(), nil)
	require.NoError(t, err)
	ref2 := &core.PrincipalRef{Type: core.PrincipalUser, Name: "alice"}
	require.NoError(t, r2.ResolvePrincipal(context.Background(), ref2))
	assert.Equal(t, 1, ids.listCalls)
	assert.Equal(t, "u-1111", ref2.ID)
}
