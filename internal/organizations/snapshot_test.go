package organizations

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
)

// fakeOrgs serves a small org: root r-1 with accounts A, B and OU ou-x
// holding account C.
type fakeOrgs struct {
	awsclient.OrganizationsAPI

	accounts map[string][]orgtypes.Account // parent -> accounts
	ous      map[string][]string           // parent -> child OUs
	tags     map[string]map[string]string

	listAccountCalls int
	tagCalls         int
	walkCalls        int
}

func newFakeOrgs() *fakeOrgs {
	return &fakeOrgs{
		accounts: map[string][]orgtypes.Account{
			"r-1": {
				{Id: aws.String("111111111111"), Name: aws.String("alpha"), Email: aws.String("alpha@example.com"), Status: orgtypes.AccountStatusActive},
				{Id: aws.String("222222222222"), Name: aws.String("bravo"), Email: aws.String("bravo@example.com"), Status: orgtypes.AccountStatusActive},
			},
			"ou-x": {
				{Id: aws.String("333333333333"), Name: aws.String("charlie"), Email: aws.String("charlie@example.com"), Status: orgtypes.AccountStatusSuspended},
			},
		},
		ous: map[string][]string{"r-1": {"ou-x"}},
		tags: map[string]map[string]string{
			"111111111111": {"Env": "Prod"},
		},
	}
}

func (f *fakeOrgs) total() int {
	n := 0
	for _, accts := range f.accounts {
		n += len(accts)
	}
	return n
}

func (f *fakeOrgs) ListRoots(ctx context.Context, in *organizations.ListRootsInput, _ ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	f.walkCalls++
	return &organizations.ListRootsOutput{Roots: []orgtypes.Root{{Id: aws.String("r-1")}}}, nil
}

func (f *fakeOrgs) ListOrganizationalUnitsForParent(ctx context.Context, in *organizations.ListOrganizationalUnitsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	f.walkCalls++
	out := &organizations.ListOrganizationalUnitsForParentOutput{}
	for _, id := range f.ous[aws.ToString(in.ParentId)] {
		out.OrganizationalUnits = append(out.OrganizationalUnits, orgtypes.OrganizationalUnit{Id: aws.String(id)})
	}
	return out, nil
}

func (f *fakeOrgs) ListAccountsForParent(ctx context.Context, in *organizations.ListAccountsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListAccountsForParentOutput, error) {
	f.walkCalls++
	return &organizations.ListAccountsForParentOutput{Accounts: f.accounts[aws.ToString(in.ParentId)]}, nil
}

func (f *fakeOrgs) ListAccounts(ctx context.Context, in *organizations.ListAccountsInput, _ ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	f.listAccountCalls++
	out := &organizations.ListAccountsOutput{}
	for _, accts := range f.accounts {
		out.Accounts = append(out.Accounts, accts...)
	}
	return out, nil
}

func (f *fakeOrgs) ListTagsForResource(ctx context.Context, in *organizations.ListTagsForResourceInput, _ ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error) {
	f.tagCalls++
	out := &organizations.ListTagsForResourceOutput{}
	for k, v := range f.tags[aws.ToString(in.ResourceId)] {
		out.Tags = append(out.Tags, orgtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func fastRetry() *resilience.RetryPolicy {
	return &resilience.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func newTestOptimizer(t *testing.T, orgs *fakeOrgs) (*Optimizer, cache.Backend) {
	t.Helper()
	backend, err := cache.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return NewOptimizer("dev", orgs, backend, fastRetry(), 24*time.Hour, time.Hour, nil), backend
}

func TestOptimizer_ColdBuild(t *testing.T) {
	orgs := newFakeOrgs()
	opt, backend := newTestOptimizer(t, orgs)

	snap, parents, err := opt.Snapshot(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, snap.AccountCount)
	require.Len(t, snap.Accounts, 3)
	assert.Equal(t, "111111111111", snap.Accounts[0].ID)
	assert.Equal(t, map[string]string{"Env": "Prod"}, snap.Accounts[0].Tags)
	assert.Equal(t, "ou-x", snap.Accounts[2].OuID)
	assert.Equal(t, "r-1", parents["ou-x"])

	// Snapshot, sentinel, and per-account entries were persisted.
	_, err = backend.Get(context.Background(), cache.Key("dev", "accounts", "snapshot"))
	assert.NoError(t, err)
	entry, err := backend.Get(context.Background(), cache.Key("dev", "accounts", "count"))
	require.NoError(t, err)
	var count int
	require.NoError(t, json.Unmarshal(entry.Payload, &count))
	assert.Equal(t, 3, count)
	_, err = backend.Get(context.Background(), cache.Key("dev", "accounts", "by-id", "222222222222"))
	assert.NoError(t, err)
}

func TestOptimizer_WarmReadSkipsWalk(t *testing.T) {
	orgs := newFakeOrgs()
	opt, backend := newTestOptimizer(t, orgs)

	_, _, err := opt.Snapshot(context.Background())
	require.NoError(t, err)
	walked := orgs.walkCalls

	// A new optimizer over the same cache simulates the next process run.
	opt2 := NewOptimizer("dev", orgs, backend, fastRetry(), 24*time.Hour, time.Hour, nil)
	snap, _, err := opt2.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.AccountCount)
	// The sentinel was still fresh: no OU walk, no count probe.
	assert.Equal(t, walked, orgs.walkCalls)
	assert.Zero(t, orgs.listAccountCalls)
}

func TestOptimizer_CountMismatchForcesRebuild(t *testing.T) {
	orgs := newFakeOrgs()
	opt, backend := newTestOptimizer(t, orgs)

	_, _, err := opt.Snapshot(context.Background())
	require.NoError(t, err)

	// The organization grows; expire the sentinel so the probe runs live.
	orgs.accounts["r-1"] = append(orgs.accounts["r-1"], orgtypes.Account{
		Id: aws.String("444444444444"), Name: aws.String("delta"), Status: orgtypes.AccountStatusActive,
	})
	require.NoError(t, backend.Invalidate(context.Background(), cache.Key("dev", "accounts", "count")))

	opt2 := NewOptimizer("dev", orgs, backend, fastRetry(), 24*time.Hour, time.Hour, nil)
	snap, _, err := opt2.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, snap.AccountCount)
	assert.Equal(t, 4, len(snap.Accounts))
}

func TestOptimizer_CorruptSnapshotRebuilds(t *testing.T) {
	orgs := newFakeOrgs()
	opt, backend := newTestOptimizer(t, orgs)

	// Seed a corrupt snapshot entry.
	require.NoError(t, backend.Put(context.Background(), cache.Key("dev", "accounts", "snapshot"), []byte("not json"), time.Hour))

	snap, _, err := opt.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.AccountCount)
}

func TestOptimizer_SnapshotCountInvariant(t *testing.T) {
	orgs := newFakeOrgs()
	opt, backend := newTestOptimizer(t, orgs)

	// A snapshot whose count disagrees with its account list is discarded.
	bad := snapshotDocument{
		OrganizationSnapshot: core.OrganizationSnapshot{
			Profile:      "dev",
			Accounts:     []core.Account{{ID: "999999999999"}},
			AccountCount: 5,
		},
	}
	payload, err := json.Marshal(&bad)
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), cache.Key("dev", "accounts", "snapshot"), payload, time.Hour))

	snap, _, err := opt.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(snap.Accounts), snap.AccountCount)
	assert.Equal(t, 3, snap.AccountCount)
}

func TestInvalidateAccountCache(t *testing.T) {
	backend, err := cache.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{
		cache.Key("dev", "accounts", "snapshot"),
		cache.Key("dev", "accounts", "count"),
		cache.Key("dev", "accounts", "by-id", "111111111111"),
		cache.Key("prod", "accounts", "snapshot"),
		cache.Key("dev", "resolve", "user", "alice"),
	} {
		require.NoError(t, backend.Put(ctx, key, []byte("x"), time.Hour))
	}

	// Single profile.
	res, err := InvalidateAccountCache(ctx, backend, "dev")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Before)
	assert.Equal(t, 2, res.After)
	assert.Equal(t, 3, res.Removed)

	// Idempotent.
	res, err = InvalidateAccountCache(ctx, backend, "dev")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	// All profiles: only account-family keys go, the resolver entry stays.
	res, err = InvalidateAccountCache(ctx, backend, "*")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.After)
}
