package organizations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/core"
)

func testSnapshot() (*core.OrganizationSnapshot, map[string]string) {
	accounts := []core.Account{
		{ID: "111111111111", Name: "prod-payments", Status: core.AccountActive, OuID: "ou-prod", Tags: map[string]string{"Env": "Prod", "Critical": "true"}},
		{ID: "222222222222", Name: "prod-identity", Status: core.AccountActive, OuID: "ou-prod", Tags: map[string]string{"Env": "Prod"}},
		{ID: "333333333333", Name: "dev-payments", Status: core.AccountActive, OuID: "ou-dev", Tags: map[string]string{"Env": "Dev"}},
		{ID: "444444444444", Name: "dev-sandbox", Status: core.AccountActive, OuID: "ou-dev-sandbox", Tags: map[string]string{"Env": "Dev", "Team": "platform"}},
		{ID: "555555555555", Name: "suspended-old", Status: core.AccountSuspended, OuID: "ou-dev"},
	}
	snapshot := &core.OrganizationSnapshot{
		Profile:      "dev",
		Accounts:     accounts,
		AccountCount: len(accounts),
	}
	// ou-dev-sandbox sits under ou-dev, which sits under the root.
	parents := map[string]string{
		"ou-dev-sandbox": "ou-dev",
		"ou-dev":         "r-root",
		"ou-prod":        "r-root",
	}
	return snapshot, parents
}

func ids(accounts []core.Account) []string {
	var out []string
	for _, a := range accounts {
		out = append(out, a.ID)
	}
	return out
}

func TestFilter_Wildcard(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("*")
	require.NoError(t, err)
	// Every ACTIVE account, ordered by id; the suspended one is excluded.
	assert.Equal(t, []string{"111111111111", "222222222222", "333333333333", "444444444444"}, ids(got))
}

func TestFilter_IDLiteral(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("id:333333333333")
	require.NoError(t, err)
	assert.Equal(t, []string{"333333333333"}, ids(got))
}

func TestFilter_NameGlob(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("name:prod-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"111111111111", "222222222222"}, ids(got))
}

func TestFilter_OUDirectAndRecursive(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	direct, err := f.Evaluate("ou:ou-dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"333333333333", "555555555555"}, ids(direct))

	recursive, err := f.Evaluate("ou:ou-dev:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"333333333333", "444444444444", "555555555555"}, ids(recursive))
}

func TestFilter_TagExpressions(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	tests := []struct {
		expr string
		want []string
	}{
		{"tag:Env=Dev", []string{"333333333333", "444444444444"}},
		{"tag:Env=Prod AND tag:Critical=true", []string{"111111111111"}},
		{"tag:Env=Dev AND NOT tag:Team=platform", []string{"333333333333"}},
		{"tag:Env=Prod OR tag:Team=platform", []string{"111111111111", "222222222222", "444444444444"}},
		{"tag:Team=plat*", []string{"444444444444"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := f.Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestFilter_Exclude(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("tag:Env=Dev exclude:id:444444444444")
	require.NoError(t, err)
	assert.Equal(t, []string{"333333333333"}, ids(got))

	got, err = f.Evaluate("* exclude:(tag:Env=Prod OR tag:Team=platform)")
	require.NoError(t, err)
	assert.Equal(t, []string{"333333333333"}, ids(got))
}

func TestFilter_SpecScenario(t *testing.T) {
	// tag:Env=Dev AND NOT tag:Critical=true, excluding one account by id.
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("tag:Env=Dev AND NOT tag:Critical=true exclude:id:333333333333")
	require.NoError(t, err)
	assert.Equal(t, []string{"444444444444"}, ids(got))
}

func TestFilter_Errors(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	for _, expr := range []string{
		"",
		"id:123", // not 12 digits
		"tag:NoEquals",
		"bogus:selector",
		"( tag:Env=Dev",
		"tag:Env=Dev AND",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := f.Evaluate(expr)
			assert.Error(t, err)
		})
	}
}

func TestFilter_ZeroMatchesIsNotAnError(t *testing.T) {
	snap, parents := testSnapshot()
	f := NewFilter(snap, parents)

	got, err := f.Evaluate("tag:Env=Staging")
	require.NoError(t, err)
	assert.Empty(t, got)
}
