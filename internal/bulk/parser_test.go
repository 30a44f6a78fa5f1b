package bulk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFile_CSV(t *testing.T) {
	path := writeFile(t, "in.csv", `principal_name,permission_set_name,account_name,principal_type
alice,ReadOnlyAccess,prod-payments,USER
platform-team,AdminAccess,*,GROUP

bob,ReadOnlyAccess,111122223333,
`)

	records, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3) // the blank line is ignored

	assert.Equal(t, "alice", records[0].PrincipalName)
	assert.Equal(t, core.PrincipalUser, records[0].Type())
	assert.Equal(t, core.PrincipalGroup, records[1].Type())
	assert.Equal(t, "*", records[1].AccountName)
	assert.Equal(t, core.PrincipalUser, records[2].Type()) // default
}

func TestParseFile_KebabCaseHeaders(t *testing.T) {
	path := writeFile(t, "in.csv", `principal-name,permission-set-name,account-name
alice,ReadOnlyAccess,prod-payments
`)

	records, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ReadOnlyAccess", records[0].PermissionSetName)
}

func TestParseFile_MissingColumn(t *testing.T) {
	path := writeFile(t, "in.csv", "principal_name,account_name\nalice,prod\n")

	_, err := ParseFile(path)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "permission_set_name")
}

func TestParseFile_CollectsAllRowErrors(t *testing.T) {
	path := writeFile(t, "in.csv", `principal_name,permission_set_name,account_name,principal_type,account_id
,ReadOnlyAccess,prod,USER,
alice,,prod,USER,
bob,ReadOnlyAccess,prod,ROBOT,
carol,ReadOnlyAccess,prod,USER,12345
dave,ReadOnlyAccess,prod,USER,111122223333
`)

	_, err := ParseFile(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	// Every bad row is reported at once; the one good row doesn't mask them.
	assert.Len(t, perr.Rows, 4)
	assert.Equal(t, 2, perr.Rows[0].Row)
}

func TestParseFile_JSON(t *testing.T) {
	path := writeFile(t, "in.json", `{
  "assignments": [
    {"principal_name": "alice", "permission_set_name": "ReadOnlyAccess", "account_name": "prod-payments"},
    {"principal_name": "platform-team", "principal_type": "group", "permission_set_name": "AdminAccess", "account_name": "tag:Env=Dev"}
  ]
}`)

	records, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.PrincipalGroup, records[1].Type())
	assert.Equal(t, "tag:Env=Dev", records[1].AccountName)
}

func TestParseFile_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "in.xlsx", "whatever")
	_, err := ParseFile(path)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseFile_EmptyCSV(t *testing.T) {
	path := writeFile(t, "in.csv", "")
	_, err := ParseFile(path)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseFile_HeaderOnlyCSVYieldsNoRecords(t *testing.T) {
	path := writeFile(t, "in.csv", "principal_name,permission_set_name,account_name\n")
	records, err := ParseFile(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
