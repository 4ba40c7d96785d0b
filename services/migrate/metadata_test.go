package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"labmigrate/lib/elabftw"

	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testLookups(t *testing.T) *Lookups {
	t.Helper()
	isa := writeCSV(t, "isa.csv",
		"User,Resource ID\n"+
			"Alice Miller,501\n"+
			"Bob Stone,\n")
	names := writeCSV(t, "namelist.csv",
		"First Name,Last Name,User ID\n"+
			"Alice,Miller,12\n"+
			"Bob,Stone,34\n")

	l, err := LoadLookups(isa, names, discardLogger())
	require.NoError(t, err)
	return l
}

func TestLookupsResourceID(t *testing.T) {
	l := testLookups(t)

	id, ok := l.ResourceID("alice miller")
	require.True(t, ok)
	require.Equal(t, "501", id)

	// present in the table but with an empty id
	_, ok = l.ResourceID("Bob Stone")
	require.False(t, ok)

	_, ok = l.ResourceID("Carol Jones")
	require.False(t, ok)
}

func TestLookupsUserID(t *testing.T) {
	l := testLookups(t)

	require.Equal(t, 34, l.UserID("BOB STONE"))
	require.Equal(t, DefaultUserID, l.UserID("Carol Jones"))
}

func TestLookupsWithoutTables(t *testing.T) {
	l, err := LoadLookups("", "", discardLogger())
	require.NoError(t, err)

	_, ok := l.ResourceID("Anyone")
	require.False(t, ok)
	require.Equal(t, DefaultUserID, l.UserID("Anyone"))
}

func TestLoadLookupsMissingFile(t *testing.T) {
	_, err := LoadLookups(filepath.Join(t.TempDir(), "absent.csv"), "", discardLogger())
	require.Error(t, err)
}

func TestExtraFields(t *testing.T) {
	l := testLookups(t)

	record := testRecord()
	record.OwnerName = "Alice Miller"
	record.ProjectCreated = "2020-01-15T09:00:00.000+01:00"

	fields := l.ExtraFields(record)
	require.Equal(t, "Alice Miller", fields[fieldProjectOwner].Value)
	require.Equal(t, "2020-01-15", fields[fieldProjectCreated].Value)
	require.Equal(t, "p1", fields[fieldProjectID].Value)
	require.Equal(t, elabftw.ExtraField{Value: "501", Kind: elabftw.FieldItems}, fields[FieldISAStudy])
}

func TestExtraFieldsWithoutResourceMatch(t *testing.T) {
	l := testLookups(t)

	record := testRecord()
	record.OwnerName = "Carol Jones"

	fields := l.ExtraFields(record)
	require.NotContains(t, fields, FieldISAStudy)
	require.Len(t, fields, 3)
}
