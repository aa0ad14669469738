package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateArchivesOK(t *testing.T) {
	archives := []Archive{{SecPerPoint: 1, Count: 6}, {SecPerPoint: 3, Count: 6}}
	require.NoError(t, ValidateArchives(archives, 1.0))
}

func TestValidateArchivesNotDivisible(t *testing.T) {
	archives := []Archive{{SecPerPoint: 2, Count: 60}, {SecPerPoint: 5, Count: 60}}
	require.Error(t, ValidateArchives(archives, 1.0))
}

func TestValidateArchivesNotEnoughPoints(t *testing.T) {
	// 10s precision retained for 20s (2 points), next archive at 60s needs
	// 6 points at xff=1.0 to form one aggregate -- must fail.
	archives := []Archive{{SecPerPoint: 10, Count: 2}, {SecPerPoint: 60, Count: 100}}
	require.Error(t, ValidateArchives(archives, 1.0))
}

func TestParseRetentionDef(t *testing.T) {
	a, err := ParseRetentionDef("60s:7d")
	require.NoError(t, err)
	require.EqualValues(t, 60, a.SecPerPoint)
	require.EqualValues(t, 10080, a.Count)
}

func TestParseRetentionDefNotMultiple(t *testing.T) {
	_, err := ParseRetentionDef("7s:100s")
	require.Error(t, err)
}

func TestSchemaMatchOrdering(t *testing.T) {
	dir := t.TempDir()
	conf := `[stats]
pattern = ^stats\.
xfilesfactor = 0.5
aggregationmethod = avg
retentions = 10s:1d
cacheretention = 600
metricsperfile = 10
`
	path := filepath.Join(dir, "storage-schemas.conf")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.All(), 2) // stats + default

	s := reg.GetByMetric("stats.cpu")
	require.Equal(t, "stats", s.Name)

	s = reg.GetByMetric("other.cpu")
	require.Equal(t, "default", s.Name)
}

func TestRegistrySkipsInvalidSection(t *testing.T) {
	dir := t.TempDir()
	conf := `[broken]
pattern = ^x\.
xfilesfactor = 0.5
aggregationmethod = avg
retentions = 7s:100s
cacheretention = 600
metricsperfile = 10

[ok]
pattern = ^y\.
xfilesfactor = 0.5
aggregationmethod = sum
retentions = 10s:1d
cacheretention = 600
metricsperfile = 10
`
	path := filepath.Join(dir, "storage-schemas.conf")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.All(), 2) // ok + default, broken skipped

	_, ok := reg.GetByName("broken")
	require.False(t, ok)
	_, ok = reg.GetByName("ok")
	require.True(t, ok)
}
