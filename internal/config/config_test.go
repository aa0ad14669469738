package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultPorts(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"instance": "a", "data_dir": "/tmp/data", "conf_dir": "/tmp/conf"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":"+DefaultLineReceiverPort, cfg.LineAddr)
	require.Equal(t, ":"+DefaultPickleReceiverPort, cfg.PickleAddr)
	require.Equal(t, ":"+DefaultCacheQueryPort, cfg.CacheQueryAddr)
	require.Equal(t, ":"+DefaultDebugPort, cfg.DebugAddr)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"instance": "a",
		"data_dir": "/tmp/data",
		"conf_dir": "/tmp/conf",
		"debug_addr": ":9100"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.DebugAddr)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"instance": "a", "data_dir": "/tmp/data"}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestSchemasPathAndIndexPath(t *testing.T) {
	cfg := &Config{Instance: "a", DataDir: "/var/kenshin/data", ConfDir: "/etc/kenshin"}
	require.Equal(t, "/etc/kenshin/storage-schemas.conf", cfg.SchemasPath())
	require.Equal(t, "/var/kenshin/data/a.idx", cfg.IndexPath())
}
