package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", c.Server.Addr)
	require.Equal(t, "memory", c.Storage.Driver)
	require.Equal(t, 90*24*time.Hour, c.Keys.Validity)
	require.Equal(t, 7*24*time.Hour, c.Keys.RotationThreshold)
	require.Equal(t, 72*time.Hour, c.Keys.OverlapWindow)
	require.Equal(t, 24*time.Hour, c.Keys.RetirementGrace)
	require.Equal(t, 5, c.Keys.PersistMaxAttempts)
	require.Equal(t, 30*24*time.Hour, c.Cohort.SaltRotationInterval)
	require.Equal(t, 5*time.Minute, c.Flags.MaxAge)
	require.Equal(t, 512, c.Drift.BufferSize)
	require.False(t, c.IsProd())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	p := writeYAML(t, `
app:
  env: staging
server:
  addr: ":9090"
storage:
  driver: fs
  dir: /var/lib/trust
keys:
  validity: 720h
  rotation_threshold: 96h
  overlap_window: 48h
flags:
  seed_file: flags.yaml
admin:
  api_keys: [from-yaml]
`)
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("ADMIN_API_KEYS", "a, b ,")
	t.Setenv("KEYS_RETIREMENT_GRACE", "2h")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "staging", c.App.Env)
	require.Equal(t, ":7070", c.Server.Addr)
	require.Equal(t, "fs", c.Storage.Driver)
	require.Equal(t, 720*time.Hour, c.Keys.Validity)
	require.Equal(t, 2*time.Hour, c.Keys.RetirementGrace)
	require.Equal(t, []string{"a", "b"}, c.Admin.APIKeys)
	require.Equal(t, filepath.Join(filepath.Dir(p), "flags.yaml"), c.Flags.SeedFile)
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load(writeYAML(t, "keys:\n  overlap_window: 200h\n"))
	require.ErrorContains(t, err, "overlap_window")

	_, err = Load(writeYAML(t, "storage:\n  driver: cassandra\n"))
	require.ErrorContains(t, err, "not supported")

	_, err = Load(writeYAML(t, "storage:\n  driver: postgres\n"))
	require.ErrorContains(t, err, "storage.dsn")

	_, err = Load(writeYAML(t, "keys:\n  master_key: too-short\n"))
	require.ErrorContains(t, err, "master_key")

	_, err = Load(writeYAML(t, "flags:\n  sign_ttl: 10m\n"))
	require.ErrorContains(t, err, "sign_ttl")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_ProdGuards(t *testing.T) {
	t.Setenv("APP_ENV", "PROD")
	_, err := Load("")
	require.Error(t, err)
	require.ErrorContains(t, err, "admin.api_keys")
	require.ErrorContains(t, err, "master_key")
	require.ErrorContains(t, err, "memory")

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("TRUST_MASTER_KEY", key)
	t.Setenv("ADMIN_API_KEYS", "k1")
	t.Setenv("STORAGE_DRIVER", "fs")
	c, err := Load("")
	require.NoError(t, err)
	require.True(t, c.IsProd())
	mk, err := c.MasterKeyBytes()
	require.NoError(t, err)
	require.Len(t, mk, 32)
}
