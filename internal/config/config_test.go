package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultVaultConfig(t *testing.T) {
	cfg := DefaultVaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8742", cfg.Listen)
	assert.Equal(t, "/file-upload", cfg.RoutePrefix)
	assert.Equal(t, ByteSize(1<<20), cfg.ChunkSize)
	assert.Equal(t, ByteSize(50<<20), cfg.MaxSize)
	assert.Equal(t, 30, cfg.TrashTTLDays)
	assert.True(t, cfg.SoftDelete)
	assert.True(t, cfg.AllowDelete)
	assert.False(t, cfg.AllowDeleteAllFiles)
}

func TestLoadVaultConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
data_dir: /srv/vault
directory: files
chunk_size: 2MB
max_size: "1.5GB"
trash_ttl_days: 7
soft_delete: false
allowed_extensions:
  - pdf
  - "image/jpeg:jpg"
full_access:
  users: [admin]
  roles: [ops]
auth:
  jwt_secret: sekrit
`)

	cfg, err := LoadVaultConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/srv/vault", cfg.DataDir)
	assert.Equal(t, "files", cfg.Directory)
	assert.Equal(t, ByteSize(2<<20), cfg.ChunkSize)
	assert.Equal(t, ByteSize(3<<29), cfg.MaxSize)
	assert.Equal(t, 7, cfg.TrashTTLDays)
	assert.False(t, cfg.SoftDelete)
	assert.Equal(t, []string{"pdf", "image/jpeg:jpg"}, cfg.AllowedExtensions)
	assert.Equal(t, []string{"admin"}, cfg.FullAccess.Users)
	assert.Equal(t, []string{"ops"}, cfg.FullAccess.Roles)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)

	// Unset keys keep their defaults.
	assert.Equal(t, ".trash", cfg.TrashDirectory)
	assert.Equal(t, ".chunks", cfg.TemporaryDirectory)
	assert.True(t, cfg.AllowList)
}

func TestByteSizeAcceptsBareIntegers(t *testing.T) {
	path := writeConfig(t, "chunk_size: 2097152\n")
	cfg, err := LoadVaultConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(2<<20), cfg.ChunkSize)
}

func TestByteSizeRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "chunk_size: lots\n")
	_, err := LoadVaultConfig(path)
	assert.Error(t, err)
}

func TestLoadVaultConfigMissingFile(t *testing.T) {
	_, err := LoadVaultConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadVaultConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	_, err := LoadVaultConfig(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*VaultConfig)
	}{
		{"empty data dir", func(c *VaultConfig) { c.DataDir = "" }},
		{"zero chunk size", func(c *VaultConfig) { c.ChunkSize = 0 }},
		{"negative max size", func(c *VaultConfig) { c.MaxSize = -1 }},
		{"max below chunk", func(c *VaultConfig) { c.MaxSize = 100; c.ChunkSize = 200 }},
		{"empty trash dir", func(c *VaultConfig) { c.TrashDirectory = "/" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultVaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateNormalizesRoutePrefix(t *testing.T) {
	cfg := DefaultVaultConfig()
	cfg.RoutePrefix = "uploads/"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/uploads", cfg.RoutePrefix)
}

func TestLoadVaultConfigExpandsHome(t *testing.T) {
	path := writeConfig(t, "data_dir: ~/vault-data\n")
	cfg, err := LoadVaultConfig(path)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "vault-data"), cfg.DataDir)
}
