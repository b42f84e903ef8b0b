// Package config handles configuration loading and validation for chunkvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chunkvault/chunkvault/pkg/bytesize"
)

// ByteSize is a byte count that unmarshals from YAML either as a bare
// integer or a human-readable string like "1.5MB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	n, err := bytesize.Parse(node.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", node.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return bytesize.Format(int64(b))
}

// FullAccessConfig lists principals that may manage every file regardless of
// ownership.
type FullAccessConfig struct {
	Users []string `yaml:"users"`
	Roles []string `yaml:"roles"`
}

// AuthConfig holds settings for resolving the requesting identity.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // HS256 secret for bearer tokens (empty = anonymous only)
}

// VaultConfig holds the full configuration for the chunkvault server.
type VaultConfig struct {
	Listen        string `yaml:"listen"`
	RoutePrefix   string `yaml:"route_prefix"`
	PublicBaseURL string `yaml:"public_base_url"` // Base URL for resolved file links (default: derived from listen)
	DataDir       string `yaml:"data_dir"`        // Root of the managed storage tree

	Directory          string `yaml:"directory"`           // Live files, relative to data_dir ("" = root)
	TemporaryDirectory string `yaml:"temporary_directory"` // In-flight chunk areas
	MetadataDirectory  string `yaml:"metadata_directory"`  // One JSON document per content hash
	TrashDirectory     string `yaml:"trash_directory"`     // Soft-deleted files

	ChunkSize ByteSize `yaml:"chunk_size"` // Maximum bytes per submitted chunk
	MaxSize   ByteSize `yaml:"max_size"`   // Maximum declared file size

	// AllowedExtensions entries are either a bare extension ("pdf"), the
	// wildcard "*", or a MIME mapping "mime/type:ext" ("mime/type:*" allows
	// any extension for that MIME type). Empty list allows everything.
	AllowedExtensions []string `yaml:"allowed_extensions"`

	TrashTTLDays int  `yaml:"trash_ttl_days"`
	SoftDelete   bool `yaml:"soft_delete"`

	AllowList           bool `yaml:"allow_list"`
	AllowDelete         bool `yaml:"allow_delete"`
	AllowDeleteAllFiles bool `yaml:"allow_delete_all_files"`
	AllowCleanup        bool `yaml:"allow_cleanup"`

	FullAccess FullAccessConfig `yaml:"full_access"`
	Auth       AuthConfig       `yaml:"auth"`
}

// DefaultVaultConfig returns a configuration with all defaults applied.
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		Listen:             ":8742",
		RoutePrefix:        "/file-upload",
		DataDir:            "/var/lib/chunkvault",
		TemporaryDirectory: ".chunks",
		MetadataDirectory:  ".meta",
		TrashDirectory:     ".trash",
		ChunkSize:          1 << 20,  // 1 MiB
		MaxSize:            50 << 20, // 50 MiB
		TrashTTLDays:       30,
		SoftDelete:         true,
		AllowList:          true,
		AllowDelete:        true,
		AllowCleanup:       true,
	}
}

// LoadVaultConfig loads server configuration from a YAML file.
func LoadVaultConfig(path string) (*VaultConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultVaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Expand home directory in data dir
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistent or out-of-range values.
func (c *VaultConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	}
	if c.MaxSize < c.ChunkSize {
		return fmt.Errorf("max_size (%s) must be at least chunk_size (%s)", c.MaxSize, c.ChunkSize)
	}
	for _, dir := range []string{c.TemporaryDirectory, c.MetadataDirectory, c.TrashDirectory} {
		if strings.Trim(dir, "/") == "" {
			return fmt.Errorf("temporary/metadata/trash directories must not be empty")
		}
	}
	if !strings.HasPrefix(c.RoutePrefix, "/") {
		c.RoutePrefix = "/" + c.RoutePrefix
	}
	c.RoutePrefix = strings.TrimSuffix(c.RoutePrefix, "/")
	return nil
}
