// Package config provides YAML-based configuration loading for conda-store workers and servers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names understood by the build pipeline. Plugins are configured per stage.
var StageNames = []string{"solve", "install", "permissions", "export-yaml", "pack-archive", "installer"}

// Config is the top-level deployment configuration, loaded from condastore.yaml.
type Config struct {
	Database        DatabaseConfig          `yaml:"database"`
	Store           StoreConfig             `yaml:"store"`
	Blob            BlobConfig              `yaml:"blob"`
	Worker          WorkerConfig            `yaml:"worker"`
	Reaper          ReaperConfig            `yaml:"reaper"`
	Server          ServerConfig            `yaml:"server"`
	BuildKeyVersion int                     `yaml:"build_key_version"`
	Plugins         map[string]PluginConfig `yaml:"plugins"`
}

// DatabaseConfig holds connection settings for the catalog database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// StoreConfig holds the shared filesystem layout.
type StoreConfig struct {
	Root    string `yaml:"root"`
	PkgsDir string `yaml:"pkgs_dir"`
	LockDir string `yaml:"lock_dir"`
}

// BlobConfig selects the blob backend for non-directory artifacts.
type BlobConfig struct {
	Backend   string   `yaml:"backend"` // "local" or "s3"
	LocalRoot string   `yaml:"local_root"`
	S3        S3Config `yaml:"s3"`
}

// S3Config holds settings for an S3-compatible object store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// WorkerConfig holds scheduler knobs.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPollInterval   time.Duration `yaml:"max_poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BuildTimeout      time.Duration `yaml:"build_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// ReaperConfig holds garbage collection knobs.
type ReaperConfig struct {
	Schedule     string        `yaml:"schedule"`
	CleanupAfter time.Duration `yaml:"cleanup_after"`
	KeepBuilds   int           `yaml:"keep_builds"`
}

// ServerConfig holds HTTP adapter settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// PluginConfig describes the command a stage plugin runs. Arguments may
// reference {prefix}, {workdir}, {lockfile}, {spec} and {output}.
// Prefetch downloads the package URLs listed in an explicit lockfile into
// the shared package cache before the command runs. Extract, which needs
// Prefetch, is a command that unpacks {archive} into {dest}; each package
// is then unpacked next to its archive, once per cache.
type PluginConfig struct {
	Command  []string          `yaml:"command"`
	Output   string            `yaml:"output"`
	Env      map[string]string `yaml:"env"`
	Prefetch bool              `yaml:"prefetch"`
	Extract  []string          `yaml:"extract"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "conda_store"
		}
	}
	if c.Store.Root == "" {
		c.Store.Root = "/var/lib/conda-store"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Store.Root, "conda-store.sqlite")
	}
	if c.Store.PkgsDir == "" {
		c.Store.PkgsDir = filepath.Join(c.Store.Root, ".pkgs")
	}
	if c.Store.LockDir == "" {
		c.Store.LockDir = filepath.Join(c.Store.Root, ".locks")
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "local"
	}
	if c.Blob.Backend == "local" && c.Blob.LocalRoot == "" {
		c.Blob.LocalRoot = filepath.Join(c.Store.Root, ".blobs")
	}
	if c.Blob.Backend == "s3" && c.Blob.S3.Region == "" {
		c.Blob.S3.Region = "us-east-1"
	}

	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.PollInterval == 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.MaxPollInterval == 0 {
		w.MaxPollInterval = 30 * time.Second
	}
	if w.HeartbeatInterval == 0 {
		w.HeartbeatInterval = 10 * time.Second
	}
	if w.LeaseTTL == 0 {
		w.LeaseTTL = 60 * time.Second
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
	if w.BuildTimeout == 0 {
		w.BuildTimeout = 6 * time.Hour
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = 30 * time.Second
	}

	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "*/15 * * * *"
	}
	if c.Reaper.CleanupAfter == 0 {
		c.Reaper.CleanupAfter = 7 * 24 * time.Hour
	}
	if c.Reaper.KeepBuilds == 0 {
		c.Reaper.KeepBuilds = 5
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.BuildKeyVersion == 0 {
		c.BuildKeyVersion = 2
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	switch c.Blob.Backend {
	case "local":
	case "s3":
		s3 := c.Blob.S3
		if strings.TrimSpace(s3.Endpoint) == "" {
			errs = append(errs, "blob.s3.endpoint is required")
		} else if strings.Contains(s3.Endpoint, "://") {
			errs = append(errs, fmt.Sprintf("blob.s3.endpoint must not include scheme: %q", s3.Endpoint))
		}
		if s3.AccessKey == "" || s3.SecretKey == "" {
			errs = append(errs, "blob.s3 access_key and secret_key are required")
		}
		if s3.Bucket == "" {
			errs = append(errs, "blob.s3.bucket is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("blob.backend %q must be local or s3", c.Blob.Backend))
	}
	dirs := []struct{ key, path string }{
		{"store.pkgs_dir", c.Store.PkgsDir},
		{"store.lock_dir", c.Store.LockDir},
	}
	if c.Blob.Backend == "local" {
		dirs = append(dirs, struct{ key, path string }{"blob.local_root", c.Blob.LocalRoot})
	}
	for _, d := range dirs {
		if !outsidePrefixes(c.Store.Root, d.path) {
			errs = append(errs, fmt.Sprintf("%s %q must be outside store.root or a dot directory inside it", d.key, d.path))
		}
	}
	if c.Worker.Concurrency < 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if c.Worker.MaxAttempts < 0 {
		errs = append(errs, "worker.max_attempts must be positive")
	}
	if c.Worker.LeaseTTL <= c.Worker.HeartbeatInterval {
		errs = append(errs, "worker.lease_ttl must exceed worker.heartbeat_interval")
	}
	if c.Reaper.KeepBuilds < 0 {
		errs = append(errs, "reaper.keep_builds must be positive")
	}
	if c.BuildKeyVersion < 1 {
		errs = append(errs, "build_key_version must be >= 1")
	}
	for name, p := range c.Plugins {
		if !knownStage(name) {
			errs = append(errs, fmt.Sprintf("plugins.%s: unknown stage", name))
			continue
		}
		if len(p.Command) == 0 {
			errs = append(errs, fmt.Sprintf("plugins.%s.command is required", name))
		}
		if len(p.Extract) > 0 && !p.Prefetch {
			errs = append(errs, fmt.Sprintf("plugins.%s.extract requires prefetch", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func knownStage(name string) bool {
	for _, s := range StageNames {
		if s == name {
			return true
		}
	}
	return false
}

// outsidePrefixes reports whether dir cannot collide with the prefix
// directories kept directly under root.
func outsidePrefixes(root, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	if rel == "." {
		return false
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	return strings.HasPrefix(first, ".")
}
