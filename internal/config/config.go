// Package config provides configuration loading for knowledged.
//
// Configuration is assembled from four layered sources, lowest precedence
// first: hardcoded defaults, a YAML config file, environment variables, and
// command-line flags (applied by the caller as mutators). The resulting
// Config is immutable for the process lifetime.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
)

// Config holds the complete knowledged configuration.
type Config struct {
	// HTTP bind address.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// External vector index (Qdrant gRPC endpoint, host:port).
	VectorEndpoint string `koanf:"vector_endpoint"`
	VectorAPIKey   string `koanf:"vector_api_key"`
	CollectionName string `koanf:"collection_name"`

	// Embedding backend (TEI-compatible HTTP service).
	EmbeddingEndpoint string `koanf:"embedding_endpoint"`
	EmbeddingModel    string `koanf:"embedding_model"`
	EmbeddingDim      int    `koanf:"embedding_dim"`

	// Filesystem roots.
	ADRDir   string `koanf:"adr_dir"`
	DocsDir  string `koanf:"docs_dir"`
	KBDir    string `koanf:"kb_dir"`
	CacheDir string `koanf:"cache_dir"`

	// Cache budgets.
	CacheMemBytes   int64 `koanf:"cache_mem_bytes"`
	CacheDiskBytes  int64 `koanf:"cache_disk_bytes"`
	CacheTTLSeconds int   `koanf:"cache_ttl_seconds"`

	// Task pool.
	TaskWorkers    int `koanf:"task_workers"`
	TaskQueueDepth int `koanf:"task_queue_depth"`

	// Doc crawler.
	CrawlRetries int     `koanf:"crawl_retries"`
	CrawlRPS     float64 `koanf:"crawl_rps"`

	// Logging.
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// HTTP security toggles.
	AuthEnabled    bool     `koanf:"auth_enabled"`
	AuthToken      string   `koanf:"auth_token"`
	AllowedOrigins []string `koanf:"allowed_origins"`

	// Lifecycle.
	ShutdownDeadline time.Duration `koanf:"shutdown_deadline"`
	StrictDeps       bool          `koanf:"strict_deps"`
	PollInterval     time.Duration `koanf:"poll_interval"`

	// Tracing. Empty disables the OTLP exporter.
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	if cfg.VectorEndpoint == "" {
		cfg.VectorEndpoint = "localhost:6334"
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "knowledged_patterns"
	}

	if cfg.EmbeddingEndpoint == "" {
		cfg.EmbeddingEndpoint = "http://localhost:8080"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "BAAI/bge-small-en-v1.5"
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 384 // bge-small-en-v1.5 dimensions
	}

	dataDir := defaultDataDir()
	if cfg.ADRDir == "" {
		cfg.ADRDir = filepath.Join(dataDir, "adr")
	}
	if cfg.DocsDir == "" {
		cfg.DocsDir = filepath.Join(dataDir, "docs")
	}
	if cfg.KBDir == "" {
		cfg.KBDir = filepath.Join(dataDir, "kb")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(dataDir, "cache")
	}

	if cfg.CacheMemBytes == 0 {
		cfg.CacheMemBytes = 64 << 20
	}
	if cfg.CacheDiskBytes == 0 {
		cfg.CacheDiskBytes = 512 << 20
	}

	if cfg.TaskWorkers == 0 {
		cfg.TaskWorkers = 4
	}
	if cfg.TaskQueueDepth == 0 {
		cfg.TaskQueueDepth = 64
	}

	if cfg.CrawlRPS == 0 {
		cfg.CrawlRPS = 2
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	if cfg.ShutdownDeadline == 0 {
		cfg.ShutdownDeadline = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
}

// defaultDataDir returns the per-user data root for knowledged.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "knowledged")
	}
	return filepath.Join(home, ".local", "share", "knowledged")
}

// Validate validates the configuration. Directory roots are created if
// absent and probed for writability; any failure is config-invalid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errkind.Newf(errkind.ConfigInvalid, "invalid port: %d (must be 1-65535)", c.Port)
	}

	if _, _, err := net.SplitHostPort(c.VectorEndpoint); err != nil {
		return errkind.Newf(errkind.ConfigInvalid, "malformed vector_endpoint %q: expected host:port", c.VectorEndpoint)
	}

	if c.EmbeddingDim <= 0 {
		return errkind.Newf(errkind.ConfigInvalid, "embedding_dim must be positive, got %d", c.EmbeddingDim)
	}

	if c.CacheMemBytes < 0 || c.CacheDiskBytes < 0 {
		return errkind.New(errkind.ConfigInvalid, "cache budgets must be non-negative")
	}
	if c.CacheTTLSeconds < 0 {
		return errkind.New(errkind.ConfigInvalid, "cache_ttl_seconds must be non-negative")
	}

	if c.TaskWorkers < 1 {
		return errkind.Newf(errkind.ConfigInvalid, "task_workers must be at least 1, got %d", c.TaskWorkers)
	}
	if c.TaskQueueDepth < 1 {
		return errkind.Newf(errkind.ConfigInvalid, "task_queue_depth must be at least 1, got %d", c.TaskQueueDepth)
	}

	if c.CrawlRetries < 0 {
		return errkind.New(errkind.ConfigInvalid, "crawl_retries must be non-negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errkind.Newf(errkind.ConfigInvalid, "unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errkind.Newf(errkind.ConfigInvalid, "unknown log_format %q", c.LogFormat)
	}

	if c.AuthEnabled && c.AuthToken == "" {
		return errkind.New(errkind.ConfigInvalid, "auth_token required when auth_enabled is set")
	}

	if c.ShutdownDeadline <= 0 {
		return errkind.New(errkind.ConfigInvalid, "shutdown_deadline must be positive")
	}
	if c.PollInterval <= 0 {
		return errkind.New(errkind.ConfigInvalid, "poll_interval must be positive")
	}

	for _, dir := range []string{c.ADRDir, c.DocsDir, c.KBDir, c.CacheDir} {
		if err := ensureWritableDir(dir); err != nil {
			return errkind.Wrap(errkind.ConfigInvalid, fmt.Sprintf("directory %s not writable", dir), err)
		}
	}

	return nil
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// CacheTTL returns the configured cache TTL, zero meaning no expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ensureWritableDir creates dir if needed and probes it with a temp file.
func ensureWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("empty directory path")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
