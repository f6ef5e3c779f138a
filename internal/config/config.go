// Package config handles loading and validating olav configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for olav.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.olav/data. Override: OLAV_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under the data directory
	Inventory     InventoryConfig      `json:"inventory" yaml:"inventory"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Privilege     PrivilegeConfig      `json:"privilege" yaml:"privilege"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Parser        ParserConfig         `json:"parser" yaml:"parser"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and file:// references only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/olav.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: OLAV_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// InventoryConfig selects where devices come from.
type InventoryConfig struct {
	Source string `json:"source" yaml:"source"` // "file" or "database". Default: "file" when file is set, else "database".
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// InventorySource returns the effective inventory backend.
func (i InventoryConfig) InventorySource() string {
	if i.Source != "" {
		return i.Source
	}
	if i.File != "" {
		return "file"
	}
	return "database"
}

// PolicyConfig configures the command policy. Defaults are always enforced.
type PolicyConfig struct {
	BlacklistFile string              `json:"blacklist_file,omitempty" yaml:"blacklist_file,omitempty"`
	Blacklist     []string            `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`           // Extra patterns.
	WhitelistPath string              `json:"whitelist_path,omitempty" yaml:"whitelist_path,omitempty"` // YAML file or directory of <platform>.txt.
	Whitelist     map[string][]string `json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Rules         []RuleConfig        `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleConfig is a named CEL deny rule.
type RuleConfig struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// PrivilegeConfig controls CLI privilege escalation.
type PrivilegeConfig struct {
	MinRequired int  `json:"min_required" yaml:"min_required"` // Default: 15.
	ForceEnable bool `json:"force_enable" yaml:"force_enable"`
}

// SandboxConfig holds executor and transport settings.
// Zero values mean defaults: 30s timeout, 20 KiB diffs, 4 batch workers, and
// diff capture, NETCONF scanning and NETCONF commit all on.
type SandboxConfig struct {
	CommandTimeoutSeconds int   `json:"command_timeout" yaml:"command_timeout"`
	CaptureDiff           *bool `json:"capture_diff,omitempty" yaml:"capture_diff,omitempty"`
	MaxDiffBytes          int   `json:"max_diff_bytes" yaml:"max_diff_bytes"`
	ScanNetconfPayloads   *bool `json:"scan_netconf_payloads,omitempty" yaml:"scan_netconf_payloads,omitempty"`
	NetconfCommit         *bool `json:"netconf_commit,omitempty" yaml:"netconf_commit,omitempty"`
	BatchConcurrency      int   `json:"batch_concurrency" yaml:"batch_concurrency"`
}

// CommandTimeout returns the per-operation transport timeout with a default of 30s.
func (s SandboxConfig) CommandTimeout() time.Duration {
	if s.CommandTimeoutSeconds > 0 {
		return time.Duration(s.CommandTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DiffEnabled reports whether writes capture a diff by default.
func (s SandboxConfig) DiffEnabled() bool { return boolOr(s.CaptureDiff, true) }

// DiffLimit returns the diff size cap in bytes with a default of 20 KiB.
func (s SandboxConfig) DiffLimit() int {
	if s.MaxDiffBytes > 0 {
		return s.MaxDiffBytes
	}
	return 20 * 1024
}

// ScanNetconf reports whether NETCONF config bodies are checked against the blacklist.
func (s SandboxConfig) ScanNetconf() bool { return boolOr(s.ScanNetconfPayloads, true) }

// CommitNetconf reports whether candidate edits are committed.
func (s SandboxConfig) CommitNetconf() bool { return boolOr(s.NetconfCommit, true) }

// Concurrency returns the batch worker count with a default of 4.
func (s SandboxConfig) Concurrency() int {
	if s.BatchConcurrency > 0 {
		return s.BatchConcurrency
	}
	return 4
}

// ParserConfig configures structured CLI output parsing.
type ParserConfig struct {
	TemplatesDir string `json:"templates_dir,omitempty" yaml:"templates_dir,omitempty"` // Extra templates on top of the built-in set.
}

// ApprovalConfig configures the human-in-the-loop workflow.
type ApprovalConfig struct {
	// Default: true. Override: OLAV_HITL env var.
	HITL *bool `json:"hitl,omitempty" yaml:"hitl,omitempty"`
	// How long approvals are valid. 0 = 900s (15 min).
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
	// Inline wait before the request is rejected. 0 = TTL.
	WaitTimeoutSeconds int `json:"wait_timeout_seconds" yaml:"wait_timeout_seconds"`
	// HMAC key for approval tokens. Override: OLAV_APPROVAL_KEY env var.
	TokenKey string `json:"token_key,omitempty" yaml:"token_key,omitempty"`
	// Default: "@every 1m".
	SweepSchedule string              `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`
	AutoApproval  *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
	// Channels told about approvals left pending.
	Notify []NotifyChannelConfig `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// NotifyChannelConfig is one pending-approval notification destination.
type NotifyChannelConfig struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`                                       // "webhook" or "slack".
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`                     // webhook only.
	AllowPrivate bool   `json:"allow_private,omitempty" yaml:"allow_private,omitempty"` // webhook only: permit internal hosts.
	SecretRef    string `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`       // webhook only: HMAC signing key reference.
	ChannelID    string `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`       // slack only.
	TokenRef     string `json:"token_ref,omitempty" yaml:"token_ref,omitempty"`         // slack only: env://, file:// or vault:// reference.
}

// HITLEnabled reports whether writes need approval.
func (a ApprovalConfig) HITLEnabled() bool { return boolOr(a.HITL, true) }

// TTL returns the approval lifetime with a default of 15 minutes.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 15 * time.Minute
}

// WaitTimeout returns how long an inline decision is awaited, defaulting to the TTL.
func (a ApprovalConfig) WaitTimeout() time.Duration {
	if a.WaitTimeoutSeconds > 0 {
		return time.Duration(a.WaitTimeoutSeconds) * time.Second
	}
	return a.TTL()
}

// Schedule returns the sweeper cron spec.
func (a ApprovalConfig) Schedule() string {
	if a.SweepSchedule != "" {
		return a.SweepSchedule
	}
	return "@every 1m"
}

// AutoApprovalConfig controls pattern-based automatic approval.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	MaxAutoApprovals  int      `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per user per hour. Default: 10.
	AllowedDevices    []string `json:"allowed_devices" yaml:"allowed_devices"`       // Devices eligible for auto-approval.
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// AuditConfig configures where audit records go.
type AuditConfig struct {
	LogPath   string `json:"log_path,omitempty" yaml:"log_path,omitempty"`     // JSONL file. Default: <data_dir>/audit.jsonl. "-" disables.
	Database  *bool  `json:"database,omitempty" yaml:"database,omitempty"`     // Also persist to storage. Default: true.
	HashChain *bool  `json:"hash_chain,omitempty" yaml:"hash_chain,omitempty"` // Default: true.
}

// DatabaseEnabled reports whether audit records are stored in the database.
func (a AuditConfig) DatabaseEnabled() bool { return boolOr(a.Database, true) }

// ChainEnabled reports whether records are hash-chained.
func (a AuditConfig) ChainEnabled() bool { return boolOr(a.HashChain, true) }

// SecretsConfig configures credential reference backends beyond env:// and file://.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"` // nil = vault:// references fail.
}

// VaultConfig configures the Vault KV v2 backend. VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE take precedence.
type VaultConfig struct {
	Address         string `json:"address" yaml:"address"`
	Token           string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace       string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"`
	TLSSkipVerify   bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"` // Listen address for /metrics, /healthz, /readyz. Empty = not served.
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "olav"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures per-device transport error rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Window returns the sliding window with a default of 5 minutes.
func (a *AnomalyConfig) Window() time.Duration {
	if a != nil && a.WindowSeconds > 0 {
		return time.Duration(a.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

// DefaultConfigPath returns the default config file path (~/.olav/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/olav.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".olav", "config.yaml")
}

// Default returns the configuration used when no file exists: SQLite storage,
// HITL on, defaults everywhere else.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("OLAV_DATA_DIR", c.DataDir)

	if dsn := goutils.Env("OLAV_DB_DSN", ""); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = dsn
	}

	c.Approval.TokenKey = goutils.Env("OLAV_APPROVAL_KEY", c.Approval.TokenKey)

	if v := goutils.Env("OLAV_HITL", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Approval.HITL = &b
		}
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".olav", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".olav", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "olav.db")
}

// AuditLogPath returns the JSONL audit path, or "" when the file sink is disabled.
func (c *Config) AuditLogPath() string {
	switch c.Audit.LogPath {
	case "-":
		return ""
	case "":
		return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
	default:
		if p, err := resolvePath(c.Audit.LogPath); err == nil {
			return p
		}
		return c.Audit.LogPath
	}
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set OLAV_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	switch c.Inventory.InventorySource() {
	case "file":
		if c.Inventory.File == "" {
			return fmt.Errorf("inventory.file is required when inventory.source is file")
		}
	case "database":
	default:
		return fmt.Errorf("inventory.source %q is not supported (use file or database)", c.Inventory.Source)
	}
	if c.Privilege.MinRequired < 0 || c.Privilege.MinRequired > 15 {
		return fmt.Errorf("privilege.min_required must be between 0 and 15")
	}
	if c.Sandbox.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.command_timeout must not be negative")
	}
	if c.Sandbox.MaxDiffBytes < 0 {
		return fmt.Errorf("sandbox.max_diff_bytes must not be negative")
	}
	if c.Sandbox.BatchConcurrency < 0 {
		return fmt.Errorf("sandbox.batch_concurrency must not be negative")
	}
	if c.Approval.TTLSeconds < 0 || c.Approval.WaitTimeoutSeconds < 0 {
		return fmt.Errorf("approval durations must not be negative")
	}
	if c.Approval.WaitTimeoutSeconds > 0 && c.Approval.WaitTimeout() > c.Approval.TTL() {
		return fmt.Errorf("approval.wait_timeout_seconds must not exceed ttl_seconds")
	}
	for i, n := range c.Approval.Notify {
		switch n.Type {
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("approval.notify[%d]: url is required for webhook", i)
			}
		case "slack":
			if n.ChannelID == "" || n.TokenRef == "" {
				return fmt.Errorf("approval.notify[%d]: channel_id and token_ref are required for slack", i)
			}
		default:
			return fmt.Errorf("approval.notify[%d]: type %q is not supported (use webhook or slack)", i, n.Type)
		}
	}
	names := make(map[string]bool, len(c.Policy.Rules))
	for i, r := range c.Policy.Rules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("policy.rules[%d]: name and expr are required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("policy.rules[%d]: duplicate rule name %q", i, r.Name)
		}
		names[r.Name] = true
	}
	if c.Secrets != nil && c.Secrets.Vault != nil && c.Secrets.Vault.Address == "" && os.Getenv("VAULT_ADDR") == "" {
		return fmt.Errorf("secrets.vault.address is required (or set VAULT_ADDR)")
	}
	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol must be grpc or http")
			}
			if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if o.Anomaly != nil && (o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}

// Validate checks a Config built without Load.
func (c *Config) Validate() error { return c.validate() }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
