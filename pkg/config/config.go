// Copyright 2025 Certen Protocol
//
// Configuration loader for the order lifecycle engine. Loads YAML with
// ${VAR_NAME} environment-variable substitution and applies sensible
// defaults for unset tunables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the order lifecycle engine's components take at
// construction. No process-wide mutable state: every component receives this
// record, or a narrow sub-struct of it, explicitly.
type Config struct {
	Environment string `yaml:"environment"`

	Server       ServerSettings       `yaml:"server"`
	Database     DatabaseSettings     `yaml:"database"`
	Chains       ChainsSettings       `yaml:"chains"`
	MPC          MPCSettings          `yaml:"mpc"`
	Approver     ApproverSettings     `yaml:"approver"`
	Retry        RetrySettings        `yaml:"retry"`
	Firestore    FirestoreSettings    `yaml:"firestore"`
	Metrics      MetricsSettings      `yaml:"metrics"`
	Orchestrator OrchestratorSettings `yaml:"orchestrator"`
}

// ServerSettings configures the REST listener.
type ServerSettings struct {
	ListenAddr  string   `yaml:"listen_addr"`
	AdminTokens []string `yaml:"admin_tokens"`
}

// DatabaseSettings configures the Postgres-backed order store connection pool.
type DatabaseSettings struct {
	URL             string   `yaml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// Table names are configuration, never hardcoded at call sites.
	OrdersTable       string `yaml:"orders_table"`
	LocksTable        string `yaml:"locks_table"`
	NoncesTable       string `yaml:"nonces_table"`
	PolicyTable       string `yaml:"policy_table"`
	KeyDirectoryTable string `yaml:"key_directory_table"`
	GasPoolTable      string `yaml:"gas_pool_table"`
}

// ChainAllowlistEntry describes one chain this deployment will sign for.
type ChainAllowlistEntry struct {
	ChainID uint64 `yaml:"chain_id"`
	Name    string `yaml:"name"`
	RPCURL  string `yaml:"rpc_url"`
}

// ChainsSettings carries the static chain allowlist consulted by Intake.
type ChainsSettings struct {
	Allowed []ChainAllowlistEntry `yaml:"allowed"`
}

// IsAllowed reports whether chainID is present in the allowlist.
func (c ChainsSettings) IsAllowed(chainID uint64) bool {
	for _, e := range c.Allowed {
		if e.ChainID == chainID {
			return true
		}
	}
	return false
}

// RPCURLFor returns the configured RPC endpoint for chainID, or "" if absent.
func (c ChainsSettings) RPCURLFor(chainID uint64) string {
	for _, e := range c.Allowed {
		if e.ChainID == chainID {
			return e.RPCURL
		}
	}
	return ""
}

// MPCSettings configures the external MPC signing service client.
type MPCSettings struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// ApproverSettings configures the external approver callout client.
type ApproverSettings struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
	// PublicKeys maps approver_name to its base64 ed25519 public key, used to
	// verify metadata_signature on upcalls.
	PublicKeys map[string]string `yaml:"public_keys"`
}

// RetrySettings bounds the backoff applied to transient upstream failures.
type RetrySettings struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// FirestoreSettings toggles the real-time read-side mirror.
type FirestoreSettings struct {
	Enabled          bool   `yaml:"enabled"`
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// MetricsSettings toggles the Prometheus registry/exporter.
type MetricsSettings struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// OrchestratorSettings tunes the cooperative scheduler.
type OrchestratorSettings struct {
	Workers              int      `yaml:"workers"`
	RecoveryScanInterval Duration `yaml:"recovery_scan_interval"`
	AddressLockTTL       Duration `yaml:"address_lock_ttl"`
}

// Duration wraps time.Duration for YAML unmarshaling so config files can
// say "30ms" or "2m" directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return match
	})
}

// Load reads and parses a YAML config file, substituting ${VAR} references
// against the process environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads a config file and fills in unset tunables with
// production-sane defaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = Duration(5 * time.Minute)
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = Duration(time.Hour)
	}
	if c.Database.OrdersTable == "" {
		c.Database.OrdersTable = "orders"
	}
	if c.Database.LocksTable == "" {
		c.Database.LocksTable = "address_locks"
	}
	if c.Database.NoncesTable == "" {
		c.Database.NoncesTable = "nonce_counters"
	}
	if c.Database.PolicyTable == "" {
		c.Database.PolicyTable = "policy_bindings"
	}
	if c.Database.KeyDirectoryTable == "" {
		c.Database.KeyDirectoryTable = "key_directory"
	}
	if c.Database.GasPoolTable == "" {
		c.Database.GasPoolTable = "gas_pool_config"
	}
	if c.MPC.Timeout == 0 {
		c.MPC.Timeout = Duration(2 * time.Second)
	}
	if c.Approver.Timeout == 0 {
		c.Approver.Timeout = Duration(2 * time.Second)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(30 * time.Millisecond)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(200 * time.Millisecond)
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 8
	}
	if c.Orchestrator.RecoveryScanInterval == 0 {
		c.Orchestrator.RecoveryScanInterval = Duration(30 * time.Second)
	}
	if c.Orchestrator.AddressLockTTL == 0 {
		c.Orchestrator.AddressLockTTL = Duration(2 * time.Minute)
	}
	if c.Firestore.CollectionPrefix == "" {
		c.Firestore.CollectionPrefix = "orders"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}
