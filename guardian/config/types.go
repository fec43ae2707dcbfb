package config

import (
	"os"
	"strings"
	"time"
)

// FailMode decides the verdict when the classifier cannot be reached.
type FailMode string

const (
	// FailModeError surfaces the classifier failure as a failed verdict request
	FailModeError FailMode = "error"

	// FailModeOpen allows the content and marks the verdict degraded
	FailModeOpen FailMode = "open"

	// FailModeClosed blocks the content and marks the verdict degraded
	FailModeClosed FailMode = "closed"
)

// DatabaseDriver selects the relational datastore backend
type DatabaseDriver string

const (
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node home directory (default: ~/.sentinel)
	NodeHome string `json:"node_home"`

	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Classifier ClassifierConfig `json:"classifier"`
	Policy     PolicyConfig     `json:"policy"`
	Ledger     LedgerConfig     `json:"ledger"`
	Submission SubmissionConfig `json:"submission"`
}

// DatabaseConfig selects where incidents are persisted
type DatabaseConfig struct {
	Driver DatabaseDriver `json:"driver"`  // sqlite or postgres
	Path   string         `json:"path"`    // sqlite file, relative to <home>/data unless absolute
	DSNEnv string         `json:"dsn_env"` // env var holding the postgres DSN
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port                int `json:"port"`
	ReadTimeoutSeconds  int `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int `json:"write_timeout_seconds"`
}

// ClassifierConfig configures the external moderation provider
type ClassifierConfig struct {
	BaseURL    string   `json:"base_url"`
	Model      string   `json:"model"`
	APIKeyEnv  string   `json:"api_key_env"` // env var holding the provider API key
	TimeoutMs  int      `json:"timeout_ms"`  // per-call bound, retries included
	MaxRetries int      `json:"max_retries"`
	CacheSize  int      `json:"cache_size"` // 0 disables the digest cache
	FailMode   FailMode `json:"fail_mode"`
}

// PolicyConfig selects the severity policy
type PolicyConfig struct {
	DefaultVersion string `json:"default_version"`
	File           string `json:"file,omitempty"` // optional YAML file with extra policy versions
}

// LedgerConfig configures the public ledger client
type LedgerConfig struct {
	Enabled               bool     `json:"enabled"`
	RPCURLs               []string `json:"rpc_urls"`
	ChainID               int64    `json:"chain_id"`
	ContractAddress       string   `json:"contract_address"`
	PrivateKeyEnv         string   `json:"private_key_env"` // env var holding the hex signing key
	GasLimit              uint64   `json:"gas_limit"`
	Confirmations         uint64   `json:"confirmations"`
	RequestTimeoutSeconds int      `json:"request_timeout_seconds"`
}

// SubmissionConfig configures the asynchronous chain submission pipeline
type SubmissionConfig struct {
	Threshold              int `json:"threshold"` // minimum severity sent to the ledger
	Workers                int `json:"workers"`
	QueueSize              int `json:"queue_size"`
	TimeoutSeconds         int `json:"timeout_seconds"` // bound on a single ledger call
	PollIntervalSeconds    int `json:"poll_interval_seconds"`
	PollBatchSize          int `json:"poll_batch_size"`
	ConfirmIntervalSeconds int `json:"confirm_interval_seconds"`
	ClaimTTLSeconds        int `json:"claim_ttl_seconds"`
}

// APIKey resolves the classifier API key from the environment
func (c ClassifierConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// Timeout returns the per-call classifier bound
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PrivateKey resolves the ledger signing key from the environment
func (l LedgerConfig) PrivateKey() string {
	if l.PrivateKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(l.PrivateKeyEnv))
}

// Configured reports whether every setting needed to submit is present.
func (l LedgerConfig) Configured() bool {
	return l.Enabled && len(l.RPCURLs) > 0 && l.ContractAddress != "" && l.PrivateKey() != ""
}

// DSN resolves the postgres DSN from the environment
func (d DatabaseConfig) DSN() string {
	if d.DSNEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(d.DSNEnv))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Timeout returns the bound on a single ledger call
func (s SubmissionConfig) Timeout() time.Duration { return seconds(s.TimeoutSeconds) }

// PollInterval returns how often pending incidents are swept into the queue
func (s SubmissionConfig) PollInterval() time.Duration { return seconds(s.PollIntervalSeconds) }

// ConfirmInterval returns how often submitted incidents are checked on the ledger
func (s SubmissionConfig) ConfirmInterval() time.Duration { return seconds(s.ConfirmIntervalSeconds) }

// ClaimTTL returns how long a submission lease is honored
func (s SubmissionConfig) ClaimTTL() time.Duration { return seconds(s.ClaimTTLSeconds) }
