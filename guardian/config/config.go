package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	configSubdir   = "config"
	configFileName = "sentinel_config.json"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Database
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DatabaseDriverSQLite
	}
	switch cfg.Database.Driver {
	case DatabaseDriverSQLite:
		if cfg.Database.Path == "" {
			cfg.Database.Path = "incidents.db"
		}
	case DatabaseDriverPostgres:
		if cfg.Database.DSNEnv == "" {
			return fmt.Errorf("database.dsn_env is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database driver must be 'sqlite' or 'postgres'")
	}

	// Server
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 10
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}

	// Classifier
	if cfg.Classifier.BaseURL == "" {
		cfg.Classifier.BaseURL = "https://api.openai.com/v1"
	}
	cfg.Classifier.BaseURL = strings.TrimRight(cfg.Classifier.BaseURL, "/")
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "omni-moderation-latest"
	}
	if cfg.Classifier.TimeoutMs == 0 {
		cfg.Classifier.TimeoutMs = 8000
	}
	if cfg.Classifier.TimeoutMs < 0 {
		return fmt.Errorf("classifier timeout must be positive")
	}
	if cfg.Classifier.MaxRetries < 0 {
		return fmt.Errorf("classifier max retries must not be negative")
	}
	if cfg.Classifier.FailMode == "" {
		cfg.Classifier.FailMode = FailModeError
	}
	switch cfg.Classifier.FailMode {
	case FailModeError, FailModeOpen, FailModeClosed:
	default:
		return fmt.Errorf("classifier fail mode must be 'error', 'open' or 'closed'")
	}

	// Policy
	if cfg.Policy.DefaultVersion == "" {
		cfg.Policy.DefaultVersion = "v1"
	}

	// Ledger
	if cfg.Ledger.GasLimit == 0 {
		cfg.Ledger.GasLimit = 300000
	}
	if cfg.Ledger.RequestTimeoutSeconds == 0 {
		cfg.Ledger.RequestTimeoutSeconds = 10
	}
	if cfg.Ledger.Enabled {
		if len(cfg.Ledger.RPCURLs) == 0 {
			return fmt.Errorf("ledger.rpc_urls is required when the ledger is enabled")
		}
		if cfg.Ledger.ContractAddress == "" {
			return fmt.Errorf("ledger.contract_address is required when the ledger is enabled")
		}
		if cfg.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id must be positive when the ledger is enabled")
		}
	}

	// Submission
	if cfg.Submission.Threshold == 0 {
		cfg.Submission.Threshold = 1
	}
	if cfg.Submission.Threshold < 1 || cfg.Submission.Threshold > 3 {
		return fmt.Errorf("submission threshold must be between 1 and 3")
	}
	if cfg.Submission.Workers == 0 {
		cfg.Submission.Workers = 4
	}
	if cfg.Submission.QueueSize == 0 {
		cfg.Submission.QueueSize = 256
	}
	if cfg.Submission.TimeoutSeconds == 0 {
		cfg.Submission.TimeoutSeconds = 30
	}
	if cfg.Submission.PollIntervalSeconds == 0 {
		cfg.Submission.PollIntervalSeconds = 15
	}
	if cfg.Submission.PollBatchSize == 0 {
		cfg.Submission.PollBatchSize = 50
	}
	if cfg.Submission.ConfirmIntervalSeconds == 0 {
		cfg.Submission.ConfirmIntervalSeconds = 20
	}
	if cfg.Submission.ClaimTTLSeconds == 0 {
		cfg.Submission.ClaimTTLSeconds = 120
	}
	for name, v := range map[string]int{
		"server.read_timeout_seconds":         cfg.Server.ReadTimeoutSeconds,
		"server.write_timeout_seconds":        cfg.Server.WriteTimeoutSeconds,
		"ledger.request_timeout_seconds":      cfg.Ledger.RequestTimeoutSeconds,
		"submission.workers":                  cfg.Submission.Workers,
		"submission.queue_size":               cfg.Submission.QueueSize,
		"submission.timeout_seconds":          cfg.Submission.TimeoutSeconds,
		"submission.poll_interval_seconds":    cfg.Submission.PollIntervalSeconds,
		"submission.poll_batch_size":          cfg.Submission.PollBatchSize,
		"submission.confirm_interval_seconds": cfg.Submission.ConfirmIntervalSeconds,
		"submission.claim_ttl_seconds":        cfg.Submission.ClaimTTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	// a lease shorter than the call it guards would let a second worker in mid-flight
	if cfg.Submission.ClaimTTLSeconds <= cfg.Submission.TimeoutSeconds {
		return fmt.Errorf("submission claim ttl must exceed the submission timeout")
	}

	return nil
}

// FilePath returns the config file location under basePath.
func FilePath(basePath string) string {
	return filepath.Join(basePath, configSubdir, configFileName)
}

// Save writes the given config to <NodeDir>/config/sentinel_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <BasePath>/config/sentinel_config.json, fills
// defaults and validates it.
func Load(basePath string) (Config, error) {
	configFile := FilePath(basePath)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return &cfg, nil
}

// DatabasePath resolves the sqlite file location under the node home.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.NodeHome, "data", c.Database.Path)
}
