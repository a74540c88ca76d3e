package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/sendtx/service/solana"
	"github.com/gagliardetto/solana-go/rpc"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	MetricsAddr string // worker only; the server exposes /metrics on ServerAddr

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaNetwork string // mainnet, devnet, testnet, localnet, or any label when SOLANA_RPC_URL is set
	SolanaRPCURL  string
	SolanaWSURL   string

	// Submission configuration
	SubmitTimeout       time.Duration
	RebroadcastInterval time.Duration
	ConfirmPollInterval time.Duration
	ConfirmCommitment   rpc.CommitmentType
	SkipPreflight       bool

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Retention configuration
	SubmissionRetention time.Duration // finished submissions older than this are pruned; 0 disables pruning
	PruneInterval       time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "devnet")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	cfg.SolanaWSURL = os.Getenv("SOLANA_WS_URL")
	if cfg.SolanaRPCURL == "" {
		cluster, err := solana.ClusterForNetwork(cfg.SolanaNetwork)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required for network %q", cfg.SolanaNetwork))
		} else {
			cfg.SolanaRPCURL = cluster.RPC
			if cfg.SolanaWSURL == "" {
				cfg.SolanaWSURL = cluster.WS
			}
		}
	}
	if cfg.SolanaRPCURL != "" && cfg.SolanaWSURL == "" {
		wsURL, err := solana.WebsocketURL(cfg.SolanaRPCURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOLANA_WS_URL could not be derived: %w", err))
		} else {
			cfg.SolanaWSURL = wsURL
		}
	}

	// Submission configuration
	timeout, err := parseDuration("SUBMIT_TIMEOUT", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SubmitTimeout = timeout
	}

	rebroadcast, err := parseDuration("REBROADCAST_INTERVAL", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RebroadcastInterval = rebroadcast
	}

	poll, err := parseDuration("CONFIRM_POLL_INTERVAL", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInterval = poll
	}

	commitment, err := solana.ParseCommitment(getEnvOrDefault("CONFIRM_COMMITMENT", string(rpc.CommitmentConfirmed)))
	if err != nil {
		errs = append(errs, fmt.Errorf("CONFIRM_COMMITMENT: %w", err))
	} else {
		cfg.ConfirmCommitment = commitment
	}

	skip, err := parseBool("SKIP_PREFLIGHT", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SkipPreflight = skip
	}

	// Validate intervals
	if cfg.SubmitTimeout > 0 && cfg.RebroadcastInterval >= cfg.SubmitTimeout {
		errs = append(errs, fmt.Errorf("REBROADCAST_INTERVAL (%v) must be shorter than SUBMIT_TIMEOUT (%v)",
			cfg.RebroadcastInterval, cfg.SubmitTimeout))
	}
	if cfg.SubmitTimeout > 0 && cfg.ConfirmPollInterval >= cfg.SubmitTimeout {
		errs = append(errs, fmt.Errorf("CONFIRM_POLL_INTERVAL (%v) must be shorter than SUBMIT_TIMEOUT (%v)",
			cfg.ConfirmPollInterval, cfg.SubmitTimeout))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "sendtx-submissions")

	// Retention configuration
	retention, err := parseDuration("SUBMISSION_RETENTION", "168h")
	if err != nil {
		errs = append(errs, err)
	} else if retention < 0 {
		errs = append(errs, fmt.Errorf("SUBMISSION_RETENTION cannot be negative"))
	} else {
		cfg.SubmissionRetention = retention
	}

	pruneInterval, err := parseDuration("PRUNE_INTERVAL", "1h")
	if err != nil {
		errs = append(errs, err)
	} else if pruneInterval < time.Minute {
		errs = append(errs, fmt.Errorf("PRUNE_INTERVAL (%v) must be at least 1m", pruneInterval))
	} else {
		cfg.PruneInterval = pruneInterval
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SubmitTimeout must be positive"))
	}

	if c.RebroadcastInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("RebroadcastInterval must be at least 10ms"))
	}

	if c.ConfirmPollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be at least 100ms"))
	}

	if c.SubmitTimeout > 0 && c.RebroadcastInterval >= c.SubmitTimeout {
		errs = append(errs, fmt.Errorf("RebroadcastInterval must be shorter than SubmitTimeout"))
	}

	if c.SubmitTimeout > 0 && c.ConfirmPollInterval >= c.SubmitTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be shorter than SubmitTimeout"))
	}

	if c.SubmissionRetention < 0 {
		errs = append(errs, fmt.Errorf("SubmissionRetention cannot be negative"))
	}

	if c.SubmissionRetention > 0 && c.PruneInterval < time.Minute {
		errs = append(errs, fmt.Errorf("PruneInterval must be at least 1m"))
	}

	if c.ConfirmCommitment != "" {
		if _, err := solana.ParseCommitment(string(c.ConfirmCommitment)); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// SenderOptions returns the submission options described by the configuration.
func (c *Config) SenderOptions() solana.Options {
	opts := solana.DefaultOptions()
	opts.Timeout = c.SubmitTimeout
	opts.RebroadcastInterval = c.RebroadcastInterval
	opts.PollInterval = c.ConfirmPollInterval
	opts.SkipPreflight = c.SkipPreflight
	if c.ConfirmCommitment != "" {
		opts.Commitment = c.ConfirmCommitment
	}
	return opts
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
