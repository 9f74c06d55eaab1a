// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is loaded once at startup
// and passed by value or pointer into constructors; nothing mutates it after
// Load returns.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // optional; rotated by lumberjack when set

	// Storage
	DatabaseURL string // PostgreSQL for gift records (optional, in-memory if not set)
	AutoMigrate bool   // apply embedded migrations at startup
	LedgerPath  string // bbolt file for the local escrow ledger (optional, in-memory if not set)

	// Escrow chain. When RPCURL is empty the relayer runs against the
	// in-process escrow ledger.
	RPCURL         string
	ChainID        int64
	EscrowContract string
	USDCContract   string
	DeployBlock    int64 // first block scanned for escrow contract logs

	// Relayer key: owns the custodial address and signs settlement
	// instructions unless SettlementKey is set.
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	SettlementKey string

	// Trading ledger. When TradingAPIURL is empty an in-process trading
	// ledger is used.
	TradingAPIURL         string
	TradingDepositAddress string
	TradingChainID        int64
	TradingDomainName     string
	TradingAsset          string

	// Bridge status API. When empty, every source transfer is reported DONE
	// (same-chain funding in development).
	BridgeStatusURL string

	// Intake API keys ("name:sk_..." comma separated) for POST /v1/gifts
	IntakeAPIKeys string

	// Orchestration
	CallTimeout        time.Duration
	LeaseTTL           time.Duration
	StaleCreating      time.Duration
	SweepInterval      time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	AlertAfterAttempts int
	ClaimsPerMinute    int

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultChainID            = 84532                                        // Base Sepolia
	DefaultUSDCContract       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultTradingChainID     = 421614 // Arbitrum Sepolia, the settlement signature domain
	DefaultTradingDomainName  = "TradingLedgerSettlement"
	DefaultTradingAsset       = "USDC"
	DefaultCallTimeout        = 20 * time.Second
	DefaultLeaseTTL           = 5 * time.Minute
	DefaultStaleCreating      = 2 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultRetryBaseDelay     = 30 * time.Second
	DefaultRetryMaxDelay      = time.Hour
	DefaultAlertAfterAttempts = 8
	DefaultClaimsPerMinute    = 30
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:               os.Getenv("LOG_FILE"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		LedgerPath:            os.Getenv("LEDGER_PATH"),
		RPCURL:                os.Getenv("RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:        os.Getenv("ESCROW_CONTRACT"),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		DeployBlock:           getEnvInt64("ESCROW_DEPLOY_BLOCK", 0),
		PrivateKey:            os.Getenv("PRIVATE_KEY"),
		SettlementKey:         os.Getenv("SETTLEMENT_KEY"),
		TradingAPIURL:         os.Getenv("TRADING_API_URL"),
		TradingDepositAddress: os.Getenv("TRADING_DEPOSIT_ADDRESS"),
		TradingChainID:        getEnvInt64("TRADING_CHAIN_ID", DefaultTradingChainID),
		TradingDomainName:     getEnv("TRADING_DOMAIN_NAME", DefaultTradingDomainName),
		TradingAsset:          getEnv("TRADING_ASSET", DefaultTradingAsset),
		BridgeStatusURL:       os.Getenv("BRIDGE_STATUS_URL"),
		IntakeAPIKeys:         os.Getenv("INTAKE_API_KEYS"),
		CallTimeout:           getEnvDuration("CALL_TIMEOUT", DefaultCallTimeout),
		LeaseTTL:              getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
		StaleCreating:         getEnvDuration("STALE_CREATING", DefaultStaleCreating),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		RetryBaseDelay:        getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		RetryMaxDelay:         getEnvDuration("RETRY_MAX_DELAY", DefaultRetryMaxDelay),
		AlertAfterAttempts:    int(getEnvInt64("ALERT_AFTER_ATTEMPTS", DefaultAlertAfterAttempts)),
		ClaimsPerMinute:       int(getEnvInt64("CLAIMS_PER_MINUTE", DefaultClaimsPerMinute)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks formats of what is present. Missing relayer settings are
// tolerated outside production: claims then fail with a misconfiguration
// error instead of the process refusing to start.
func (c *Config) Validate() error {
	for name, key := range map[string]string{"PRIVATE_KEY": c.PrivateKey, "SETTLEMENT_KEY": c.SettlementKey} {
		if key == "" {
			continue
		}
		if len(strings.TrimPrefix(key, "0x")) != 64 {
			return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
		}
	}

	for name, addr := range map[string]string{
		"ESCROW_CONTRACT":         c.EscrowContract,
		"USDC_CONTRACT":           c.USDCContract,
		"TRADING_DEPOSIT_ADDRESS": c.TradingDepositAddress,
	} {
		if addr != "" && !addressPattern.MatchString(addr) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
		}
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.LeaseTTL < 4*c.CallTimeout {
		return fmt.Errorf("LEASE_TTL must be at least 4x CALL_TIMEOUT")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY > 0")
	}

	if c.IsProduction() {
		switch {
		case c.PrivateKey == "":
			return fmt.Errorf("PRIVATE_KEY is required in production")
		case c.RPCURL == "" || c.EscrowContract == "":
			return fmt.Errorf("RPC_URL and ESCROW_CONTRACT are required in production")
		case c.TradingAPIURL == "" || c.TradingDepositAddress == "":
			return fmt.Errorf("TRADING_API_URL and TRADING_DEPOSIT_ADDRESS are required in production")
		case c.DatabaseURL == "":
			return fmt.Errorf("DATABASE_URL is required in production")
		case c.IntakeAPIKeys == "":
			return fmt.Errorf("INTAKE_API_KEYS is required in production")
		}
	}

	return nil
}

// SigningKey returns the key used for settlement signatures.
func (c *Config) SigningKey() string {
	if c.SettlementKey != "" {
		return c.SettlementKey
	}
	return c.PrivateKey
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
