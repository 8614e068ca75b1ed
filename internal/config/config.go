// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Network describes one chain the coordinator watches.
type Network struct {
	Name          string
	RPCURL        string
	BridgeAddress string
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	Networks   []Network
	PrivateKey string // Hex-encoded, 0x prefix optional

	// Attestation oracle
	AttestationURL string // Base URL of the off-chain attestation service

	// Tracing
	OTLPEndpoint string

	// Coordinator tuning
	TailInterval     time.Duration // event poll interval per network
	DispatchInterval time.Duration // pending-set dispatch interval
	SweepInterval    time.Duration // expiry sweep interval
	FinalizeAttempts int           // finalization polls before giving up
	FinalizeDelay    time.Duration // delay between finalization polls
	LookbackBlocks   uint64        // blocks re-scanned on startup
	GasSafetyFactor  float64       // gas estimate multiplier for settle txs
}

// BlockDAG Testnet defaults
const (
	DefaultNetwork       = "blockdag-testnet"
	DefaultRPCURL        = "https://rpc.primordial.bdagscan.com/"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultGasSafety     = 1.5
	DefaultFinalizeTries = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PrivateKey:       os.Getenv("EVM_PRIVATE_KEY"),
		AttestationURL:   os.Getenv("ATTESTATION_API_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TailInterval:     getEnvDuration("TAIL_INTERVAL", 5*time.Second),
		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", 2*time.Second),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		FinalizeAttempts: int(getEnvInt64("FINALIZE_ATTEMPTS", DefaultFinalizeTries)),
		FinalizeDelay:    getEnvDuration("FINALIZE_DELAY", 5*time.Second),
		LookbackBlocks:   uint64(getEnvInt64("LOOKBACK_BLOCKS", 5)),
		GasSafetyFactor:  getEnvFloat("GAS_SAFETY_FACTOR", DefaultGasSafety),
	}

	cfg.Networks = loadNetworks()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadNetworks builds the network list from NETWORKS (comma-separated names)
// plus per-network RPC_URL_<NAME> and BRIDGE_ADDRESS_<NAME> variables, where
// <NAME> is the network name uppercased with dashes replaced by underscores.
func loadNetworks() []Network {
	names := strings.Split(getEnv("NETWORKS", DefaultNetwork), ",")

	var nets []Network
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := envKey(name)
		rpc := os.Getenv("RPC_URL_" + key)
		if rpc == "" && name == DefaultNetwork {
			rpc = getEnv("RPC_URL", DefaultRPCURL)
		}
		addr := os.Getenv("BRIDGE_ADDRESS_" + key)
		if addr == "" {
			addr = os.Getenv("BRIDGE_ADDRESS")
		}
		nets = append(nets, Network{Name: name, RPCURL: rpc, BridgeAddress: addr})
	}
	return nets
}

func envKey(network string) string {
	return strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("EVM_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("EVM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	for _, n := range c.Networks {
		if n.RPCURL == "" {
			return fmt.Errorf("RPC URL for network %s is required", n.Name)
		}
		if n.BridgeAddress == "" {
			return fmt.Errorf("bridge contract address for network %s is required", n.Name)
		}
	}

	if c.GasSafetyFactor < 1.0 {
		return fmt.Errorf("GAS_SAFETY_FACTOR must be >= 1.0")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
