// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
)

// Config is the service configuration.
type Config struct {
	// ListenAddr is the API bind address.
	ListenAddr string

	// MetricsAddr is the prometheus bind address.
	MetricsAddr string

	// DatabasePath is the sqlite database file.
	DatabasePath string

	// ChainID is the EVM chain the exact scheme settles on.
	ChainID *big.Int

	// ChainRPCURL is the JSON-RPC endpoint used by onchain verification.
	ChainRPCURL string

	// AssetAddress is the token contract whose EIP-712 domain payers sign
	// under (USDC).
	AssetAddress string

	// TreasuryAddress receives every settlement.
	TreasuryAddress string

	// MinConfirmations is the finality depth for onchain verification.
	MinConfirmations uint64

	// PollToken is the shared-secret bearer token guarding the scheduler
	// trigger.
	PollToken string
}

// Load reads configuration from the environment, applying defaults for
// everything but the fields that have no safe default.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getenv("P402_LISTEN_ADDR", ":8402"),
		MetricsAddr:      getenv("P402_METRICS_ADDR", ":9402"),
		DatabasePath:     getenv("P402_DB_PATH", "p402.db"),
		ChainRPCURL:      getenv("P402_CHAIN_RPC_URL", "https://mainnet.base.org"),
		AssetAddress:     os.Getenv("P402_ASSET_ADDRESS"),
		TreasuryAddress:  os.Getenv("P402_TREASURY_ADDRESS"),
		PollToken:        os.Getenv("P402_POLL_TOKEN"),
		MinConfirmations: 1,
	}

	chainID, err := strconv.ParseInt(getenv("P402_CHAIN_ID", "8453"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid P402_CHAIN_ID: %w", err)
	}
	cfg.ChainID = big.NewInt(chainID)

	if v := os.Getenv("P402_MIN_CONFIRMATIONS"); v != "" {
		depth, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid P402_MIN_CONFIRMATIONS: %w", err)
		}
		cfg.MinConfirmations = depth
	}

	if cfg.TreasuryAddress == "" {
		return nil, fmt.Errorf("P402_TREASURY_ADDRESS is required")
	}
	if cfg.AssetAddress == "" {
		return nil, fmt.Errorf("P402_ASSET_ADDRESS is required")
	}
	if cfg.PollToken == "" {
		return nil, fmt.Errorf("P402_POLL_TOKEN is required")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
