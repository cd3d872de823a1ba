package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("P402_TREASURY_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("P402_ASSET_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	t.Setenv("P402_POLL_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8402", cfg.ListenAddr)
	assert.Equal(t, ":9402", cfg.MetricsAddr)
	assert.Equal(t, "p402.db", cfg.DatabasePath)
	assert.Equal(t, int64(8453), cfg.ChainID.Int64())
	assert.Equal(t, uint64(1), cfg.MinConfirmations)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("P402_LISTEN_ADDR", ":9000")
	t.Setenv("P402_CHAIN_ID", "84532")
	t.Setenv("P402_MIN_CONFIRMATIONS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, int64(84532), cfg.ChainID.Int64())
	assert.Equal(t, uint64(6), cfg.MinConfirmations)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("P402_TREASURY_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
}
