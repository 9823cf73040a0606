package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBalanceConfigIsValid(t *testing.T) {
	assert.NoError(t, ValidateBalanceConfig(DefaultBalanceConfig()))
}

func TestBalanceConfigWindowPrefersDevWindow(t *testing.T) {
	cfg := DefaultBalanceConfig()
	assert.Equal(t, 200*time.Millisecond, cfg.Window(true))
	assert.Equal(t, 2*time.Second, cfg.Window(false))

	cfg.DevBatchWindow = 0
	assert.Equal(t, 2*time.Second, cfg.Window(true))
}

func TestValidateBalanceConfigRejectsBrokenBreaker(t *testing.T) {
	cfg := DefaultBalanceConfig()
	cfg.Breaker.FailureWindow = 1
	assert.Error(t, ValidateBalanceConfig(cfg))

	cfg = DefaultBalanceConfig()
	cfg.MaxBatchSize = 0
	assert.Error(t, ValidateBalanceConfig(cfg))
}

func TestNewBalanceConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("balance:\n  batchWindow: 5s\n  maxBatchSize: 7\n  cacheTimeout: 90ms\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "balance.yml"), body, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("BALANCE_CONFIG_WATCH", "false")

	holder, err := NewBalanceConfigHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 5*time.Second, cfg.BatchWindow)
	assert.Equal(t, 7, cfg.MaxBatchSize)
	assert.Equal(t, 90*time.Millisecond, cfg.CacheTimeout)
	assert.Equal(t, DefaultBalanceConfig().FallbackTimeout, cfg.FallbackTimeout)
}
