package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BalanceConfig carries the tunables of the balance engine. It is reloaded
// from balance.yml without a restart.
type BalanceConfig struct {
	BatchWindow          time.Duration `mapstructure:"batchWindow"`
	DevBatchWindow       time.Duration `mapstructure:"devBatchWindow"`
	MaxBatchSize         int           `mapstructure:"maxBatchSize"`
	DedupBucket          time.Duration `mapstructure:"dedupBucket"`
	CacheTimeout         time.Duration `mapstructure:"cacheTimeout"`
	CacheTTL             time.Duration `mapstructure:"cacheTTL"`
	FallbackTimeout      time.Duration `mapstructure:"fallbackTimeout"`
	StaleWriteRetries    int           `mapstructure:"staleWriteRetries"`
	TouchLastUsedOnZero  bool          `mapstructure:"touchLastUsedOnZero"`
	RejectOnInsufficient bool          `mapstructure:"rejectOnInsufficient"`
	Breaker              BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint          `mapstructure:"failureThreshold"`
	FailureWindow    uint          `mapstructure:"failureWindow"`
	SuccessThreshold uint          `mapstructure:"successThreshold"`
	Delay            time.Duration `mapstructure:"delay"`
}

func DefaultBalanceConfig() BalanceConfig {
	return BalanceConfig{
		BatchWindow:       2 * time.Second,
		DevBatchWindow:    200 * time.Millisecond,
		MaxBatchSize:      100,
		DedupBucket:       time.Second,
		CacheTimeout:      150 * time.Millisecond,
		CacheTTL:          24 * time.Hour,
		FallbackTimeout:   3 * time.Second,
		StaleWriteRetries: 3,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    10,
			SuccessThreshold: 2,
			Delay:            5 * time.Second,
		},
	}
}

// Window returns the batch window for the given environment.
func (c BalanceConfig) Window(dev bool) time.Duration {
	if dev && c.DevBatchWindow > 0 {
		return c.DevBatchWindow
	}
	return c.BatchWindow
}

type balanceFile struct {
	Balance BalanceConfig `mapstructure:"balance"`
}

type BalanceConfigHolder struct {
	current atomic.Value // holds BalanceConfig
}

// NewStaticBalanceConfigHolder pins a config without watching any file.
func NewStaticBalanceConfigHolder(cfg BalanceConfig) *BalanceConfigHolder {
	holder := &BalanceConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBalanceConfigHolder() (*BalanceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("balance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/balanced/config")
	v.AddConfigPath("/etc/balanced")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BALANCED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBalanceConfig()
	v.SetDefault("balance.batchWindow", defaults.BatchWindow)
	v.SetDefault("balance.devBatchWindow", defaults.DevBatchWindow)
	v.SetDefault("balance.maxBatchSize", defaults.MaxBatchSize)
	v.SetDefault("balance.dedupBucket", defaults.DedupBucket)
	v.SetDefault("balance.cacheTimeout", defaults.CacheTimeout)
	v.SetDefault("balance.cacheTTL", defaults.CacheTTL)
	v.SetDefault("balance.fallbackTimeout", defaults.FallbackTimeout)
	v.SetDefault("balance.staleWriteRetries", defaults.StaleWriteRetries)
	v.SetDefault("balance.breaker.failureThreshold", defaults.Breaker.FailureThreshold)
	v.SetDefault("balance.breaker.failureWindow", defaults.Breaker.FailureWindow)
	v.SetDefault("balance.breaker.successThreshold", defaults.Breaker.SuccessThreshold)
	v.SetDefault("balance.breaker.delay", defaults.Breaker.Delay)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	// Unmarshal merges the nested defaults, UnmarshalKey would not.
	var file balanceFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, err
	}
	if err := ValidateBalanceConfig(file.Balance); err != nil {
		return nil, err
	}

	holder := NewStaticBalanceConfigHolder(file.Balance)
	if !watch || !getenvBool("BALANCE_CONFIG_WATCH", true) {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated balanceFile
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[balance-config] reload failed: %v", err)
			return
		}
		if err := ValidateBalanceConfig(updated.Balance); err != nil {
			log.Printf("[balance-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated.Balance)
		log.Printf("[balance-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BalanceConfigHolder) Get() BalanceConfig {
	return h.current.Load().(BalanceConfig)
}

func ValidateBalanceConfig(cfg BalanceConfig) error {
	if cfg.BatchWindow <= 0 {
		return errors.New("balance.batchWindow must be positive")
	}
	if cfg.MaxBatchSize <= 0 {
		return errors.New("balance.maxBatchSize must be positive")
	}
	if cfg.DedupBucket <= 0 {
		return errors.New("balance.dedupBucket must be positive")
	}
	if cfg.CacheTimeout <= 0 || cfg.FallbackTimeout <= 0 {
		return errors.New("balance timeouts must be positive")
	}
	if cfg.StaleWriteRetries < 0 {
		return errors.New("balance.staleWriteRetries cannot be negative")
	}
	if cfg.Breaker.FailureThreshold == 0 || cfg.Breaker.FailureWindow < cfg.Breaker.FailureThreshold {
		return errors.New("balance.breaker thresholds are inconsistent")
	}
	return nil
}
