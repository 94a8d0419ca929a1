package config

// Package config provides a reusable loader for spheresync configuration
// files and environment variables. Gateway, timeout, cache, breaker, write and
// subscription values map onto core.Options; anything left unset falls
// through to the engine defaults. state_dir is not an engine option (the CLI
// reads it to pick the file-backed chain-state store), and logging.level is
// loaded but not applied anywhere.

import (
	"time"

	"github.com/spf13/viper"

	"spheresync/core"
	"spheresync/pkg/utils"
)

// Config mirrors the structure of the YAML files a deployment ships.
type Config struct {
	Gateways []string `mapstructure:"gateways" json:"gateways"`

	Timeouts struct {
		FetchMs        int `mapstructure:"fetch_ms" json:"fetch_ms"`
		ResolveMs      int `mapstructure:"resolve_ms" json:"resolve_ms"`
		PublishMs      int `mapstructure:"publish_ms" json:"publish_ms"`
		ConnectivityMs int `mapstructure:"connectivity_ms" json:"connectivity_ms"`
	} `mapstructure:"timeouts" json:"timeouts"`

	Cache struct {
		RecordTTLMs        int `mapstructure:"record_ttl_ms" json:"record_ttl_ms"`
		KnownFreshWindowMs int `mapstructure:"known_fresh_window_ms" json:"known_fresh_window_ms"`
	} `mapstructure:"cache" json:"cache"`

	Breaker struct {
		Threshold  int `mapstructure:"threshold" json:"threshold"`
		CooldownMs int `mapstructure:"cooldown_ms" json:"cooldown_ms"`
	} `mapstructure:"breaker" json:"breaker"`

	Write struct {
		FlushDebounceMs int `mapstructure:"flush_debounce_ms" json:"flush_debounce_ms"`
	} `mapstructure:"write" json:"write"`

	Subscription struct {
		Enabled        bool   `mapstructure:"enabled" json:"enabled"`
		WSURL          string `mapstructure:"ws_url" json:"ws_url"`
		FallbackPollMs int    `mapstructure:"fallback_poll_ms" json:"fallback_poll_ms"`
	} `mapstructure:"subscription" json:"subscription"`

	StateDir string `mapstructure:"state_dir" json:"state_dir"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads the named config file (empty searches for spheresync.yaml in ./
// and then ./config/) plus SPHERESYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spheresync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}
	v.SetEnvPrefix("SPHERESYNC")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
		// No file: environment and defaults only.
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, utils.Wrap(err, "decode config")
	}

	if len(cfg.Gateways) == 0 {
		cfg.Gateways = utils.EnvOrDefaultList("SPHERESYNC_GATEWAYS", nil)
	}
	return cfg, nil
}

// Options converts the file representation into engine options.
func (c *Config) Options() core.Options {
	o := core.Options{
		Gateways:             c.Gateways,
		FetchTimeout:         ms(c.Timeouts.FetchMs),
		ResolveTimeout:       ms(c.Timeouts.ResolveMs),
		PublishTimeout:       ms(c.Timeouts.PublishMs),
		ConnectivityTimeout:  ms(c.Timeouts.ConnectivityMs),
		RecordCacheTTL:       ms(c.Cache.RecordTTLMs),
		KnownFreshWindow:     ms(c.Cache.KnownFreshWindowMs),
		BreakerThreshold:     c.Breaker.Threshold,
		BreakerCooldown:      ms(c.Breaker.CooldownMs),
		FlushDebounce:        ms(c.Write.FlushDebounceMs),
		FallbackPollInterval: ms(c.Subscription.FallbackPollMs),
		WSURL:                c.Subscription.WSURL,
	}
	if c.Subscription.Enabled {
		o.CreateWebSocket = core.DefaultWebSocketFactory
	}
	return o
}

func ms(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
