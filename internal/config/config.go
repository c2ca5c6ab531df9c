// Package config loads process configuration the way the teacher's
// command entrypoints do: viper reading a YAML file plus environment
// variable overrides, exposed as a typed struct instead of scattered
// viper.Get* calls sprinkled through business logic.
package config

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables from spec.md §6.
type Config struct {
	Port         string
	OwnerToken   string
	NatsURL      string
	ScoutURL     string
	DatabaseURL  string
	LogLevel     string

	Assets []string

	LeaderboardPeriod      string
	LeaderboardSelectCount int

	PriceSnapshotInterval time.Duration
	ValidationInterval    time.Duration
	AutoRepairEnabled     bool

	RingCapacity int

	PinnedAddresses []string

	UpstreamWSURL   string
	UpstreamRESTURL string
}

// Load reads configuration from configs/config.yaml (searched the same
// way cmd/binance-futures/main.go does) with environment overrides,
// then applies defaults for anything left unset.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/configs")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AutomaticEnv()

	viper.SetDefault("port", "8080")
	viper.SetDefault("nats_url", "nats://localhost:4222")
	viper.SetDefault("assets", []string{"BTC", "ETH"})
	viper.SetDefault("leaderboard_period", "day")
	viper.SetDefault("leaderboard_select_count", 50)
	viper.SetDefault("price_snapshot_interval_ms", 60_000)
	viper.SetDefault("validation_interval_ms", 5*60_000)
	viper.SetDefault("auto_repair_enabled", true)
	viper.SetDefault("ring_capacity", 5000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("upstream_ws_url", "wss://api.hyperliquid.xyz/ws")
	viper.SetDefault("upstream_rest_url", "https://api.hyperliquid.xyz")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:                   viper.GetString("port"),
		OwnerToken:             viper.GetString("owner_token"),
		NatsURL:                viper.GetString("nats_url"),
		ScoutURL:               viper.GetString("scout_url"),
		DatabaseURL:            viper.GetString("database_url"),
		LogLevel:               viper.GetString("log_level"),
		Assets:                 viper.GetStringSlice("assets"),
		LeaderboardPeriod:      viper.GetString("leaderboard_period"),
		LeaderboardSelectCount: viper.GetInt("leaderboard_select_count"),
		PriceSnapshotInterval:  time.Duration(viper.GetInt64("price_snapshot_interval_ms")) * time.Millisecond,
		ValidationInterval:     time.Duration(viper.GetInt64("validation_interval_ms")) * time.Millisecond,
		AutoRepairEnabled:      viper.GetBool("auto_repair_enabled"),
		RingCapacity:           viper.GetInt("ring_capacity"),
		PinnedAddresses:        viper.GetStringSlice("pinned_addresses"),
		UpstreamWSURL:          viper.GetString("upstream_ws_url"),
		UpstreamRESTURL:        viper.GetString("upstream_rest_url"),
	}
	return cfg, nil
}

// CheckOwnerToken performs a constant-time comparison of the bearer
// token against the configured OWNER_TOKEN, for the single admin
// mutating-endpoint auth mechanism noted (not elaborated) in spec.md §1.
func (c *Config) CheckOwnerToken(presented string) bool {
	if c.OwnerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.OwnerToken), []byte(presented)) == 1
}
