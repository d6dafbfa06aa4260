package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/store"
)

// Config is the YAML configuration of the broker process.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"pprof"`
	LogJSON     bool   `yaml:"log_json"`
	LogDebug    bool   `yaml:"log_debug"`

	// GuardSalt seeds the throttling identity hash. Rotating it resets
	// every caller's window; leaving it empty generates a fresh one per
	// process.
	GuardSalt string `yaml:"guard_salt"`

	Postgres store.PostgresConfig `yaml:"postgres"`

	// RedisAddr enables the shared rate-limit counters. Empty runs the
	// in-process limiter only.
	RedisAddr string `yaml:"redis_addr"`

	Epoch struct {
		Duration             time.Duration `yaml:"duration"`
		GracePeriod          time.Duration `yaml:"grace_period"`
		EntitlementTTL       time.Duration `yaml:"entitlement_ttl"`
		MaxConcurrentSigning int           `yaml:"max_concurrent_signing"`
		IssuePerWindow       int           `yaml:"issue_per_window"`
	} `yaml:"epoch"`

	Registry struct {
		HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
		RetentionTTL  time.Duration `yaml:"retention_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"registry"`

	Selection struct {
		DefaultCount int                      `yaml:"default_count"`
		MaxCount     int                      `yaml:"max_count"`
		LoadBias     float64                  `yaml:"load_bias"`
		LoadHalfLife time.Duration            `yaml:"load_half_life"`
		CohortTiers  map[string]protocol.Tier `yaml:"cohort_tiers"`
	} `yaml:"selection"`

	Limits struct {
		Window             time.Duration `yaml:"window"`
		EpochKeysPerWindow int           `yaml:"epoch_keys_per_window"`
		IssuePerWindow     int           `yaml:"issue_per_window"`
		SelectPerWindow    int           `yaml:"select_per_window"`
		HeartbeatPerWindow int           `yaml:"heartbeat_per_window"`
		ReportPerWindow    int           `yaml:"report_per_window"`
	} `yaml:"limits"`

	// ASNMap assigns autonomous system numbers to address prefixes for
	// deployments without an external lookup service.
	ASNMap map[string]uint32 `yaml:"asn_map"`
	ASNTTL time.Duration     `yaml:"asn_ttl"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainDuration  time.Duration `yaml:"drain_duration"`
}

// DefaultConfig returns a runnable local configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		ListenAddr: ":8080",
		LogJSON:    true,
	}
	cfg.Postgres = store.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "broker",
		Database: "broker",
	}
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	for prefix := range c.ASNMap {
		if _, err := netip.ParsePrefix(prefix); err != nil {
			return fmt.Errorf("asn_map key %q: %w", prefix, err)
		}
	}
	for cohort, tier := range c.Selection.CohortTiers {
		if !tier.Valid() {
			return fmt.Errorf("cohort_tiers[%q]: unknown tier %d", cohort, tier)
		}
	}
	return nil
}

// Prefixes converts the validated ASN map into parsed form.
func (c *Config) Prefixes() map[netip.Prefix]uint32 {
	out := make(map[netip.Prefix]uint32, len(c.ASNMap))
	for prefix, asn := range c.ASNMap {
		out[netip.MustParsePrefix(prefix)] = asn
	}
	return out
}
