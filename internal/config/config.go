// Package config provides TOML configuration file loading for the coordinator.
// The configuration file lives at ./tagherd.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over
// file values.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the coordinator configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	General General `toml:"general"`
	Fleet   Fleet   `toml:"fleet"`
	Data    Data    `toml:"data"`
	RSSI    RSSI    `toml:"rssi"`
	Status  Status  `toml:"status"`
}

// General holds process-wide settings.
type General struct {
	// DataDir is the directory for the database and sample files.
	// Default: ./data
	DataDir string `toml:"data_dir"`

	// TimerMinutes bounds the total run time. Zero means run until
	// interrupted.
	TimerMinutes int `toml:"timer_minutes"`

	// TickSeconds is the scheduling tick cadence.
	// Default: 16
	TickSeconds int `toml:"tick_seconds"`

	// LogFile redirects log output when set. Empty means stderr.
	LogFile string `toml:"log_file"`
}

// Fleet holds the roster file locations. The stop list and blacklist
// are re-read on every access so they can be edited while the
// coordinator is running.
type Fleet struct {
	// ObserverList is a CSV file with Host,IP columns.
	ObserverList string `toml:"observer_list"`

	// TagList is a CSV file with a tag column of hardware addresses.
	TagList string `toml:"tag_list"`

	// TagStopList is a CSV file of tags whose recording should stop.
	TagStopList string `toml:"tag_stop_list"`

	// ObserverBlacklist is a CSV file of observers to avoid.
	ObserverBlacklist string `toml:"observer_blacklist"`

	// Discover enables mDNS discovery of relay nodes, merged with the
	// static observer list. Default: false
	Discover bool `toml:"discover"`
}

// Data holds sampling and collection parameters.
type Data struct {
	// SampleRange is the accelerometer range passed to StartRecord and
	// CollectData. Default: 2
	SampleRange int `toml:"sample_range"`

	// SampleRate is the sampling rate passed to StartRecord. Default: 25
	SampleRate int `toml:"sample_rate"`

	// MaxSamplesPerPoll caps a single data pull. Default: 15000
	MaxSamplesPerPoll int `toml:"max_samples_per_poll"`

	// MinSamplesPerPoll is the minimum backlog before a pull is worth
	// scheduling. Default: 10000
	MinSamplesPerPoll int `toml:"min_samples_per_poll"`

	// PosIntervalMinutes is how stale a tag's position may get before a
	// refresh poll is scheduled. Default: 10
	PosIntervalMinutes int `toml:"pos_interval_minutes"`

	// CommandTimeoutSeconds bounds start/stop/pos commands. Default: 120
	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`

	// CollectTimeoutSeconds bounds bulk data pulls. Default: 480
	CollectTimeoutSeconds int `toml:"collect_timeout_seconds"`

	// RetryMax is the number of retries for transient transport
	// failures per command. Default: 2
	RetryMax int `toml:"retry_max"`

	// CommandsPerSecond throttles commands sent to a single relay so a
	// burst of scheduled work cannot saturate its radio. Zero disables
	// the throttle. Default: 4
	CommandsPerSecond float64 `toml:"commands_per_second"`
}

// RSSI holds signal-strength ledger parameters.
type RSSI struct {
	// FetchIntervalMinutes is the ledger refresh cadence. Default: 5
	FetchIntervalMinutes int `toml:"fetch_interval_minutes"`

	// RecentWindowMinutes is how far back observations count toward
	// relay selection. Default: 30
	RecentWindowMinutes int `toml:"recent_window_minutes"`

	// MinObsCount is the minimum number of recent observations a relay
	// needs before it can be selected for a tag. Default: 10
	MinObsCount int `toml:"min_obs_count"`

	// RatioThreshold defines the candidate set: relays whose average
	// signal strength is within this ratio of the best. Must be in
	// (0, 1). Default: 0.9
	RatioThreshold float64 `toml:"ratio_threshold"`
}

// Status holds the optional live status endpoint settings.
type Status struct {
	// Addr is the host:port for the read-only status WebSocket server.
	// Empty disables the endpoint.
	Addr string `toml:"addr"`
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (./tagherd.toml). Returns defaults without error if it doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		path = DefaultConfigPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler cannot work with.
func (c *Config) Validate() error {
	if c.RSSI.RatioThreshold <= 0 || c.RSSI.RatioThreshold >= 1 {
		return fmt.Errorf("rssi.ratio_threshold must be in (0, 1), got %v", c.RSSI.RatioThreshold)
	}
	if c.Data.MinSamplesPerPoll > c.Data.MaxSamplesPerPoll {
		return fmt.Errorf("data.min_samples_per_poll (%d) exceeds max_samples_per_poll (%d)",
			c.Data.MinSamplesPerPoll, c.Data.MaxSamplesPerPoll)
	}
	if c.Fleet.ObserverList == "" {
		return fmt.Errorf("fleet.observer_list is required")
	}
	if c.Fleet.TagList == "" {
		return fmt.Errorf("fleet.tag_list is required")
	}
	return nil
}
