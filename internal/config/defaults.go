package config

// DefaultConfigPath is the default config file location.
const DefaultConfigPath = "tagherd.toml"

// ApplyDefaults fills in zero-valued fields with working defaults.
// Called after decoding so partial config files behave predictably.
func (c *Config) ApplyDefaults() {
	if c.General.DataDir == "" {
		c.General.DataDir = "data"
	}
	if c.General.TickSeconds == 0 {
		c.General.TickSeconds = 16
	}
	if c.Fleet.ObserverList == "" {
		c.Fleet.ObserverList = "fleet/observers.csv"
	}
	if c.Fleet.TagList == "" {
		c.Fleet.TagList = "fleet/tags.csv"
	}
	if c.Fleet.TagStopList == "" {
		c.Fleet.TagStopList = "fleet/stop_tags.csv"
	}
	if c.Fleet.ObserverBlacklist == "" {
		c.Fleet.ObserverBlacklist = "fleet/blacklist.csv"
	}
	if c.Data.SampleRange == 0 {
		c.Data.SampleRange = 2
	}
	if c.Data.SampleRate == 0 {
		c.Data.SampleRate = 25
	}
	if c.Data.MaxSamplesPerPoll == 0 {
		c.Data.MaxSamplesPerPoll = 15000
	}
	if c.Data.MinSamplesPerPoll == 0 {
		c.Data.MinSamplesPerPoll = 10000
	}
	if c.Data.PosIntervalMinutes == 0 {
		c.Data.PosIntervalMinutes = 10
	}
	if c.Data.CommandTimeoutSeconds == 0 {
		c.Data.CommandTimeoutSeconds = 120
	}
	if c.Data.CollectTimeoutSeconds == 0 {
		c.Data.CollectTimeoutSeconds = 480
	}
	if c.Data.RetryMax == 0 {
		c.Data.RetryMax = 2
	}
	if c.Data.CommandsPerSecond == 0 {
		c.Data.CommandsPerSecond = 4
	}
	if c.RSSI.FetchIntervalMinutes == 0 {
		c.RSSI.FetchIntervalMinutes = 5
	}
	if c.RSSI.RecentWindowMinutes == 0 {
		c.RSSI.RecentWindowMinutes = 30
	}
	if c.RSSI.MinObsCount == 0 {
		c.RSSI.MinObsCount = 10
	}
	if c.RSSI.RatioThreshold == 0 {
		c.RSSI.RatioThreshold = 0.9
	}
}
