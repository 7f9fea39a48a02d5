package config

import "time"

// Config holds the Proxy's full runtime configuration, assembled from CLI
// flags (see internal/config/config.go) with optional TIOPROXY_ environment
// overrides bound on top by viper.
type Config struct {
	Listen      ListenConfig      `mapstructure:"listen"`
	Client      ClientConfig      `mapstructure:"client"`
	Hub         HubConfig         `mapstructure:"hub"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Sensors     []string          `mapstructure:"sensors"`
	Engineering EngineeringConfig `mapstructure:"engineering"`
}

// ListenConfig holds the Proxy's accept-side network configuration.
type ListenConfig struct {
	Port          int  `mapstructure:"port"`
	WebSocketPort int  `mapstructure:"websocket_port"`
	IPv4Only      bool `mapstructure:"ipv4_only"`
}

// ClientConfig holds per-run client-admission limits (spec.md §4.8, §6).
type ClientConfig struct {
	ForwardMode  bool `mapstructure:"forward_mode"`
	MaxClients   int  `mapstructure:"max_clients"`
	MaxInFlight  int  `mapstructure:"max_in_flight_rpcs"`
}

// HubConfig holds hub-sensor-mode configuration (spec.md §4.5).
type HubConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	ID      string `mapstructure:"id"`
}

// ReconnectConfig holds the sensor reconnect grace period (spec.md §4.3, §6).
type ReconnectConfig struct {
	GraceSeconds int `mapstructure:"grace_seconds"`
}

// LoggingConfig holds diagnostic log configuration (spec.md §4.9, §6).
type LoggingConfig struct {
	Verbose      bool   `mapstructure:"verbose"`
	TimeFormat   string `mapstructure:"time_format"`
	Microseconds bool   `mapstructure:"microseconds"`
	LogDir       string `mapstructure:"log_dir"`
	FileOutput   bool   `mapstructure:"file_output"`
	MaxSize      int    `mapstructure:"max_size_mb"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAge       int    `mapstructure:"max_age_days"`
}

// AdmissionConfig holds the additive per-source-IP connection admission
// control described in SPEC_FULL.md (not part of the original protocol).
type AdmissionConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
	TrustedCIDRs      []string      `mapstructure:"trusted_cidrs"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats bool `mapstructure:"show_nerdstats"`
	PprofAddr     string `mapstructure:"pprof_addr"`
}
