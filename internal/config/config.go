package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultTCPPort       = 7855
	DefaultWebSocketPort = 7853
	DefaultMaxClients    = 64
	DefaultMaxInFlight   = 64
	MaxInFlightCeiling   = 65535
	DefaultReconnectSecs = 60
	DefaultTimeFormat    = "%F %T"

	DefaultAdmissionRate  = 20.0
	DefaultAdmissionBurst = 40

	envPrefix = "TIOPROXY"
)

// DefaultConfig returns a Config populated with the same defaults the
// original CLI documents in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:          DefaultTCPPort,
			WebSocketPort: DefaultWebSocketPort,
		},
		Client: ClientConfig{
			MaxClients:  DefaultMaxClients,
			MaxInFlight: DefaultMaxInFlight,
		},
		Hub: HubConfig{
			ID: defaultHubID(),
		},
		Reconnect: ReconnectConfig{
			GraceSeconds: DefaultReconnectSecs,
		},
		Logging: LoggingConfig{
			TimeFormat: DefaultTimeFormat,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Admission: AdmissionConfig{
			Enabled:         true,
			RatePerSecond:   DefaultAdmissionRate,
			Burst:           DefaultAdmissionBurst,
			CleanupInterval: 5 * time.Minute,
			TrustedCIDRs: []string{
				"127.0.0.0/8",
				"10.0.0.0/8",
				"172.16.0.0/12",
				"192.168.0.0/16",
			},
		},
	}
}

func defaultHubID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s.%d", host, os.Getpid())
}

// ParseFlags parses the tio-proxy CLI flags described in spec.md §6 and
// returns the resulting Config, with the positional sensor URLs in
// Config.Sensors. Every flag
// also has a TIOPROXY_* environment override bound through viper, ambient
// infrastructure the teacher always provides even though the protocol
// requires no environment variables.
func ParseFlags(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := pflag.NewFlagSet("tio-proxy", pflag.ContinueOnError)

	port := fs.IntP("port", "p", cfg.Listen.Port, "TCP listen port")
	wsPort := fs.IntP("websocket-port", "w", cfg.Listen.WebSocketPort, "WebSocket listen port")
	forward := fs.BoolP("forward", "f", cfg.Client.ForwardMode, "forward mode (single client)")
	maxClients := fs.IntP("max-clients", "c", cfg.Client.MaxClients, "max simultaneous clients in shared mode")
	maxInFlight := fs.IntP("max-rpcs", "r", cfg.Client.MaxInFlight, "max in-flight RPCs in shared mode")
	hub := fs.BoolP("hub", "h", cfg.Hub.Enabled, "hub sensor mode")
	hubID := fs.StringP("hub-id", "i", cfg.Hub.ID, "hub id")
	verbose := fs.BoolP("verbose", "v", cfg.Logging.Verbose, "verbose logging")
	ipv4Only := fs.BoolP("ipv4", "4", cfg.Listen.IPv4Only, "IPv4 only")
	timeFormat := fs.StringP("time-format", "t", cfg.Logging.TimeFormat, "strftime format for log timestamps")
	microseconds := fs.BoolP("microseconds", "u", cfg.Logging.Microseconds, "append microseconds to log timestamps")
	reconnectSecs := fs.IntP("reconnect-grace", "T", cfg.Reconnect.GraceSeconds, "sensor reconnect grace period in seconds (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	cfg.Listen.Port = firstSet(v, "port", *port)
	cfg.Listen.WebSocketPort = firstSet(v, "websocket-port", *wsPort)
	cfg.Listen.IPv4Only = firstSetBool(v, "ipv4", *ipv4Only)
	cfg.Client.ForwardMode = firstSetBool(v, "forward", *forward)
	cfg.Client.MaxClients = firstSet(v, "max-clients", *maxClients)
	cfg.Client.MaxInFlight = firstSet(v, "max-rpcs", *maxInFlight)
	if cfg.Client.MaxInFlight > MaxInFlightCeiling {
		cfg.Client.MaxInFlight = MaxInFlightCeiling
	}
	cfg.Hub.Enabled = firstSetBool(v, "hub", *hub)
	cfg.Hub.ID = firstSetString(v, "hub-id", *hubID)
	cfg.Logging.Verbose = firstSetBool(v, "verbose", *verbose)
	cfg.Logging.TimeFormat = firstSetString(v, "time-format", *timeFormat)
	cfg.Logging.Microseconds = firstSetBool(v, "microseconds", *microseconds)
	cfg.Reconnect.GraceSeconds = firstSet(v, "reconnect-grace", *reconnectSecs)

	cfg.Sensors = fs.Args()

	return cfg, cfg.Validate()
}

// firstSet prefers an explicitly-set flag or environment value over the
// pflag default, without letting an unset env var shadow a flag value.
func firstSet(v *viper.Viper, key string, flagValue int) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return flagValue
}

func firstSetBool(v *viper.Viper, key string, flagValue bool) bool {
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return flagValue
}

func firstSetString(v *viper.Viper, key string, flagValue string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return flagValue
}

// Validate checks invariants the Proxy depends on before it binds a single
// listener, matching spec.md §6's EX_USAGE exit path for bad invocation.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port %d out of range", c.Listen.Port)
	}
	if c.Hub.Enabled {
		if len(c.Sensors) == 0 {
			return fmt.Errorf("config: hub mode requires at least one sensor URL")
		}
		if len(c.Sensors) > 255 {
			return fmt.Errorf("config: hub mode supports at most 255 sensors, got %d", len(c.Sensors))
		}
	} else if len(c.Sensors) != 1 {
		return fmt.Errorf("config: direct mode requires exactly one sensor URL, got %d", len(c.Sensors))
	}
	if c.Client.MaxClients <= 0 {
		return fmt.Errorf("config: client.max_clients must be positive")
	}
	if c.Client.MaxInFlight <= 0 {
		return fmt.Errorf("config: client.max_in_flight_rpcs must be positive")
	}
	return nil
}
