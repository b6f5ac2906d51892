package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// PostgresConfiguration for the store pool and the LISTEN connection
type PostgresConfiguration struct {
	DSN     string `toml:"dsn"`
	Channel string `toml:"channel"` // NOTIFY channel emitted by the readings triggers
}

// HTTPConfiguration for the REST + websocket server
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// RealtimeConfiguration controls websocket session behavior
type RealtimeConfiguration struct {
	SendBuffer     int `toml:"send_buffer"`      // Per-connection outbound buffer (records)
	ReadLimitBytes int `toml:"read_limit_bytes"` // Max inbound frame size
	PingIntervalS  int `toml:"ping_interval_seconds"`
}

// AuthConfiguration for connection credentials
type AuthConfiguration struct {
	Secret     string   `toml:"secret"`     // HMAC signing secret; empty disables auth
	Algorithms []string `toml:"algorithms"` // Allowed JWT signing algorithms
}

// BridgeConfiguration controls the notification listener
type BridgeConfiguration struct {
	RetryInitialMS int `toml:"retry_initial_ms"`
	RetryMaxMS     int `toml:"retry_max_ms"`
}

// SinkConfiguration describes one egress destination for change records
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"` // "nats", "kafka" or "log"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	FilterPlants []string `toml:"filter_plants"` // Glob patterns; empty matches all
	Buffer       int      `toml:"buffer"`
	RetryInitMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS   int      `toml:"retry_max_ms"`
	MaxRetries   int      `toml:"max_retries"` // Publish attempts per record before dropping
}

// SnapshotConfiguration controls the REST snapshot endpoints
type SnapshotConfiguration struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Postgres   PostgresConfiguration   `toml:"postgres"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Realtime   RealtimeConfiguration   `toml:"realtime"`
	Auth       AuthConfiguration       `toml:"auth"`
	Bridge     BridgeConfiguration     `toml:"bridge"`
	Snapshot   SnapshotConfiguration   `toml:"snapshot"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
	PostgresFlag   = flag.String("postgres", "", "Postgres DSN (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Postgres: PostgresConfiguration{
		DSN:     "postgres://localhost:5432/gridfeed",
		Channel: "readings_channel",
	},

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        4000,
	},

	Realtime: RealtimeConfiguration{
		SendBuffer:     64,
		ReadLimitBytes: 4096,
		PingIntervalS:  30,
	},

	Auth: AuthConfiguration{
		Algorithms: []string{"HS256"},
	},

	Bridge: BridgeConfiguration{
		RetryInitialMS: 1000,
		RetryMaxMS:     30000,
	},

	Snapshot: SnapshotConfiguration{
		DefaultLimit: 500,
		MaxLimit:     2000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *PostgresFlag != "" {
		Config.Postgres.DSN = *PostgresFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("gridfeed")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.Postgres.DSN == "" {
		return fmt.Errorf("postgres DSN is required")
	}

	if Config.Postgres.Channel == "" {
		return fmt.Errorf("postgres notify channel is required")
	}

	if Config.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime send buffer must be >= 1")
	}

	if Config.Realtime.ReadLimitBytes < 256 {
		return fmt.Errorf("realtime read limit must be >= 256 bytes")
	}

	if Config.Realtime.PingIntervalS < 1 {
		return fmt.Errorf("realtime ping interval must be >= 1s")
	}

	if Config.Auth.Secret != "" && len(Config.Auth.Algorithms) == 0 {
		return fmt.Errorf("auth requires at least one allowed algorithm")
	}

	if Config.Bridge.RetryInitialMS < 1 {
		return fmt.Errorf("bridge retry initial must be >= 1ms")
	}

	if Config.Bridge.RetryMaxMS < Config.Bridge.RetryInitialMS {
		return fmt.Errorf("bridge retry max must be >= retry initial")
	}

	if Config.Snapshot.DefaultLimit < 1 {
		return fmt.Errorf("snapshot default limit must be >= 1")
	}

	if Config.Snapshot.MaxLimit < Config.Snapshot.DefaultLimit {
		return fmt.Errorf("snapshot max limit must be >= default limit")
	}

	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires at least one broker", sink.Name)
			}
		case "log":
		default:
			return fmt.Errorf("sink %q: unknown sink type %q", sink.Name, sink.Type)
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
