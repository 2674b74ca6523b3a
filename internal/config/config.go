// Package config loads the egress daemon's runtime configuration from
// environment variables (with an optional .env file for local
// development), validates it, and exposes it for structured logging.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the egress daemon needs beyond what's
// baked into pkg/egress as spec constants.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Daemon basics
	ListenAddr  string `env:"EGRESS_LISTEN_ADDR" envDefault:":9001"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Fleet capacity
	MaxClients int `env:"EGRESS_MAX_CLIENTS" envDefault:"2000"`

	// Per-client egress tunables (egress.ClientConfig defaults)
	PrimUpdatesPerCallback int64  `env:"EGRESS_PRIM_UPDATES_PER_CALLBACK" envDefault:"100"`
	QueueEmptyLowWater     int64  `env:"EGRESS_QUEUE_EMPTY_LOW_WATER" envDefault:"100"`
	EmptyTickThreshold     int32  `env:"EGRESS_EMPTY_TICK_THRESHOLD" envDefault:"10"`
	PromotionMask          uint32 `env:"EGRESS_PROMOTION_MASK" envDefault:"1"`

	// RFC 2988 RTT/RTO tunables
	DefaultRTOMillis     int64 `env:"EGRESS_DEFAULT_RTO_MS" envDefault:"1000"`
	MaxRTOMillis         int64 `env:"EGRESS_MAX_RTO_MS" envDefault:"60000"`
	TickResolutionMillis int64 `env:"EGRESS_TICK_RESOLUTION_MS" envDefault:"100"`

	// Fleet admission-control thresholds (container-aware CPU percent)
	CPURejectThreshold float64 `env:"EGRESS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"EGRESS_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Rate limits enforced by internal/fleet.ResourceGuard
	MaxProduceNotifyRate int `env:"EGRESS_MAX_PRODUCE_NOTIFY_RATE" envDefault:"200"`
	MaxConnectRate       int `env:"EGRESS_MAX_CONNECT_RATE" envDefault:"50"`

	// Monitoring
	MetricsAddr     string        `env:"EGRESS_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"EGRESS_METRICS_INTERVAL" envDefault:"15s"`

	// Producer bus
	NATSUrl           string `env:"EGRESS_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSSubjectPrefix string `env:"EGRESS_NATS_SUBJECT_PREFIX" envDefault:"egress"`
	KafkaBrokers      string `env:"EGRESS_KAFKA_BROKERS" envDefault:""`
	KafkaTopic        string `env:"EGRESS_KAFKA_TOPIC" envDefault:"world-state"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > struct defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; production deployments set env vars directly.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("EGRESS_LISTEN_ADDR is required")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("EGRESS_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("EGRESS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("EGRESS_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("EGRESS_CPU_PAUSE_THRESHOLD (%.1f) must be >= EGRESS_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable configuration summary to stdout, for
// startup logs before a structured logger exists.
func (c *Config) Print() {
	fmt.Println("=== Egress Daemon Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Listen Addr:     %s\n", c.ListenAddr)
	fmt.Printf("Max Clients:     %d\n", c.MaxClients)
	fmt.Println("\n=== Safety Thresholds ===")
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Printf("CPU Pause:       %.1f%%\n", c.CPUPauseThreshold)
	fmt.Println("\n=== Producer Bus ===")
	fmt.Printf("NATS URL:        %s\n", c.NATSUrl)
	fmt.Printf("Kafka Brokers:   %s\n", c.KafkaBrokers)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("====================================")
}

// LogConfig emits the configuration as a single structured log event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("listen_addr", c.ListenAddr).
		Int("max_clients", c.MaxClients).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("nats_url", c.NATSUrl).
		Str("kafka_brokers", c.KafkaBrokers).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("egress daemon configuration loaded")
}

// ClientTunables extracts the subset of Config that feeds
// egress.ClientConfig's fields, keeping pkg/egress free of a direct
// dependency on internal/config.
func (c *Config) ClientTunables() (primUpdates, lowWater int64, emptyTick int32, promotionMask uint32,
	defaultRTO, maxRTO, tickResolution time.Duration) {
	return c.PrimUpdatesPerCallback, c.QueueEmptyLowWater, c.EmptyTickThreshold, c.PromotionMask,
		time.Duration(c.DefaultRTOMillis) * time.Millisecond,
		time.Duration(c.MaxRTOMillis) * time.Millisecond,
		time.Duration(c.TickResolutionMillis) * time.Millisecond
}
