// Package config loads replicad settings. Defaults come from Default, a YAML
// file overrides them and REPLICA_* environment variables override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/amerkoleci/rbfx/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "REPLICA_"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Prefabs string        `yaml:"prefabs" env:"PREFABS"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Client  ClientConfig  `yaml:"client" envPrefix:"CLIENT_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

type ServerConfig struct {
	HTTPAddr        string     `yaml:"http_addr" env:"HTTP_ADDR"`
	QUICAddr        string     `yaml:"quic_addr" env:"QUIC_ADDR"`
	TickRate        int        `yaml:"tick_rate" env:"TICK_RATE"`
	CatchupMaxTicks int        `yaml:"catchup_max_ticks" env:"CATCHUP_MAX_TICKS"`
	MaxDatagramSize int        `yaml:"max_datagram_size" env:"MAX_DATAGRAM_SIZE"`
	InboxCapacity   int        `yaml:"inbox_capacity" env:"INBOX_CAPACITY"`
	QueueDepth      int        `yaml:"queue_depth" env:"QUEUE_DEPTH"`
	Avatar          string     `yaml:"avatar" env:"AVATAR"`
	Demo            DemoConfig `yaml:"demo" envPrefix:"DEMO_"`
}

// DemoConfig spawns moving objects so a fresh server has something to
// replicate.
type DemoConfig struct {
	Prefab string  `yaml:"prefab" env:"PREFAB"`
	Count  int     `yaml:"count" env:"COUNT"`
	Radius float64 `yaml:"radius" env:"RADIUS"`
	Speed  float64 `yaml:"speed" env:"SPEED"`
	Marker string  `yaml:"marker" env:"MARKER"`
}

type ClientConfig struct {
	URL                string        `yaml:"url" env:"URL"`
	Insecure           bool          `yaml:"insecure" env:"INSECURE"`
	InterpolationDelay float64       `yaml:"interpolation_delay" env:"INTERPOLATION_DELAY"`
	ResyncCooldown     int           `yaml:"resync_cooldown" env:"RESYNC_COOLDOWN"`
	FrameRate          int           `yaml:"frame_rate" env:"FRAME_RATE"`
	ReportInterval     time.Duration `yaml:"report_interval" env:"REPORT_INTERVAL"`
}

type LoggingConfig struct {
	Sinks         []string      `yaml:"sinks" env:"SINKS" envSeparator:","`
	MinSeverity   string        `yaml:"min_severity" env:"MIN_SEVERITY"`
	BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	JSONPath      string        `yaml:"json_path" env:"JSON_PATH"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Prefabs: "configs/prefabs.yaml",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			QUICAddr:        ":4443",
			TickRate:        30,
			CatchupMaxTicks: 3,
			MaxDatagramSize: 1200,
			InboxCapacity:   1024,
			QueueDepth:      256,
			Avatar:          "avatar",
			Demo: DemoConfig{
				Prefab: "crate",
				Count:  4,
				Radius: 5,
				Speed:  0.5,
				Marker: "marker",
			},
		},
		Client: ClientConfig{
			URL:                "ws://127.0.0.1:8080/ws",
			InterpolationDelay: 2,
			ResyncCooldown:     30,
			FrameRate:          60,
			ReportInterval:     time.Second,
		},
		Logging: LoggingConfig{
			Sinks:         []string{"console"},
			MinSeverity:   "info",
			BufferSize:    512,
			FlushInterval: 2 * time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv overlays REPLICA_* variables onto cfg.
func ParseEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.tick_rate must be positive", ErrInvalid))
	}
	if c.Server.MaxDatagramSize < 64 {
		errs = append(errs, fmt.Errorf("%w: server.max_datagram_size must be at least 64", ErrInvalid))
	}
	if c.Server.Demo.Count < 0 {
		errs = append(errs, fmt.Errorf("%w: server.demo.count must not be negative", ErrInvalid))
	}
	if c.Client.InterpolationDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: client.interpolation_delay must not be negative", ErrInvalid))
	}
	if c.Client.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: client.frame_rate must be positive", ErrInvalid))
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json", "memory":
		default:
			errs = append(errs, fmt.Errorf("%w: unknown log sink %q", ErrInvalid, sink))
		}
	}
	return errors.Join(errs...)
}

// Router converts the logging section for logging.NewRouter.
func (l LoggingConfig) Router() logging.Config {
	cfg := logging.DefaultConfig()
	if len(l.Sinks) > 0 {
		cfg.Sinks = append([]string(nil), l.Sinks...)
	}
	if l.BufferSize > 0 {
		cfg.QueueSize = l.BufferSize
	}
	cfg.MinSeverity = logging.ParseSeverity(l.MinSeverity)
	cfg.JSONPath = l.JSONPath
	if l.FlushInterval > 0 {
		cfg.FlushInterval = l.FlushInterval
	}
	return cfg
}
