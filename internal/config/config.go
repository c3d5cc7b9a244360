// Package config loads the busbridge service configuration from a YAML file
// with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/transform"
)

// Transport names accepted in bus configuration
const (
	TransportAMQP = "amqp"
	TransportNATS = "nats"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the service configuration
type Config struct {
	Log     LogConfig            `yaml:"log"`
	Metrics MetricsConfig        `yaml:"metrics"`
	AMQPURL string               `yaml:"amqpUrl" env:"BUSBRIDGE_AMQP_URL"`
	NATSURL string               `yaml:"natsUrl" env:"BUSBRIDGE_NATS_URL"`
	Buses   map[string]BusConfig `yaml:"buses"`
	Bridges []BridgeConfig       `yaml:"bridges"`
}

// LogConfig selects the root logger
type LogConfig struct {
	Level  string `yaml:"level" env:"BUSBRIDGE_LOG_LEVEL"`
	Format string `yaml:"format" env:"BUSBRIDGE_LOG_FORMAT"`
}

// MetricsConfig configures the metrics reporter and the scrape endpoint
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval" env:"BUSBRIDGE_METRICS_INTERVAL"`
	Listen   string        `yaml:"listen" env:"BUSBRIDGE_METRICS_LISTEN"`
	Log      bool          `yaml:"log" env:"BUSBRIDGE_METRICS_LOG"`
}

// BusConfig describes one bus. URL falls back to the transport wide URL.
type BusConfig struct {
	Transport         string            `yaml:"transport"`
	URL               string            `yaml:"url"`
	Destination       string            `yaml:"destination"`
	ConnectionFactory string            `yaml:"connectionFactory"`
	Properties        map[string]string `yaml:"properties"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"password"`
	AckMode           string            `yaml:"ackMode"`
	Transactional     bool              `yaml:"transactional"`
	CopyHeaders       bool              `yaml:"copyHeaders"`
	ReplyPollInterval time.Duration     `yaml:"replyPollInterval"`
	Transforms        []transform.Spec  `yaml:"transforms"`
}

// BridgeConfig connects two named buses
type BridgeConfig struct {
	Name            string         `yaml:"name"`
	Source          string         `yaml:"source"`
	Destination     string         `yaml:"destination"`
	RequestReply    *bool          `yaml:"requestReply"`
	PollTimeout     time.Duration  `yaml:"pollTimeout"`
	RequestTimeout  time.Duration  `yaml:"requestTimeout"`
	ErrorBackoff    time.Duration  `yaml:"errorBackoff"`
	MaxErrorBackoff time.Duration  `yaml:"maxErrorBackoff"`
	Circuit         *CircuitConfig `yaml:"circuit"`
}

// CircuitConfig overrides the bridge circuit breaker. A zero failure
// threshold disables it.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

// IsRequestReply reports whether the bridge forwards requests. Unset means yes.
func (b BridgeConfig) IsRequestReply() bool {
	return b.RequestReply == nil || *b.RequestReply
}

// Load reads path, applies environment overrides and defaults, and validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies environment overrides and defaults, and
// validates. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = 30 * time.Second
	}

	for name, b := range c.Buses {
		if b.Transport == "" {
			b.Transport = TransportAMQP
		}
		if b.URL == "" {
			switch b.Transport {
			case TransportAMQP:
				b.URL = c.AMQPURL
			case TransportNATS:
				b.URL = c.NATSURL
			}
		}
		if b.AckMode == "" {
			b.AckMode = messaging.AutoAcknowledge.String()
		}
		c.Buses[name] = b
	}

	for i := range c.Bridges {
		if c.Bridges[i].Name == "" {
			c.Bridges[i].Name = c.Bridges[i].Source + "-" + c.Bridges[i].Destination
		}
	}
}

// Validate returns every problem found, joined
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		fail("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Metrics.Interval < 0 {
		fail("metrics.interval must not be negative")
	}

	for name, b := range c.Buses {
		if b.Transport != TransportAMQP && b.Transport != TransportNATS {
			fail("buses.%s.transport must be %s or %s, got %q", name, TransportAMQP, TransportNATS, b.Transport)
		}
		if b.Destination == "" {
			fail("buses.%s.destination is required", name)
		}
		if b.Transport == TransportAMQP && b.URL == "" && b.Properties["url"] == "" {
			fail("buses.%s needs a url", name)
		}
		if _, err := ParseAckMode(b.AckMode); err != nil {
			fail("buses.%s.ackMode: %v", name, err)
		}
		if b.Password != "" && b.Username == "" {
			fail("buses.%s.password set without username", name)
		}
		if b.ReplyPollInterval < 0 {
			fail("buses.%s.replyPollInterval must not be negative", name)
		}
		if _, err := transform.DefaultCatalog().Resolve(b.Transforms); err != nil {
			fail("buses.%s.transforms: %v", name, err)
		}
	}

	if len(c.Bridges) == 0 {
		fail("at least one bridge is required")
	}
	seen := make(map[string]bool, len(c.Bridges))
	for _, br := range c.Bridges {
		if seen[br.Name] {
			fail("bridge %s is defined twice", br.Name)
		}
		seen[br.Name] = true
		if _, ok := c.Buses[br.Source]; !ok {
			fail("bridge %s: unknown source bus %q", br.Name, br.Source)
		}
		if _, ok := c.Buses[br.Destination]; !ok {
			fail("bridge %s: unknown destination bus %q", br.Name, br.Destination)
		}
		if br.Source != "" && br.Source == br.Destination {
			fail("bridge %s: source and destination are the same bus", br.Name)
		}
		if br.MaxErrorBackoff > 0 && br.MaxErrorBackoff < br.ErrorBackoff {
			fail("bridge %s: maxErrorBackoff is below errorBackoff", br.Name)
		}
		if br.Circuit != nil && br.Circuit.FailureThreshold < 0 {
			fail("bridge %s: circuit failure threshold cannot be negative", br.Name)
		}
	}

	return errors.Join(errs...)
}

// ParseAckMode parses auto, client or dups-ok
func ParseAckMode(s string) (messaging.AckMode, error) {
	for _, mode := range []messaging.AckMode{messaging.AutoAcknowledge, messaging.ClientAcknowledge, messaging.DupsOKAcknowledge} {
		if strings.EqualFold(s, mode.String()) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown ack mode %q", s)
}

// ParseLevel parses a slog level name
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// NewLogger builds the root logger described by c
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
