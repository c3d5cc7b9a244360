package bus

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/monitor"
	"github.com/glimte/busbridge/transform"
)

// DefaultConnectionFactoryName is the factory looked up when none is configured
const DefaultConnectionFactoryName = "ConnectionFactory"

// Config holds the settings fixed at bus construction
type Config struct {
	DestinationName       string
	ConnectionFactoryName string
	NamingProperties      map[string]string
	Credentials           *messaging.Credentials
	AckMode               messaging.AckMode
	Transactional         bool
	CopyHeaders           bool
	ReplyPollInterval     time.Duration

	responseDestination messaging.Destination
	transforms          transform.Registry
	recorder            monitor.Recorder
	timeSource          contracts.TimeSource
	logger              *slog.Logger
}

// Option configures a Bus
type Option func(*Config)

// DefaultConfig returns the configuration used before options apply
func DefaultConfig() Config {
	return Config{
		ConnectionFactoryName: DefaultConnectionFactoryName,
		NamingProperties:      make(map[string]string),
		AckMode:               messaging.AutoAcknowledge,
		ReplyPollInterval:     100 * time.Millisecond,
		recorder:              monitor.NopRecorder{},
		timeSource:            contracts.SystemTime,
		logger:                slog.Default(),
	}
}

// WithDestinationName sets the logical destination the bus sends to and
// receives from
func WithDestinationName(name string) Option {
	return func(c *Config) {
		c.DestinationName = name
	}
}

// WithConnectionFactoryName sets the connection factory to look up
func WithConnectionFactoryName(name string) Option {
	return func(c *Config) {
		c.ConnectionFactoryName = name
	}
}

// WithNamingProperties adds properties for the naming context
func WithNamingProperties(props map[string]string) Option {
	return func(c *Config) {
		maps.Copy(c.NamingProperties, props)
	}
}

// WithNamingProperty adds a single naming context property
func WithNamingProperty(key, value string) Option {
	return func(c *Config) {
		c.NamingProperties[key] = value
	}
}

// WithCredentials authenticates the connection
func WithCredentials(principal, secret string) Option {
	return func(c *Config) {
		c.Credentials = &messaging.Credentials{Principal: principal, Secret: secret}
	}
}

// WithAckMode sets the session acknowledge mode
func WithAckMode(mode messaging.AckMode) Option {
	return func(c *Config) {
		c.AckMode = mode
	}
}

// WithTransactional makes the session transactional
func WithTransactional(transactional bool) Option {
	return func(c *Config) {
		c.Transactional = transactional
	}
}

// WithResponseDestination replies to dest instead of a temporary destination
func WithResponseDestination(dest messaging.Destination) Option {
	return func(c *Config) {
		c.responseDestination = dest
	}
}

// WithTransforms installs the transforms applied on every conversion
func WithTransforms(registry transform.Registry) Option {
	return func(c *Config) {
		c.transforms = registry
	}
}

// WithMetrics reports operation outcomes to recorder
func WithMetrics(recorder monitor.Recorder) Option {
	return func(c *Config) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithTimeSource stamps inbound messages with ts
func WithTimeSource(ts contracts.TimeSource) Option {
	return func(c *Config) {
		if ts != nil {
			c.timeSource = ts
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCopyHeaders copies message headers across conversions in both directions
func WithCopyHeaders(copyHeaders bool) Option {
	return func(c *Config) {
		c.CopyHeaders = copyHeaders
	}
}

// WithReplyPollInterval sets how long the reply loop waits per receive
func WithReplyPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ReplyPollInterval = d
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DestinationName == "" {
		return fmt.Errorf("%w: destination name is required", ErrInvalidConfiguration)
	}
	if c.ConnectionFactoryName == "" {
		return fmt.Errorf("%w: connection factory name is required", ErrInvalidConfiguration)
	}
	if c.ReplyPollInterval <= 0 {
		return fmt.Errorf("%w: reply poll interval must be positive", ErrInvalidConfiguration)
	}
	switch c.AckMode {
	case messaging.AutoAcknowledge, messaging.ClientAcknowledge, messaging.DupsOKAcknowledge:
	default:
		return fmt.Errorf("%w: unknown ack mode %d", ErrInvalidConfiguration, c.AckMode)
	}
	return nil
}
