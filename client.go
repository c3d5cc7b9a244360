// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package busbridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/busbridge/bus"
	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/monitor"
	natstransport "github.com/glimte/busbridge/transports/nats"
	"github.com/glimte/busbridge/transports/rabbitmq"
)

// Client provides the main entry point for busbridge: a bus bound to one
// destination together with the metrics it records
type Client struct {
	transport messaging.Transport
	bus       *bus.Bus
	metrics   *monitor.Metrics
	logger    *slog.Logger
}

// NewClient creates a client over RabbitMQ. Nothing is dialed until the
// first operation.
func NewClient(connectionString, destination string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)
	transport := rabbitmq.NewTransport(
		rabbitmq.WithURL(connectionString),
		rabbitmq.WithConnectionName(cfg.serviceName),
		rabbitmq.WithLogger(cfg.logger),
	)
	return NewClientWithTransport(transport, destination, options...)
}

// NewNATSClient creates a client over NATS
func NewNATSClient(url, destination string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)
	transport := natstransport.NewTransport(
		natstransport.WithURL(url),
		natstransport.WithClientName(cfg.serviceName),
		natstransport.WithLogger(cfg.logger),
	)
	return NewClientWithTransport(transport, destination, options...)
}

// NewClientWithTransport creates a client over any transport
func NewClientWithTransport(transport messaging.Transport, destination string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	metrics := cfg.metrics
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}

	busOptions := append([]bus.Option{
		bus.WithDestinationName(destination),
		bus.WithLogger(cfg.logger),
		bus.WithMetrics(metrics),
	}, cfg.busOptions...)

	b, err := bus.New(transport, busOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	return &Client{
		transport: transport,
		bus:       b,
		metrics:   metrics,
		logger:    cfg.logger,
	}, nil
}

// Send sends msg to the client's destination
func (c *Client) Send(ctx context.Context, msg contracts.Message) error {
	return c.bus.Send(ctx, msg)
}

// Receive waits up to timeout for the next message
func (c *Client) Receive(ctx context.Context, timeout time.Duration) (contracts.Message, bool, error) {
	return c.bus.Receive(ctx, timeout)
}

// Request sends msg and waits up to timeout for the correlated reply
func (c *Client) Request(ctx context.Context, msg contracts.Message, timeout time.Duration) (contracts.Message, error) {
	return c.bus.Request(ctx, msg, timeout)
}

// Reply answers a received request
func (c *Client) Reply(ctx context.Context, request, reply contracts.Message) error {
	return c.bus.Reply(ctx, request, reply)
}

// Bus returns the underlying bus
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Metrics returns the metrics the client records into
func (c *Client) Metrics() *monitor.Metrics {
	return c.metrics
}

// NewReporter creates a reporter that periodically emits the client's
// metrics to sink
func (c *Client) NewReporter(sink monitor.Sink, options ...monitor.ReporterOption) *monitor.Reporter {
	options = append([]monitor.ReporterOption{monitor.WithReporterLogger(c.logger)}, options...)
	return monitor.NewReporter(c.metrics, sink, options...)
}

// Close closes all resources
func (c *Client) Close() error {
	return c.bus.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	serviceName string
	metrics     *monitor.Metrics
	busOptions  []bus.Option
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "busbridge",
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithServiceName sets the connection name reported to the broker
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithMetrics shares a metrics collector between clients
func WithMetrics(metrics *monitor.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithBusOptions passes options through to the bus
func WithBusOptions(options ...bus.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, options...)
	}
}
