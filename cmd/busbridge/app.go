package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/busbridge/bridge"
	"github.com/glimte/busbridge/bus"
	"github.com/glimte/busbridge/health"
	"github.com/glimte/busbridge/internal/config"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/monitor"
	"github.com/glimte/busbridge/transform"
	natstransport "github.com/glimte/busbridge/transports/nats"
	"github.com/glimte/busbridge/transports/rabbitmq"
)

// transportFactory creates the transport for a configured bus
type transportFactory func(name string, cfg config.BusConfig, logger *slog.Logger) (messaging.Transport, error)

func defaultTransports(name string, cfg config.BusConfig, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case config.TransportAMQP:
		return rabbitmq.NewTransport(
			rabbitmq.WithURL(cfg.URL),
			rabbitmq.WithConnectionName("busbridge-"+name),
			rabbitmq.WithLogger(logger),
		), nil
	case config.TransportNATS:
		return natstransport.NewTransport(
			natstransport.WithURL(cfg.URL),
			natstransport.WithClientName("busbridge-"+name),
			natstransport.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// app owns every bus and bridge built from one configuration
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *monitor.Metrics
	registry *prometheus.Registry
	reporter *monitor.Reporter
	health   *health.Registry

	buses   map[string]*bus.Bus
	bridges []*bridge.MessageBridge
}

func newApp(cfg *config.Config, logger *slog.Logger, transports transportFactory) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  monitor.NewMetrics(),
		registry: prometheus.NewRegistry(),
		health:   health.NewRegistry(),
		buses:    make(map[string]*bus.Bus, len(cfg.Buses)),
	}

	if err := a.buildBuses(transports); err != nil {
		_ = a.closeBuses()
		return nil, err
	}
	if err := a.buildBridges(); err != nil {
		_ = a.closeBuses()
		return nil, err
	}
	if err := a.buildReporter(); err != nil {
		_ = a.closeBuses()
		return nil, err
	}
	a.buildHealth()
	return a, nil
}

func (a *app) buildBuses(transports transportFactory) error {
	names := make([]string, 0, len(a.cfg.Buses))
	for name := range a.cfg.Buses {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bc := a.cfg.Buses[name]
		logger := a.logger.With("bus", name)

		t, err := transports(name, bc, logger)
		if err != nil {
			return fmt.Errorf("bus %s: %w", name, err)
		}
		opts, err := busOptions(bc, a.metrics, logger)
		if err != nil {
			return fmt.Errorf("bus %s: %w", name, err)
		}
		b, err := bus.New(t, opts...)
		if err != nil {
			return fmt.Errorf("bus %s: %w", name, err)
		}
		a.buses[name] = b
	}
	return nil
}

func busOptions(bc config.BusConfig, recorder monitor.Recorder, logger *slog.Logger) ([]bus.Option, error) {
	ackMode, err := config.ParseAckMode(bc.AckMode)
	if err != nil {
		return nil, err
	}
	registry, err := transform.DefaultCatalog().Resolve(bc.Transforms)
	if err != nil {
		return nil, err
	}

	opts := []bus.Option{
		bus.WithDestinationName(bc.Destination),
		bus.WithNamingProperties(bc.Properties),
		bus.WithAckMode(ackMode),
		bus.WithTransactional(bc.Transactional),
		bus.WithCopyHeaders(bc.CopyHeaders),
		bus.WithTransforms(registry),
		bus.WithMetrics(recorder),
		bus.WithLogger(logger),
	}
	if bc.URL != "" && bc.Properties["url"] == "" {
		opts = append(opts, bus.WithNamingProperty("url", bc.URL))
	}
	if bc.ConnectionFactory != "" {
		opts = append(opts, bus.WithConnectionFactoryName(bc.ConnectionFactory))
	}
	if bc.Username != "" {
		opts = append(opts, bus.WithCredentials(bc.Username, bc.Password))
	}
	if bc.ReplyPollInterval > 0 {
		opts = append(opts, bus.WithReplyPollInterval(bc.ReplyPollInterval))
	}
	return opts, nil
}

func (a *app) buildBridges() error {
	for _, bc := range a.cfg.Bridges {
		opts := []bridge.BridgeOption{
			bridge.WithRequestReply(bc.IsRequestReply()),
			bridge.WithLogger(a.logger),
		}
		if bc.PollTimeout > 0 {
			opts = append(opts, bridge.WithPollTimeout(bc.PollTimeout))
		}
		if bc.RequestTimeout > 0 {
			opts = append(opts, bridge.WithRequestTimeout(bc.RequestTimeout))
		}
		if bc.ErrorBackoff > 0 || bc.MaxErrorBackoff > 0 {
			initial, ceiling := bc.ErrorBackoff, bc.MaxErrorBackoff
			if initial == 0 {
				initial = time.Second
			}
			if ceiling == 0 {
				ceiling = 30 * time.Second
			}
			opts = append(opts, bridge.WithErrorBackoff(initial, ceiling))
		}
		if c := bc.Circuit; c != nil {
			openTimeout := c.OpenTimeout
			if openTimeout == 0 {
				openTimeout = 30 * time.Second
			}
			opts = append(opts, bridge.WithCircuitBreaker(c.FailureThreshold, openTimeout))
		}

		b, err := bridge.NewMessageBridge(bc.Name, a.buses[bc.Source], a.buses[bc.Destination], opts...)
		if err != nil {
			return err
		}
		a.bridges = append(a.bridges, b)
	}
	return nil
}

func (a *app) buildReporter() error {
	var sinks monitor.MultiSink

	if a.cfg.Metrics.Log {
		sinks = append(sinks, monitor.NewLogSink(a.logger))
	}

	prom := monitor.NewPrometheusSink(a.registry)
	if err := prom.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register go collector: %w", err)
	}
	sinks = append(sinks, prom)

	a.reporter = monitor.NewReporter(a.metrics, sinks,
		monitor.WithInterval(a.cfg.Metrics.Interval),
		monitor.WithReporterLogger(a.logger))
	return nil
}

func (a *app) buildHealth() {
	a.health.SetMetadata("version", version)
	a.health.Register(health.NewRuntimeChecker(1000, 5000))
	for name, b := range a.buses {
		a.health.Register(health.NewPendingChecker(name, b, 1000))
	}
	for _, b := range a.bridges {
		a.health.Register(health.NewCircuitChecker(b))
	}
}

// handler serves the Prometheus scrape endpoint and the health report
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(a.health, 5*time.Second))
	return mux
}

// run starts the reporter, the metrics endpoint and every bridge, and blocks
// until ctx is done
func (a *app) run(ctx context.Context) error {
	if err := a.reporter.Start(ctx); err != nil {
		return err
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if a.cfg.Metrics.Listen != "" {
		server = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           a.handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("Serving metrics", "listen", a.cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, b := range a.bridges {
		wg.Add(1)
		go func(b *bridge.MessageBridge) {
			defer wg.Done()
			if err := b.Run(runCtx); err != nil {
				a.logger.Error("Bridge failed", "bridge", b.Name(), "error", err)
			}
		}(b)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		err = fmt.Errorf("metrics server: %w", err)
	}

	cancel()
	wg.Wait()

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}

	if stopErr := a.reporter.Stop(); stopErr != nil {
		a.logger.Warn("Final metrics flush failed", "error", stopErr)
	}
	return errors.Join(err, a.closeBuses())
}

func (a *app) closeBuses() error {
	var errs []error
	for name, b := range a.buses {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
