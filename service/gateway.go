// Package service composes the gateway: configuration in, a running
// ingest-decode-publish system out. It owns construction order, startup,
// and the graceful shutdown sequence.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/gpsgate/config"
	"github.com/c360/gpsgate/errors"
	adminhttp "github.com/c360/gpsgate/gateway/http"
	"github.com/c360/gpsgate/health"
	"github.com/c360/gpsgate/input/tcp"
	"github.com/c360/gpsgate/input/udp"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/pipeline"
	"github.com/c360/gpsgate/pkg/breaker"
	"github.com/c360/gpsgate/pkg/bufpool"
	"github.com/c360/gpsgate/plugin"
	"github.com/c360/gpsgate/plugin/nmea"
	"github.com/c360/gpsgate/publish"
	"github.com/c360/gpsgate/stats"
	"github.com/c360/gpsgate/validate"
)

// Gateway wires every core component together.
type Gateway struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	metrics  *metric.Registry
	monitor  *health.Monitor
	tracker  *stats.Tracker
	pool     *bufpool.Pool
	registry *plugin.Registry

	publisher *publish.Publisher
	pipe      *pipeline.Pipeline
	tcpInput  *tcp.Input
	udpInput  *udp.Input
	admin     *adminhttp.Server
}

// New builds the gateway from validated configuration. Nothing does I/O
// until Start.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "config validation")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		version: version,
		logger:  logger,
		metrics: metric.NewRegistry(),
		monitor: health.NewMonitor(),
		tracker: stats.NewTracker(),
	}

	g.pool = bufpool.New(cfg.TelemetryServer.BufferSize, bufpool.DatagramBufferSize)

	if err := g.buildPlugins(); err != nil {
		return nil, err
	}
	if err := g.buildPublisher(); err != nil {
		return nil, err
	}
	if err := g.buildPipeline(); err != nil {
		return nil, err
	}
	if err := g.buildInputs(); err != nil {
		return nil, err
	}
	if err := g.buildAdmin(); err != nil {
		return nil, err
	}

	g.registerHealth()
	return g, nil
}

func (g *Gateway) buildPlugins() error {
	g.registry = plugin.NewRegistry(g.logger)
	if err := nmea.Register(g.registry, g.logger, g.cfg.PluginSettings.Settings); err != nil {
		return errors.Wrap(err, "Gateway", "New", "NMEA plugin registration")
	}
	return nil
}

func (g *Gateway) buildPublisher() error {
	pub, err := publish.New(publish.Config{
		Brokers:           g.cfg.Kafka.Brokers(),
		TopicPrefix:       g.cfg.Kafka.TopicPrefix,
		PartitionCount:    g.cfg.Kafka.PartitionCount,
		Compression:       g.cfg.Kafka.Compression,
		BatchSize:         g.cfg.Kafka.BatchSize,
		BatchTimeout:      time.Duration(g.cfg.Kafka.BatchTimeoutMs) * time.Millisecond,
		EnableIdempotence: g.cfg.Kafka.EnableIdempotence,
		ProducerName:      g.cfg.Kafka.ProducerName,
	}, g.logger, g.metrics)
	if err != nil {
		return err
	}

	// The configured policy replaces the publisher's built-in defaults;
	// re-attach the breaker state gauge to the new breaker
	policy := g.cfg.Resilience.Kafka.Policy("kafka")
	if policy.Breaker != nil {
		gauge := g.metrics.Core().BreakerState
		policy.Breaker.SetStateHook(func(s breaker.State) {
			gauge.Set(float64(s))
		})
	}
	pub.SetPolicy(policy)
	policy.Log(g.logger)

	g.publisher = pub
	return nil
}

func (g *Gateway) buildPipeline() error {
	queueCapacity := 4 * g.cfg.TelemetryServer.MaxConcurrentConnections
	processingPolicy := g.cfg.Resilience.Processing.Policy("processing")
	processingPolicy.Log(g.logger)

	pipe, err := pipeline.New(pipeline.Config{
		Workers:       g.cfg.TelemetryServer.Workers,
		QueueCapacity: queueCapacity,
	}, pipeline.Dependencies{
		Registry:  g.registry,
		Validator: validate.New(),
		Bus:       g.publisher,
		Metrics:   g.metrics,
		Logger:    g.logger,
		Policy:    processingPolicy,
	})
	if err != nil {
		return err
	}
	g.pipe = pipe
	return nil
}

func (g *Gateway) buildInputs() error {
	bindPolicy := g.cfg.Resilience.Connection.Policy("connection")
	bindPolicy.Log(g.logger)

	tcpInput, err := tcp.NewInput(tcp.Config{
		Port:           g.cfg.TelemetryServer.TCPPort,
		Bind:           g.cfg.TelemetryServer.Bind,
		BufferSize:     g.cfg.TelemetryServer.BufferSize,
		MaxConnections: g.cfg.TelemetryServer.MaxConcurrentConnections,
	}, tcp.Deps{
		Pipeline:   g.pipe,
		Pool:       g.pool,
		Tracker:    g.tracker,
		Metrics:    g.metrics,
		Logger:     g.logger,
		BindPolicy: bindPolicy,
	})
	if err != nil {
		return err
	}

	udpInput, err := udp.NewInput(udp.Config{
		Port: g.cfg.TelemetryServer.UDPPort,
		Bind: g.cfg.TelemetryServer.Bind,
	}, udp.Deps{
		Pipeline:   g.pipe,
		Pool:       g.pool,
		Tracker:    g.tracker,
		Metrics:    g.metrics,
		Logger:     g.logger,
		BindPolicy: bindPolicy,
	})
	if err != nil {
		return err
	}

	g.tcpInput = tcpInput
	g.udpInput = udpInput
	return nil
}

func (g *Gateway) buildAdmin() error {
	admin, err := adminhttp.NewServer(adminhttp.Config{
		Port: g.cfg.Monitoring.AdminPort,
		Bind: g.cfg.TelemetryServer.Bind,
	}, adminhttp.Deps{
		Monitor:     g.monitor,
		Tracker:     g.tracker,
		Metrics:     g.metrics,
		Logger:      g.logger,
		ServiceName: g.cfg.Monitoring.ServiceName,
		Version:     g.version,
		Protocols:   g.registry.List(),
	})
	if err != nil {
		return err
	}
	g.admin = admin
	return nil
}

// registerHealth wires the core health predicates into the monitor.
func (g *Gateway) registerHealth() {
	g.monitor.Register("publisher", func() health.Status {
		if g.publisher.Healthy() {
			return health.NewHealthy("publisher", "broker reachable")
		}
		if err := g.publisher.LastFatal(); err != nil {
			return health.NewDegraded("publisher", "fatal broker error recorded")
		}
		return health.NewDegraded("publisher", "publisher closed")
	})
	g.monitor.Register("tcp-input", func() health.Status {
		if g.tcpInput.Healthy() {
			return health.NewHealthy("tcp-input", "accepting sessions")
		}
		return health.NewUnhealthy("tcp-input", "listener down")
	})
	g.monitor.Register("udp-input", func() health.Status {
		if g.udpInput.Healthy() {
			return health.NewHealthy("udp-input", "receiving datagrams")
		}
		return health.NewUnhealthy("udp-input", "receiver down")
	})
}

// Start launches the pipeline first, then the listeners and admin
// surface concurrently.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.pipe.Start(ctx); err != nil {
		return errors.Wrap(err, "Gateway", "Start", "pipeline start")
	}

	// A plain group: the listeners keep ctx for their own loops, and a
	// WithContext-derived context would be cancelled as soon as the
	// start calls return
	var eg errgroup.Group
	eg.Go(func() error { return g.tcpInput.Start(ctx) })
	eg.Go(func() error { return g.udpInput.Start(ctx) })
	eg.Go(func() error { return g.admin.Start(ctx) })
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "Gateway", "Start", "listener start")
	}

	g.logger.Info("Gateway started",
		"tcp_port", g.cfg.TelemetryServer.TCPPort,
		"udp_port", g.cfg.TelemetryServer.UDPPort,
		"admin_port", g.cfg.Monitoring.AdminPort,
		"plugins", g.registry.List())
	return nil
}

// Run starts the gateway and blocks until ctx is cancelled, then runs the
// shutdown sequence within shutdownTimeout.
func (g *Gateway) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	g.logger.Info("Shutdown signal received")
	return g.Stop(shutdownTimeout)
}

// Stop runs the ordered shutdown sequence: stop accepting TCP, stop UDP,
// drain sessions and pipeline, flush the publisher, shut plugins down,
// and close the admin surface last. Each step gets a sub-deadline; a step
// overrunning it is abandoned with an error log and the sequence
// continues.
func (g *Gateway) Stop(timeout time.Duration) error {
	var firstErr error
	step := func(name string, fraction float64, fn func(time.Duration) error) {
		budget := time.Duration(float64(timeout) * fraction)
		if err := fn(budget); err != nil {
			g.logger.Error("Shutdown step exceeded its deadline; abandoning",
				"step", name,
				"budget", budget,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown step %s: %w", name, err)
			}
		}
	}

	step("tcp-input", 0.2, g.tcpInput.Stop)
	step("udp-input", 0.1, g.udpInput.Stop)
	step("pipeline", 0.3, g.pipe.Stop)
	step("publisher-flush", 0.3, g.publisher.Close)
	g.registry.Shutdown()
	step("admin", 0.1, g.admin.Stop)

	g.logger.Info("Gateway stopped")
	return firstErr
}

// Admin exposes the admin server (tests discover the bound port).
func (g *Gateway) Admin() *adminhttp.Server { return g.admin }

// TCP exposes the TCP input (tests discover the bound port).
func (g *Gateway) TCP() *tcp.Input { return g.tcpInput }

// UDP exposes the UDP input (tests discover the bound port).
func (g *Gateway) UDP() *udp.Input { return g.udpInput }

// Monitor exposes the health monitor.
func (g *Gateway) Monitor() *health.Monitor { return g.monitor }
