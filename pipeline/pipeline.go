// Package pipeline binds the plugin registry, validator, and publisher
// into the bounded frame-processing path. Frames enter through Enqueue
// under back-pressure and terminate in exactly one of: a published
// record, a counted drop, or a bounded retry-then-drop.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/pkg/worker"
	"github.com/c360/gpsgate/plugin"
	"github.com/c360/gpsgate/record"
	"github.com/c360/gpsgate/resilience"
	"github.com/c360/gpsgate/validate"
)

// Bus is the publisher seam consumed by the pipeline.
type Bus interface {
	Publish(ctx context.Context, r *record.Record) error
}

// Config sizes the worker pool and its queues.
type Config struct {
	// Workers is the decoder pool size; defaults to the CPU count.
	Workers int
	// QueueCapacity is the total intake capacity across workers;
	// defaults to 4x MaxConcurrentConnections upstream.
	QueueCapacity int
}

// DefaultConfig sizes the pool for the host.
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		QueueCapacity: 4096,
	}
}

// Dependencies holds the collaborators a pipeline needs.
type Dependencies struct {
	Registry  *plugin.Registry
	Validator *validate.Validator
	Bus       Bus
	Metrics   *metric.Registry
	Logger    *slog.Logger

	// Policy wraps decoder invocations; defaults to the message
	// processing resilience policy.
	Policy resilience.Policy
}

// Pipeline is the single intake shared by all listeners. Frames with the
// same session id are processed FIFO by one worker; different sessions
// proceed in parallel.
type Pipeline struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger

	pool   *worker.Pool[Frame]
	policy resilience.Policy
	cancel context.CancelFunc

	// circuitRetryDelay paces publish re-attempts while the breaker is
	// open; overridden in tests.
	circuitRetryDelay time.Duration
}

// New creates a pipeline. The worker pool is created immediately but does
// not run until Start.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Registry == nil || deps.Validator == nil || deps.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "dependency validation")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	policy := deps.Policy
	if policy.Name == "" {
		policy = resilience.ProcessingPolicy()
	}

	p := &Pipeline{
		cfg:               cfg,
		deps:              deps,
		logger:            logger,
		policy:            policy,
		circuitRetryDelay: time.Second,
	}

	perWorker := cfg.QueueCapacity / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	p.pool = worker.NewPool(cfg.Workers, perWorker, p.processFrame)

	return p, nil
}

// Start launches the worker pool. Workers run on a context detached from
// the gateway-wide cancellation signal so queued frames drain during
// graceful shutdown; Stop cancels it after the drain deadline.
func (p *Pipeline) Start(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	return p.pool.Start(workCtx)
}

// Enqueue hands a frame to the pipeline, blocking while the owning
// worker's queue is full. Ownership of the frame's buffer transfers on
// success; on failure the buffer is released here and the error returned.
func (p *Pipeline) Enqueue(ctx context.Context, f Frame) error {
	if err := p.pool.Submit(ctx, f.Source.SessionID, f); err != nil {
		f.Release()
		return errors.WrapTransient(err, "Pipeline", "Enqueue", "frame submission")
	}
	return nil
}

// Stop drains in-flight frames within the deadline and shuts the pool
// down. Frames still queued past the deadline are abandoned with an error
// log.
func (p *Pipeline) Stop(timeout time.Duration) error {
	err := p.pool.Stop(timeout)

	// Cancel the work context regardless: it unblocks workers parked on
	// an open circuit or a slow broker
	if p.cancel != nil {
		p.cancel()
	}

	if err != nil {
		p.logger.Error("Pipeline drain exceeded deadline; abandoning queued frames",
			"timeout", timeout,
			"queue_depth", p.pool.Stats().QueueDepth)
		return errors.WrapTransient(err, "Pipeline", "Stop", "worker drain")
	}
	return nil
}

// Stats exposes the worker pool statistics for the admin surface.
func (p *Pipeline) Stats() worker.PoolStats {
	return p.pool.Stats()
}

// processFrame is the per-frame workflow: match, decode, validate,
// enrich, publish, release. Every exit path is counted.
func (p *Pipeline) processFrame(ctx context.Context, f Frame) error {
	defer f.Release()

	core := p.coreMetrics()
	if core != nil {
		core.MessagesReceived.Inc()
	}

	start := time.Now()
	defer func() {
		if core != nil {
			core.ProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()

	desc, ok := p.deps.Registry.MatchForBytes(f.Data)
	if !ok {
		p.drop(metric.FailNoDecoder, f, nil)
		return errors.ErrNoDecoder
	}

	rec, err := p.decode(ctx, desc, f)
	if err != nil {
		p.drop(metric.FailDecode, f, err)
		return err
	}

	// Decoders without a date source leave the timestamp unset; stamp
	// ingress wall-clock before validation.
	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.ReceivedAt.UTC()
	}

	if err := desc.Decoder.Validate(rec); err != nil {
		p.drop(metric.FailValidation, f, err)
		return err
	}

	result := p.deps.Validator.Validate(rec)
	for _, w := range result.Warnings {
		p.logger.Warn("Record validation warning",
			"device_id", rec.DeviceID, "warning", w)
	}
	if !result.Valid {
		p.drop(metric.FailValidation, f, stderrors.New(result.Errors[0]))
		return errors.WrapInvalid(errors.ErrValidation, "Pipeline", "processFrame", "central validation")
	}

	p.enrich(rec, desc, f)

	if err := p.publish(ctx, rec); err != nil {
		p.drop(metric.FailPublish, f, err)
		return err
	}

	return nil
}

// decode invokes the plugin decoder under the processing policy, which
// bounds runaway decoders and propagates cancellation. Invalid results
// are not retried.
func (p *Pipeline) decode(ctx context.Context, desc plugin.Descriptor, f Frame) (*record.Record, error) {
	var rec *record.Record
	err := p.policy.Do(ctx, func(context.Context) (decodeErr error) {
		// A panicking decoder costs this frame, never the worker
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Decoder panicked", "plugin", desc.Name, "panic", r)
				decodeErr = errors.WrapInvalid(errors.ErrPluginRuntime, "Pipeline", "decode", "decoder panic")
			}
		}()
		rec, decodeErr = desc.Decoder.Decode(f.Data, f.Source.DeviceID)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.WrapInvalid(errors.ErrDecode, "Pipeline", "decode", "nil record check")
	}
	return rec, nil
}

// enrich appends the reserved pipeline keys to the record.
func (p *Pipeline) enrich(rec *record.Record, desc plugin.Descriptor, f Frame) {
	rec.SetExtended(record.KeyProtocol, string(desc.Protocol))
	rec.SetExtended(record.KeyProcessedAt, time.Now().UTC().Format(time.RFC3339Nano))
	rec.SetExtended(record.KeyProcessingID, uuid.NewString())
	rec.SetExtended(record.KeyDataSize, len(f.Data))
	rec.SetExtended(record.KeyQualityScore, p.deps.Validator.QualityScore(rec))
}

// publish emits the record, treating an open circuit as back-pressure:
// the worker parks and re-attempts until the breaker admits the publish
// or the gateway shuts down, stalling this worker's queue upstream.
func (p *Pipeline) publish(ctx context.Context, rec *record.Record) error {
	for {
		err := p.deps.Bus.Publish(ctx, rec)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, errors.ErrCircuitOpen) {
			return err
		}

		p.logger.Warn("Publish circuit open; holding frame",
			"device_id", rec.DeviceID,
			"retry_delay", p.circuitRetryDelay)

		timer := time.NewTimer(p.circuitRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.ErrOperationCancelled
		case <-timer.C:
		}
	}
}

// drop counts a terminal frame failure.
func (p *Pipeline) drop(errorType string, f Frame, err error) {
	if core := p.coreMetrics(); core != nil {
		core.MessagesFailed.WithLabelValues(errorType).Inc()
	}

	p.logger.Warn("Frame dropped",
		"error_type", errorType,
		"transport", f.Source.Transport,
		"session_id", f.Source.SessionID,
		"device_id", f.Source.DeviceID,
		"bytes", len(f.Data),
		"error", err)
}

func (p *Pipeline) coreMetrics() *metric.CoreMetrics {
	if p.deps.Metrics == nil {
		return nil
	}
	return p.deps.Metrics.Core()
}
