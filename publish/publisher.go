// Package publish serializes validated records and emits them to Kafka
// with per-device partition affinity, bounded retries, and a circuit
// breaker. Delivery is at-least-once: acks from the full ISR are required
// and transient failures are retried under the kafka resilience policy.
package publish

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/pkg/breaker"
	"github.com/c360/gpsgate/record"
	"github.com/c360/gpsgate/resilience"
)

const schemaVersion = "1.0"

// MessageWriter is the kafka.Writer seam; tests substitute a fake.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds publisher settings, loaded from the Kafka config section.
type Config struct {
	Brokers           []string
	TopicPrefix       string
	PartitionCount    int
	Compression       string
	BatchSize         int
	BatchTimeout      time.Duration
	EnableIdempotence bool
	ProducerName      string
}

// DefaultConfig returns broker-less defaults; Brokers must be supplied.
func DefaultConfig() Config {
	return Config{
		TopicPrefix:       "telemetry.gps",
		PartitionCount:    12,
		Compression:       "snappy",
		BatchSize:         100,
		BatchTimeout:      50 * time.Millisecond,
		EnableIdempotence: true,
		ProducerName:      "gpsgate",
	}
}

// Publisher emits canonical records to the bus. It is a shared singleton:
// all pipeline workers call Publish concurrently.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	writer MessageWriter
	policy resilience.Policy
	brk    *breaker.Breaker

	inflight sync.WaitGroup
	closed   atomic.Bool
	fatal    atomic.Pointer[error]

	published atomic.Int64

	metrics *metrics
}

type metrics struct {
	published metric.Counter
	latency   metric.Histogram
}

// New creates a publisher backed by a real kafka.Writer.
func New(cfg Config, logger *slog.Logger, registry *metric.Registry) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "New", "broker list validation")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "telemetry.gps"
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 12
	}

	compression, err := resolveCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compression,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1, // retries belong to the resilience policy
		Async:        false,
	}

	return NewWithWriter(cfg, logger, registry, writer), nil
}

// NewWithWriter wires the provided writer into the publisher. Tests use it
// to substitute a fake broker.
func NewWithWriter(cfg Config, logger *slog.Logger, registry *metric.Registry, writer MessageWriter) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "publisher")

	var opts []breaker.Option
	if registry != nil {
		brkGauge := registry.Core().BreakerState
		opts = append(opts, breaker.WithStateHook(func(s breaker.State) {
			brkGauge.Set(float64(s))
		}))
	}
	brk := breaker.New("kafka", breaker.DefaultConfig(), logger, opts...)

	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		writer: writer,
		brk:    brk,
		policy: resilience.KafkaPolicy(brk),
	}

	if registry != nil {
		p.metrics = &metrics{
			published: registry.Core().MessagesPublished,
			latency:   registry.Core().PublishDuration,
		}
	}

	if !cfg.EnableIdempotence {
		// acks=all still holds, but retried batches may duplicate
		logger.Warn("Idempotence disabled; duplicate delivery possible on retry")
	}

	return p
}

// SetPolicy overrides the default kafka resilience policy. The breaker in
// the supplied policy replaces the publisher's own.
func (p *Publisher) SetPolicy(policy resilience.Policy) {
	p.policy = policy
	if policy.Breaker != nil {
		p.brk = policy.Breaker
	}
}

// Publish serializes r and emits it under the kafka resilience policy.
// While the breaker is open it fails fast with ErrCircuitOpen, which the
// pipeline treats as back-pressure. On success the reserved
// KafkaPartition extended key is appended to r.
func (p *Publisher) Publish(ctx context.Context, r *record.Record) error {
	if p.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Publisher", "Publish", "lifecycle check")
	}
	if r == nil {
		return errors.WrapInvalid(errors.ErrValidation, "Publisher", "Publish", "record check")
	}

	value, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Publish", "record serialization")
	}

	topic := p.Topic(r)
	partition := p.partitionIndex(r.DeviceID)
	key := fmt.Sprintf("%s_%d", r.DeviceID, partition)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: p.headers(r),
	}

	p.inflight.Add(1)
	defer p.inflight.Done()

	start := time.Now()
	err = p.policy.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if p.metrics != nil {
		p.metrics.latency.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		// Preserve the circuit-open identity; the pipeline keys its
		// back-pressure behavior on it
		if stderrors.Is(err, errors.ErrCircuitOpen) {
			return errors.WrapTransient(err, "Publisher", "Publish", "broker write")
		}
		if !errors.IsTransient(err) && !errors.IsCancelled(err) {
			p.recordFatal(err)
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrPublish, err),
			"Publisher", "Publish", "broker write")
	}

	p.published.Add(1)
	if p.metrics != nil {
		p.metrics.published.Inc()
	}

	// Offset is not reported by the synchronous writer; the computed
	// partition index is the affinity the consumer can rely on.
	r.SetExtended(record.KeyKafkaPartition, partition)

	return nil
}

// Topic derives the destination topic from the record's protocol tag:
// <prefix>.<protocol-lowercase>, with "unknown" when the tag is absent.
func (p *Publisher) Topic(r *record.Record) string {
	protocol := r.Protocol()
	if protocol == "" {
		protocol = "unknown"
	}
	return p.cfg.TopicPrefix + "." + strings.ToLower(protocol)
}

// partitionIndex maps a device id onto [0, PartitionCount).
func (p *Publisher) partitionIndex(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(p.cfg.PartitionCount))
}

// headers builds the per-message metadata headers.
func (p *Publisher) headers(r *record.Record) []kafka.Header {
	protocol := r.Protocol()
	if protocol == "" {
		protocol = "unknown"
	}

	quality := ""
	if r.Extended != nil {
		if q, ok := r.Extended[record.KeyQualityScore].(int); ok {
			quality = strconv.Itoa(q)
		}
	}

	return []kafka.Header{
		{Key: "device_id", Value: []byte(r.DeviceID)},
		{Key: "schema_version", Value: []byte(schemaVersion)},
		{Key: "content_type", Value: []byte("application/json")},
		{Key: "producer", Value: []byte(p.cfg.ProducerName)},
		{Key: "protocol", Value: []byte(protocol)},
		{Key: "quality_score", Value: []byte(quality)},
	}
}

// Flush waits for all in-flight publishes to complete, bounded by the
// context deadline. It returns ErrFlushTimeout when the deadline passes
// with records still in flight.
func (p *Publisher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrFlushTimeout, "Publisher", "Flush", "in-flight drain")
	}
}

// Healthy reports false once the publisher is closed or a fatal broker
// error has been observed since the last reset.
func (p *Publisher) Healthy() bool {
	return !p.closed.Load() && p.fatal.Load() == nil
}

// LastFatal returns the recorded fatal broker error, or nil.
func (p *Publisher) LastFatal() error {
	if err := p.fatal.Load(); err != nil {
		return *err
	}
	return nil
}

// ResetFatal clears the fatal error latch, restoring health after an
// operator intervention.
func (p *Publisher) ResetFatal() {
	p.fatal.Store(nil)
}

// BreakerState exposes the publish breaker state for health reporting.
func (p *Publisher) BreakerState() breaker.State {
	return p.brk.State()
}

// Published returns the count of successfully published records.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Close flushes within timeout and releases the writer. Further Publish
// calls fail.
func (p *Publisher) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	flushErr := p.Flush(ctx)

	if err := p.writer.Close(); err != nil {
		p.logger.Warn("Writer close failed", "error", err)
	}
	return flushErr
}

func (p *Publisher) recordFatal(err error) {
	p.fatal.Store(&err)
	p.logger.Error("Fatal broker error; publisher degraded", "error", err)
}

// resolveCompression maps a config string onto a kafka-go codec.
func resolveCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("unknown compression codec %q", name),
			"Publisher", "New", "compression validation")
	}
}
