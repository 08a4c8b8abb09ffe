// Package breaker provides a failure-ratio circuit breaker. The breaker
// samples operation outcomes over a sliding window and opens when the
// failure ratio crosses a threshold at sufficient throughput. While open,
// calls fail fast; after the open duration a single probe is admitted.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/gpsgate/errors"
)

// State represents the breaker state machine position.
type State int

const (
	// Closed admits all operations and samples their outcomes.
	Closed State = iota
	// Open rejects all operations until the open duration elapses.
	Open
	// HalfOpen admits a single probe operation.
	HalfOpen
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureRatio  float64       // Open when failures/total >= this ratio
	Window        time.Duration // Sampling window for the ratio
	MinThroughput int           // Minimum samples in window before evaluating
	OpenDuration  time.Duration // How long to stay open before probing
}

// DefaultConfig returns thresholds suitable for a broker publish path.
func DefaultConfig() Config {
	return Config{
		FailureRatio:  0.5,
		Window:        60 * time.Second,
		MinThroughput: 10,
		OpenDuration:  30 * time.Second,
	}
}

// bucketCount subdivides the window so pruning stays O(1) per record.
const bucketCount = 10

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker is a thread-safe failure-ratio circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	buckets  [bucketCount]bucket
	openedAt time.Time
	probing  bool

	// onState, if set, observes state transitions (used for metrics gauges)
	onState func(State)

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateHook registers a callback invoked on every state transition.
func WithStateHook(hook func(State)) Option {
	return func(b *Breaker) { b.onState = hook }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker with the given name and thresholds.
func New(name string, cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MinThroughput <= 0 {
		cfg.MinThroughput = 10
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("breaker", name),
		state:  Closed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an operation may proceed. It returns
// errors.ErrCircuitOpen while the breaker is open. When the open duration
// has elapsed, a single caller is admitted as the half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return errors.ErrCircuitOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return errors.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful operation outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.reset()
		b.transition(Closed)
		b.logger.Info("Breaker closed after successful probe")
	case Closed:
		b.currentBucket().successes++
	case Open:
		// Late result from before the trip; ignore
	}
}

// RecordFailure records a failed operation outcome and evaluates the trip
// condition.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(Open)
		b.logger.Warn("Breaker re-opened after failed probe")
	case Closed:
		b.currentBucket().failures++
		successes, failures := b.windowCounts()
		total := successes + failures
		if total >= b.cfg.MinThroughput &&
			float64(failures)/float64(total) >= b.cfg.FailureRatio {
			b.openedAt = b.now()
			b.transition(Open)
			b.logger.Error("Breaker opened",
				"failures", failures,
				"total", total,
				"ratio", float64(failures)/float64(total))
		}
	case Open:
	}
}

// Do runs op if the breaker admits it and records the outcome.
// Context cancellation is recorded as neither success nor failure.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}
	if errors.IsCancelled(err) || ctx.Err() != nil {
		// Cancellation says nothing about downstream health. Release the
		// half-open probe slot so the next caller can retry it.
		b.releaseProbe()
		return err
	}
	b.RecordFailure()
	return err
}

// SetStateHook installs a transition callback after construction; used
// when the breaker is built from configuration before metrics exist.
func (b *Breaker) SetStateHook(hook func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = hook
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	b.state = to
	if b.onState != nil {
		b.onState(to)
	}
}

// currentBucket returns the bucket for the current time slice, rotating
// stale buckets out. Must be called with the mutex held.
func (b *Breaker) currentBucket() *bucket {
	now := b.now()
	slice := b.cfg.Window / bucketCount
	idx := int(now.UnixNano()/int64(slice)) % bucketCount
	bkt := &b.buckets[idx]
	if now.Sub(bkt.start) >= slice {
		bkt.start = now.Truncate(slice)
		bkt.successes = 0
		bkt.failures = 0
	}
	return bkt
}

// windowCounts sums samples still inside the window. Must be called with
// the mutex held.
func (b *Breaker) windowCounts() (successes, failures int) {
	now := b.now()
	for i := range b.buckets {
		if now.Sub(b.buckets[i].start) < b.cfg.Window {
			successes += b.buckets[i].successes
			failures += b.buckets[i].failures
		}
	}
	return successes, failures
}

// reset clears all window samples. Must be called with the mutex held.
func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}
