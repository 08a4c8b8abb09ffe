// Package udp provides the stateless UDP datagram endpoint. A single
// receiver loop reads datagrams into pooled buffers and enqueues frames.
//
// Device ids are synthetic: "<talker+type>_<peer-address>" with colons
// replaced by underscores for partition-key safety. The peer address is
// the only affinity mechanism, so a NAT rebinding renames the device.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/pipeline"
	"github.com/c360/gpsgate/pkg/bufpool"
	"github.com/c360/gpsgate/resilience"
	"github.com/c360/gpsgate/stats"
)

const readPollInterval = 500 * time.Millisecond

// socketBufferSize raises the OS receive buffer to survive bursts.
const socketBufferSize = 2 * 1024 * 1024

// Enqueuer is the pipeline seam.
type Enqueuer interface {
	Enqueue(ctx context.Context, f pipeline.Frame) error
}

// Config holds UDP endpoint settings.
type Config struct {
	Port int
	Bind string
}

// DefaultConfig returns the standard ingress settings.
func DefaultConfig() Config {
	return Config{
		Port: 8081,
		Bind: "0.0.0.0",
	}
}

// Deps holds runtime dependencies for the UDP input.
type Deps struct {
	Pipeline Enqueuer
	Pool     *bufpool.Pool
	Tracker  *stats.Tracker
	Metrics  *metric.Registry
	Logger   *slog.Logger

	// BindPolicy wraps the socket bind; defaults to the connection
	// resilience policy.
	BindPolicy resilience.Policy
}

// Input is the UDP datagram receiver.
type Input struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	bindPolicy resilience.Policy

	mu       sync.Mutex
	conn     *net.UDPConn
	shutdown chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	errorCount atomic.Int64
}

// NewInput creates a UDP input component.
func NewInput(cfg Config, deps Deps) (*Input, error) {
	if deps.Pipeline == nil || deps.Pool == nil || deps.Tracker == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "UDPInput", "NewInput", "dependency validation")
	}
	// Port 0 is allowed for OS auto-assignment
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid port %d", cfg.Port),
			"UDPInput", "NewInput", "port validation")
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bindPolicy := deps.BindPolicy
	if bindPolicy.Name == "" {
		bindPolicy = resilience.ConnectionPolicy(nil)
	}

	return &Input{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "udp-input", "port", cfg.Port),
		bindPolicy: bindPolicy,
	}, nil
}

// Start binds the socket and launches the receiver loop.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	var pc net.PacketConn
	err := in.bindPolicy.Do(ctx, func(ctx context.Context) error {
		var bindErr error
		pc, bindErr = lc.ListenPacket(ctx, "udp", fmt.Sprintf("%s:%d", in.cfg.Bind, in.cfg.Port))
		return bindErr
	})
	if err != nil {
		return errors.WrapTransient(err, "UDPInput", "Start", "socket bind")
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return errors.WrapFatal(
			fmt.Errorf("unexpected packet conn type %T", pc),
			"UDPInput", "Start", "socket bind")
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		// Some systems cap the buffer; run with what the OS grants
		in.logger.Warn("Could not set UDP receive buffer",
			"buffer_size", socketBufferSize,
			"error", err)
	}

	in.conn = conn
	in.shutdown = make(chan struct{})
	in.running.Store(true)
	in.deps.Tracker.SetUDPActive(true)
	if in.deps.Metrics != nil {
		in.deps.Metrics.Core().UDPActive.Set(1)
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.readLoop(ctx)
	}()

	in.logger.Info("UDP endpoint listening", "bind", in.cfg.Bind)
	return nil
}

// Stop closes the socket and waits for the receiver to exit.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	if !in.running.Load() {
		in.mu.Unlock()
		return nil
	}
	in.running.Store(false)
	close(in.shutdown)
	if in.conn != nil {
		_ = in.conn.Close()
	}
	in.mu.Unlock()

	in.deps.Tracker.SetUDPActive(false)
	if in.deps.Metrics != nil {
		in.deps.Metrics.Core().UDPActive.Set(0)
	}

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("stop timeout after %v", timeout),
			"UDPInput", "Stop", "receiver drain")
	}
}

// Healthy reports receiver liveness.
func (in *Input) Healthy() bool {
	return in.running.Load()
}

// Addr returns the bound socket address, or nil before Start.
func (in *Input) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn == nil {
		return nil
	}
	return in.conn.LocalAddr()
}

// readLoop receives datagrams until shutdown.
func (in *Input) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.shutdown:
			return
		default:
		}

		buf := in.deps.Pool.Get(bufpool.DatagramBufferSize)

		_ = in.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, peer, err := in.conn.ReadFromUDP(buf)

		if n > 0 {
			deviceID := deriveDeviceID(buf[:n], peer)
			in.deps.Tracker.MessageReceived()

			frame := pipeline.NewFrame(buf[:n], time.Now().UTC(), pipeline.SourceDescriptor{
				// The synthetic device id doubles as the ordering key;
				// UDP offers no real ordering guarantee regardless
				SessionID: deviceID,
				DeviceID:  deviceID,
				Remote:    peer.String(),
				Transport: pipeline.TransportUDP,
			}, in.releaseFunc(buf))

			if err := in.deps.Pipeline.Enqueue(ctx, frame); err != nil {
				in.errorCount.Add(1)
				return
			}
		} else {
			in.deps.Pool.Put(buf)
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-in.shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}
			in.errorCount.Add(1)
			if !errors.IsTransient(err) {
				in.logger.Error("Socket read failed; receiver exiting", "error", err)
				return
			}
		}
	}
}

func (in *Input) releaseFunc(buf []byte) func() {
	return func() { in.deps.Pool.Put(buf) }
}

// deriveDeviceID builds "<talker+type>_<peer>" with colons replaced by
// underscores so the id is safe inside a partition key.
func deriveDeviceID(data []byte, peer *net.UDPAddr) string {
	tag := "UNKNOWN"
	if len(data) >= 7 && data[0] == '$' && data[6] == ',' {
		candidate := data[1:6]
		valid := true
		for _, b := range candidate {
			if b < 'A' || b > 'Z' {
				valid = false
				break
			}
		}
		if valid {
			tag = string(candidate)
		}
	}

	peerPart := strings.ReplaceAll(peer.String(), ":", "_")
	return tag + "_" + peerPart
}
