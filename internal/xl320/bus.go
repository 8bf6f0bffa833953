package xl320

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Observer receives bus activity counters. Implementations must not block.
type Observer interface {
	FrameSent(inst Instruction, bytes int)
	BytesReceived(n int)
	StatusReceived(kind string)
	FrameError(err error)
	Pending(n int)
}

type nopObserver struct{}

func (nopObserver) FrameSent(Instruction, int) {}
func (nopObserver) BytesReceived(int)          {}
func (nopObserver) StatusReceived(string)      {}
func (nopObserver) FrameError(error)           {}
func (nopObserver) Pending(int)                {}

// BusConfig holds tuning for a Bus.
type BusConfig struct {
	// MaxBuffer bounds the receive buffer (DefaultMaxBuffer when zero).
	MaxBuffer int
	// ResponseTimeout fails a read that has not been answered in time.
	ResponseTimeout time.Duration
	// CommandRate limits outbound frames per second; zero disables pacing.
	CommandRate float64
	Logger      *zap.Logger
	Observer    Observer
}

const (
	defaultResponseTimeout = 250 * time.Millisecond
	readChunk              = 256
)

// Bus multiplexes the devices sharing one half-duplex line. It owns the
// receive buffer and routes every decoded status frame by device id.
type Bus struct {
	w       io.Writer
	log     *zap.Logger
	obs     Observer
	limiter *rate.Limiter
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex // guards reasm and devices
	reasm   *Reassembler
	devices map[uint8]*Device

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	nextReq   atomic.Uint64
}

// NewBus returns a bus writing frames to w. Inbound bytes are supplied
// through Ingest or Run.
func NewBus(w io.Writer, cfg BusConfig) *Bus {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	b := &Bus{
		w:       w,
		log:     cfg.Logger,
		obs:     cfg.Observer,
		timeout: cfg.ResponseTimeout,
		reasm:   NewReassembler(cfg.MaxBuffer),
		devices: make(map[uint8]*Device),
		errs:    make(chan error, 64),
		closed:  make(chan struct{}),
	}
	if cfg.CommandRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), 1)
	}
	return b
}

// Device returns the handle for a unicast id, creating it on first use.
func (b *Bus) Device(id uint8) (*Device, error) {
	if id > MaxDeviceID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDeviceID, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[id]; ok {
		return d, nil
	}
	d := newDevice(id, b)
	b.devices[id] = d
	return d, nil
}

// Broadcast returns a write-only handle addressing every servo on the bus.
// It is not registered for inbound frames.
func (b *Bus) Broadcast() *Device {
	return newDevice(BroadcastID, b)
}

// Devices returns the ids of registered devices.
func (b *Bus) Devices() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uint8, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	return ids
}

// Errors reports dropped frames and routing problems. Sends never block.
func (b *Bus) Errors() <-chan error { return b.errs }

// Ingest feeds one inbound chunk through the reassembler and dispatches the
// resulting frames. Calls are serialised.
func (b *Bus) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.obs.BytesReceived(len(chunk))

	b.mu.Lock()
	packets := b.reasm.Feed(chunk)
	b.drainReassembler()
	targets := make([]*Device, len(packets))
	for i, p := range packets {
		targets[i] = b.devices[p.ID]
	}
	b.mu.Unlock()

	now := time.Now()
	for i, p := range packets {
		d := targets[i]
		if d == nil {
			b.report(fmt.Errorf("%w: %d", ErrUnknownDeviceID, p.ID))
			continue
		}
		kind, err := d.deliver(p, now)
		if err != nil {
			b.report(err)
			continue
		}
		b.obs.StatusReceived(kind)
	}
}

// Run reads chunks from r until ctx is cancelled, the bus is closed or r
// fails. It also expires unanswered reads. Cancelling ctx does not unblock
// a pending Read on r; close the transport to stop promptly.
func (b *Bus) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.expireLoop(ctx)

	buf := make([]byte, readChunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			b.Ingest(buf[:n])
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			}
			select {
			case <-b.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("xl320: read: %w", err)
		}
	}
}

// Close fails every outstanding read with ErrBusClosed. It does not close
// the underlying transport.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		devs := make([]*Device, 0, len(b.devices))
		for _, d := range b.devices {
			devs = append(devs, d)
		}
		b.mu.Unlock()
		for _, d := range devs {
			d.failAll(ErrBusClosed)
		}
	})
	return nil
}

func (b *Bus) send(ctx context.Context, inst Instruction, frame []byte) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	n, err := b.w.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: incomplete write %d/%d bytes", ErrTransportWrite, n, len(frame))
	}
	b.obs.FrameSent(inst, n)
	if ce := b.log.Check(zap.DebugLevel, "tx"); ce != nil {
		ce.Write(zap.Stringer("inst", inst), zap.Binary("frame", frame))
	}
	return nil
}

func (b *Bus) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(b.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case now := <-ticker.C:
			b.expire(now)
		}
	}
}

// expire fails reads whose deadline has passed.
func (b *Bus) expire(now time.Time) {
	b.mu.Lock()
	devs := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}
	b.mu.Unlock()

	total := 0
	for _, d := range devs {
		if n := d.expire(now); n > 0 {
			b.log.Debug("read expired", zap.Uint8("id", d.id), zap.Int("count", n))
		}
		total += d.PendingReads()
	}
	b.obs.Pending(total)
}

// drainReassembler forwards reassembler diagnostics. Caller holds b.mu.
func (b *Bus) drainReassembler() {
	for {
		select {
		case err := <-b.reasm.Errors():
			b.report(err)
		default:
			return
		}
	}
}

func (b *Bus) report(err error) {
	b.obs.FrameError(err)
	b.log.Debug("rx dropped", zap.Error(err))
	select {
	case b.errs <- err:
	default:
	}
}

func (b *Bus) requestID() uint64 { return b.nextReq.Add(1) }
