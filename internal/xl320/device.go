package xl320

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reading is a register value decoded from a data response.
type Reading struct {
	RequestID uint64    `json:"requestId"`
	ID        uint8     `json:"id"`
	Register  Name      `json:"register"`
	Value     uint16    `json:"value"`
	Status    uint8     `json:"status"`
	At        time.Time `json:"at"`
}

// Ack is a status frame without register data, typically the reply to a write.
type Ack struct {
	ID     uint8     `json:"id"`
	Status uint8     `json:"status"`
	At     time.Time `json:"at"`
}

// Request is one outstanding read. It completes exactly once.
type Request struct {
	ID       uint64
	Device   uint8
	Register Register

	deadline time.Time
	done     chan struct{}
	release  func()
	reading  Reading
	err      error
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the response arrives, the request fails or ctx ends.
func (r *Request) Wait(ctx context.Context) (Reading, error) {
	select {
	case <-r.done:
		return r.reading, r.err
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

func (r *Request) complete(rd Reading, err error) {
	r.reading = rd
	r.err = err
	close(r.done)
	if r.release != nil {
		r.release()
	}
}

// Device is the handle for one servo. At most one read is outstanding at a
// time, so a response can only belong to the request at the queue head.
type Device struct {
	id  uint8
	bus *Bus

	gate    chan struct{} // holds a token while a read is outstanding
	mu      sync.Mutex
	pending []*Request

	readings chan Reading
	acks     chan Ack
}

func newDevice(id uint8, bus *Bus) *Device {
	return &Device{
		id:       id,
		bus:      bus,
		gate:     make(chan struct{}, 1),
		readings: make(chan Reading, 32),
		acks:     make(chan Ack, 32),
	}
}

// ID returns the bus address of the servo.
func (d *Device) ID() uint8 { return d.id }

// Readings delivers every successfully decoded value. Values are dropped
// when the channel is full; use Request.Wait for guaranteed delivery.
func (d *Device) Readings() <-chan Reading { return d.readings }

// Acks delivers status frames that carry no data.
func (d *Device) Acks() <-chan Ack { return d.acks }

// PendingReads returns the number of reads awaiting a response.
func (d *Device) PendingReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Set writes value to the named register. It does not wait for the servo's
// acknowledgement.
func (d *Device) Set(ctx context.Context, name Name, value uint16) error {
	reg, err := Lookup(name)
	if err != nil {
		return err
	}
	frame, err := EncodeWrite(d.id, reg, value)
	if err != nil {
		return err
	}
	return d.bus.send(ctx, InstWrite, frame)
}

// Read requests the named register. The returned request completes when
// the matching data frame is dispatched. If another read on this device is
// still outstanding, Read waits for it to complete first.
func (d *Device) Read(ctx context.Context, name Name) (*Request, error) {
	reg, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	frame, err := EncodeRead(d.id, reg)
	if err != nil {
		return nil, err
	}

	select {
	case d.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.bus.closed:
		return nil, ErrBusClosed
	}

	req := &Request{
		ID:       d.bus.requestID(),
		Device:   d.id,
		Register: reg,
		done:     make(chan struct{}),
		release:  func() { <-d.gate },
	}
	// Queue before sending so a fast reply always finds its request.
	d.mu.Lock()
	d.pending = append(d.pending, req)
	d.mu.Unlock()

	if err := d.bus.send(ctx, InstRead, frame); err != nil {
		if d.remove(req) {
			req.complete(Reading{}, err)
		}
		return nil, err
	}

	d.mu.Lock()
	req.deadline = time.Now().Add(d.bus.timeout)
	d.mu.Unlock()
	return req, nil
}

// Get reads the named register and waits for its value.
func (d *Device) Get(ctx context.Context, name Name) (uint16, error) {
	req, err := d.Read(ctx, name)
	if err != nil {
		return 0, err
	}
	rd, err := req.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return rd.Value, nil
}

func (d *Device) SetLED(ctx context.Context, c Color) error {
	return d.Set(ctx, LED, uint16(c))
}

// SetMode switches between wheel and join mode. Torque must be off.
func (d *Device) SetMode(ctx context.Context, m OperatingMode) error {
	return d.Set(ctx, Mode, uint16(m))
}

func (d *Device) SetTorque(ctx context.Context, t TorqueState) error {
	return d.Set(ctx, Torque, uint16(t))
}

// SetVelocity sets the goal velocity: 0..1023 CCW, 1024..2047 CW in wheel
// mode, 0..1023 in join mode.
func (d *Device) SetVelocity(ctx context.Context, v uint16) error {
	return d.Set(ctx, GoalVelocity, v)
}

// SetPosition sets the goal position, 0..1023 for 0..300 degrees.
func (d *Device) SetPosition(ctx context.Context, p uint16) error {
	return d.Set(ctx, GoalPosition, p)
}

func (d *Device) SetPGain(ctx context.Context, v uint8) error { return d.Set(ctx, PGain, uint16(v)) }
func (d *Device) SetIGain(ctx context.Context, v uint8) error { return d.Set(ctx, IGain, uint16(v)) }
func (d *Device) SetDGain(ctx context.Context, v uint8) error { return d.Set(ctx, DGain, uint16(v)) }

func (d *Device) ReadLED(ctx context.Context) (*Request, error)      { return d.Read(ctx, LED) }
func (d *Device) ReadPosition(ctx context.Context) (*Request, error) { return d.Read(ctx, Position) }
func (d *Device) ReadVelocity(ctx context.Context) (*Request, error) { return d.Read(ctx, Velocity) }
func (d *Device) ReadTorque(ctx context.Context) (*Request, error)   { return d.Read(ctx, Torque) }
func (d *Device) ReadMode(ctx context.Context) (*Request, error)     { return d.Read(ctx, Mode) }
func (d *Device) ReadLoad(ctx context.Context) (*Request, error)     { return d.Read(ctx, Load) }
func (d *Device) ReadPGain(ctx context.Context) (*Request, error)    { return d.Read(ctx, PGain) }
func (d *Device) ReadIGain(ctx context.Context) (*Request, error)    { return d.Read(ctx, IGain) }
func (d *Device) ReadDGain(ctx context.Context) (*Request, error)    { return d.Read(ctx, DGain) }

// ReadVoltage requests the supply voltage in 0.1 V units (7.5 V reads 75).
func (d *Device) ReadVoltage(ctx context.Context) (*Request, error) { return d.Read(ctx, Voltage) }

// ReadTemperature requests the internal temperature in degrees Celsius.
func (d *Device) ReadTemperature(ctx context.Context) (*Request, error) {
	return d.Read(ctx, Temperature)
}

func (d *Device) ReadGoalPosition(ctx context.Context) (*Request, error) {
	return d.Read(ctx, GoalPosition)
}

func (d *Device) ReadGoalVelocity(ctx context.Context) (*Request, error) {
	return d.Read(ctx, GoalVelocity)
}

// deliver routes one status frame to this device and returns its kind.
func (d *Device) deliver(p StatusPacket, now time.Time) (string, error) {
	if p.IsAck() {
		select {
		case d.acks <- Ack{ID: d.id, Status: p.Error, At: now}:
		default:
		}
		return "ack", nil
	}

	value, err := p.Value()
	if err != nil {
		return "", fmt.Errorf("servo %d: %w", d.id, err)
	}

	d.mu.Lock()
	expired := d.expireLocked(now)
	if len(d.pending) == 0 {
		d.mu.Unlock()
		d.completeExpired(expired)
		return "", fmt.Errorf("%w: servo %d value %d", ErrUnsolicited, d.id, value)
	}
	req := d.pending[0]
	if len(p.Params) != req.Register.Width {
		d.mu.Unlock()
		d.completeExpired(expired)
		return "", fmt.Errorf("%w: servo %d sent %d bytes, %s expects %d",
			ErrUnsolicited, d.id, len(p.Params), req.Register.Name, req.Register.Width)
	}
	d.pending = d.pending[1:]
	d.mu.Unlock()
	d.completeExpired(expired)

	rd := Reading{
		RequestID: req.ID,
		ID:        d.id,
		Register:  req.Register.Name,
		Value:     value,
		Status:    p.Error,
		At:        now,
	}
	if code := p.Error &^ StatusAlert; code != 0 {
		req.complete(rd, &StatusError{ID: d.id, Code: p.Error})
		return "data", nil
	}
	req.complete(rd, nil)
	select {
	case d.readings <- rd:
	default:
	}
	return "data", nil
}

// expire fails overdue reads and returns how many were failed.
func (d *Device) expire(now time.Time) int {
	d.mu.Lock()
	expired := d.expireLocked(now)
	d.mu.Unlock()
	d.completeExpired(expired)
	return len(expired)
}

func (d *Device) completeExpired(expired []*Request) {
	for _, r := range expired {
		r.complete(Reading{}, fmt.Errorf("%w: servo %d %s", ErrResponseTimeout, d.id, r.Register.Name))
	}
}

// expireLocked pops overdue requests from the front of the queue.
func (d *Device) expireLocked(now time.Time) []*Request {
	var expired []*Request
	for len(d.pending) > 0 {
		r := d.pending[0]
		if r.deadline.IsZero() || now.Before(r.deadline) {
			break
		}
		expired = append(expired, r)
		d.pending = d.pending[1:]
	}
	return expired
}

// remove drops req from the queue and reports whether it was still there.
func (d *Device) remove(req *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.pending {
		if r == req {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Device) failAll(err error) {
	d.mu.Lock()
	reqs := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, r := range reqs {
		r.complete(Reading{}, err)
	}
}
