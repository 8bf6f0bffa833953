package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

// SimConfig describes a simulated servo chain.
type SimConfig struct {
	// IDs lists the servos present on the bus (default: servo 1).
	IDs []uint8
	// EchoTX makes every written frame appear on the read side, as on a
	// half-duplex adapter without echo suppression.
	EchoTX bool
	// MaxChunk is the largest number of bytes a single Read returns.
	MaxChunk int
	// Seed fixes the chunking and sensor noise; zero uses the clock.
	Seed int64
}

const (
	simTableSize   = 64
	simReadTimeout = 50 * time.Millisecond
	simModelNumber = 350
	simFirmware    = 0x1F

	// Full speed in position units per second (about 114 rpm).
	simMaxSpeed = 2330.0
)

// Control table addresses outside the public register map.
const (
	addrModelNumber = 0
	addrFirmware    = 2
	addrID          = 3
)

type simServo struct {
	id    uint8
	table [simTableSize]byte
	pos   float64
	t     float64
}

// Sim is an in-memory bus of XL-320 servos. Frames written to it are
// executed against per-servo control tables and answered with status
// frames, delivered to the reader in randomly sized chunks.
type Sim struct {
	mu       sync.Mutex
	servos   map[uint8]*simServo
	in       []byte
	out      []byte
	wake     chan struct{}
	rng      *rand.Rand
	echo     bool
	maxChunk int
	last     time.Time
	open     bool
}

// NewSim returns a connected simulated bus.
func NewSim(cfg SimConfig) *Sim {
	if len(cfg.IDs) == 0 {
		cfg.IDs = []uint8{1}
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 8
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sim{
		servos:   make(map[uint8]*simServo, len(cfg.IDs)),
		wake:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(seed)),
		echo:     cfg.EchoTX,
		maxChunk: cfg.MaxChunk,
		last:     time.Now(),
		open:     true,
	}
	for _, id := range cfg.IDs {
		s.servos[id] = newSimServo(id)
	}
	return s
}

func newSimServo(id uint8) *simServo {
	sv := &simServo{id: id, pos: 512}
	sv.put(addrModelNumber, 2, simModelNumber)
	sv.put(addrFirmware, 1, simFirmware)
	sv.put(addrID, 1, uint16(id))
	sv.set(xl320.Mode, uint16(xl320.ModeJoin))
	sv.set(xl320.GoalPosition, 512)
	sv.set(xl320.Position, 512)
	sv.set(xl320.PGain, 32)
	sv.set(xl320.Voltage, 75)
	sv.set(xl320.Temperature, 32)
	return sv
}

func (sv *simServo) put(addr uint16, width int, v uint16) {
	if width == 1 {
		sv.table[addr] = byte(v)
		return
	}
	binary.LittleEndian.PutUint16(sv.table[addr:], v)
}

func (sv *simServo) get(addr uint16, width int) uint16 {
	if width == 1 {
		return uint16(sv.table[addr])
	}
	return binary.LittleEndian.Uint16(sv.table[addr:])
}

func (sv *simServo) set(name xl320.Name, v uint16) {
	r, _ := xl320.Lookup(name)
	sv.put(r.Address, r.Width, v)
}

func (sv *simServo) value(name xl320.Name) uint16 {
	r, _ := xl320.Lookup(name)
	return sv.get(r.Address, r.Width)
}

// step advances the servo model by dt seconds.
func (sv *simServo) step(dt float64, rng *rand.Rand) {
	sv.t += dt
	torque := sv.value(xl320.Torque) == uint16(xl320.TorqueOn)
	goalVel := sv.value(xl320.GoalVelocity)

	switch xl320.OperatingMode(sv.value(xl320.Mode)) {
	case xl320.ModeWheel:
		sv.set(xl320.Velocity, 0)
		if torque {
			sv.set(xl320.Velocity, goalVel)
		}
	default:
		speed := simMaxSpeed
		if v := goalVel & 0x3FF; v != 0 {
			speed = float64(v) * simMaxSpeed / 1023
		}
		moved := 0.0
		if torque {
			goal := float64(sv.value(xl320.GoalPosition))
			diff := goal - sv.pos
			maxStep := speed * dt
			moved = math.Max(-maxStep, math.Min(maxStep, diff))
			sv.pos += moved
		}
		sv.set(xl320.Position, uint16(math.Round(sv.pos)))
		vel := uint16(0)
		if dt > 0 {
			vel = uint16(math.Min(1023, math.Abs(moved)/dt*1023/simMaxSpeed))
		}
		if moved < 0 {
			vel |= 0x400
		}
		sv.set(xl320.Velocity, vel)
	}

	sv.set(xl320.Load, uint16(rng.Intn(40)))
	sv.set(xl320.Voltage, uint16(74+rng.Intn(3)))
	sv.set(xl320.Temperature, uint16(32+3*math.Sin(sv.t*0.1)+rng.Float64()))
}

func (s *Sim) Name() string { return "simulated bus" }

// Connect reopens a closed simulation.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.open = true
		s.wake = make(chan struct{})
	}
	return nil
}

func (s *Sim) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close makes pending and future reads return io.EOF.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.open = false
		s.signal()
	}
	return nil
}

// Write executes every complete instruction frame in p. Partial frames are
// held until the rest arrives.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, ErrNotConnected
	}
	s.advance(time.Now())
	if s.echo {
		s.out = append(s.out, p...)
	}
	s.in = append(s.in, p...)
	for {
		start := bytes.Index(s.in, []byte{0xFF, 0xFF, 0xFD, 0x00})
		if start < 0 {
			s.in = s.in[:0]
			break
		}
		s.in = s.in[start:]
		if len(s.in) < 7 {
			break
		}
		total := 7 + int(binary.LittleEndian.Uint16(s.in[5:7]))
		if total > 7+simTableSize {
			s.in = s.in[1:]
			continue
		}
		if len(s.in) < total {
			break
		}
		pkt, err := xl320.DecodeInstruction(s.in[:total])
		if err != nil {
			s.in = s.in[1:]
			continue
		}
		s.in = s.in[total:]
		s.execute(pkt)
	}
	if len(s.out) > 0 {
		s.signal()
	}
	return len(p), nil
}

func (s *Sim) execute(pkt xl320.InstructionPacket) {
	if pkt.ID == xl320.BroadcastID {
		if pkt.Instruction == xl320.InstWrite {
			for _, sv := range s.servos {
				s.write(sv, pkt.Params)
			}
		}
		return
	}
	sv, ok := s.servos[pkt.ID]
	if !ok {
		return
	}
	switch pkt.Instruction {
	case xl320.InstPing:
		params := make([]byte, 3)
		binary.LittleEndian.PutUint16(params, simModelNumber)
		params[2] = simFirmware
		s.reply(sv.id, 0, params)
	case xl320.InstRead:
		if len(pkt.Params) != 4 {
			s.reply(sv.id, xl320.StatusDataLength, nil)
			return
		}
		addr := binary.LittleEndian.Uint16(pkt.Params)
		n := int(binary.LittleEndian.Uint16(pkt.Params[2:]))
		if int(addr)+n > simTableSize {
			s.reply(sv.id, xl320.StatusDataRange, nil)
			return
		}
		data := make([]byte, n)
		copy(data, sv.table[addr:])
		s.reply(sv.id, 0, data)
	case xl320.InstWrite:
		s.reply(sv.id, s.write(sv, pkt.Params), nil)
	default:
		s.reply(sv.id, xl320.StatusInstruction, nil)
	}
}

// write applies a write instruction and returns the status error code.
func (s *Sim) write(sv *simServo, params []byte) uint8 {
	if len(params) < 3 {
		return xl320.StatusDataLength
	}
	addr := binary.LittleEndian.Uint16(params)
	data := params[2:]
	if int(addr)+len(data) > simTableSize {
		return xl320.StatusDataRange
	}
	if r, ok := xl320.RegisterAt(addr); ok && !r.Access.CanWrite() {
		return xl320.StatusAccess
	}
	copy(sv.table[addr:], data)
	return 0
}

func (s *Sim) reply(id, errCode uint8, params []byte) {
	s.out = append(s.out, xl320.EncodeStatus(id, errCode, params)...)
}

func (s *Sim) advance(now time.Time) {
	dt := now.Sub(s.last).Seconds()
	s.last = now
	for _, sv := range s.servos {
		sv.step(dt, s.rng)
	}
}

// signal wakes blocked readers. Caller holds s.mu.
func (s *Sim) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Read returns the next chunk of response bytes. Like a serial port with a
// read timeout it returns 0, nil when nothing arrives for a while.
func (s *Sim) Read(p []byte) (int, error) {
	timeout := time.NewTimer(simReadTimeout)
	defer timeout.Stop()
	for {
		s.mu.Lock()
		if len(s.out) > 0 {
			n := 1 + s.rng.Intn(s.maxChunk)
			n = min(n, len(s.out), len(p))
			copy(p, s.out[:n])
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		if !s.open {
			s.mu.Unlock()
			return 0, io.EOF
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-timeout.C:
			return 0, nil
		}
	}
}

// Peek returns a control table value of a simulated servo.
func (s *Sim) Peek(id uint8, name xl320.Name) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servos[id]
	if !ok {
		return 0, false
	}
	s.advance(time.Now())
	return sv.value(name), true
}
