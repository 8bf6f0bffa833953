package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig holds connection settings for a USB or TTL serial adapter.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// ReadTimeout bounds a single Read so the reader can notice shutdown.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

const (
	defaultBaudRate    = 1000000
	defaultReadTimeout = 100 * time.Millisecond

	drainSilence = 20 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
)

// Serial is a Port backed by go.bug.st/serial. Reads and writes may run
// concurrently; Connect and Close swap the underlying port.
type Serial struct {
	cfg SerialConfig
	log *zap.Logger

	mu        sync.Mutex
	port      serial.Port
	connected bool
}

// NewSerial returns an unopened serial port.
func NewSerial(cfg SerialConfig, log *zap.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{cfg: cfg, log: log}
}

func (s *Serial) Name() string {
	return fmt.Sprintf("serial %s @ %d", s.cfg.PortPath, s.cfg.BaudRate)
}

// Connect opens the port, closing any previous handle, and discards bytes
// left on the line by servos booting or an earlier session.
func (s *Serial) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
		s.connected = false
	}

	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	s.port = port
	s.drain(port)
	s.connected = true

	s.log.Info("opened port", zap.String("path", s.cfg.PortPath), zap.Int("baud", s.cfg.BaudRate))
	return nil
}

// drain reads until the line goes quiet.
func (s *Serial) drain(port serial.Port) {
	_ = port.ResetInputBuffer()
	_ = port.SetReadTimeout(drainSilence)
	defer port.SetReadTimeout(s.cfg.ReadTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := port.Read(buf)
		if n == 0 {
			break
		}
		if total == 0 {
			s.log.Debug("drain first bytes", zap.Binary("bytes", buf[:n]))
		}
		total += n
	}
	if total > 0 {
		s.log.Info("drained stale bytes", zap.Int("count", total))
	}
}

func (s *Serial) current() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Read returns 0, nil when the read timeout elapses without data.
func (s *Serial) Read(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Read(p)
	if err != nil {
		s.markDown(port)
		return n, fmt.Errorf("serial: read %s: %w", s.cfg.PortPath, err)
	}
	return n, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Write(p)
	if err != nil {
		s.markDown(port)
		return n, fmt.Errorf("serial: write %s: %w", s.cfg.PortPath, err)
	}
	return n, nil
}

func (s *Serial) markDown(port serial.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == port {
		s.connected = false
	}
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	return ports, nil
}
