// Package recorder writes servo telemetry to rotating CSV files.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// Sample is one poll of one servo. Registers missing from Values were not
// read or failed and are left blank.
type Sample struct {
	At     time.Time
	ID     uint8
	Values map[xl320.Name]uint16
}

const (
	defaultPath    = "/var/log/xl320d"
	maxRowsPerFile = 100_000
)

// Recorder appends samples to CSV files, one row per servo per poll.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	session  uuid.UUID
	columns  []xl320.Register
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

func New(cfg Config, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		session:  uuid.New(),
		columns:  xl320.Registers(),
		log:      log,
	}
}

// Session identifies this process's recording in file names and rows.
func (r *Recorder) Session() uuid.UUID { return r.session }

// SetEnabled toggles recording at runtime. Disabling closes the file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently being written, if any.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record writes the samples of one poll unless the minimum interval since
// the previous poll has not elapsed.
func (r *Recorder) Record(at time.Time, samples []Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(samples) == 0 {
		return
	}
	if !r.lastTs.IsZero() && at.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = at

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(at); err != nil {
			r.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	for _, s := range samples {
		if err := r.writer.Write(r.buildRow(s)); err != nil {
			r.log.Error("write failed", zap.Error(err))
			return
		}
		r.rows++
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.log.Error("flush failed", zap.Error(err))
	}
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) header() []string {
	h := []string{"timestamp", "session", "servo_id"}
	for _, c := range r.columns {
		h = append(h, string(c.Name))
	}
	return h
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	name := fmt.Sprintf("xl320_%s_%s.csv", now.Format("2006-01-02_150405.000"), r.session.String()[:8])
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(r.header()); err != nil {
		return fmt.Errorf("recorder: header: %w", err)
	}
	r.writer.Flush()

	r.log.Info("opened", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) buildRow(s Sample) []string {
	row := make([]string, 3+len(r.columns))
	row[0] = s.At.Format(time.RFC3339Nano)
	row[1] = r.session.String()
	row[2] = strconv.Itoa(int(s.ID))
	for i, c := range r.columns {
		if v, ok := s.Values[c.Name]; ok {
			row[3+i] = strconv.Itoa(int(v))
		}
	}
	return row
}
