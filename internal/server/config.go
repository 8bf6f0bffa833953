package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/xl320-bus/internal/logging"
	"github.com/shaunagostinho/xl320-bus/internal/recorder"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

// DefaultConfigPath is where the daemon looks for its config file.
const DefaultConfigPath = "/etc/xl320d/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Bus       BusConfig       `yaml:"bus" json:"bus"`
	Servos    []ServoConfig   `yaml:"servos" json:"servos"`
	Poll      PollConfig      `yaml:"poll" json:"poll"`
	Logging   logging.Config  `yaml:"logging" json:"logging"`
	Recording recorder.Config `yaml:"recording" json:"recording"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BusConfig struct {
	Type              string  `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath          string  `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate          int     `yaml:"baud_rate" json:"baudRate"`
	ResponseTimeoutMs int     `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	CommandRate       float64 `yaml:"command_rate" json:"commandRate"` // frames/s, 0 = unlimited
	MaxBuffer         int     `yaml:"max_buffer" json:"maxBuffer"`
	EchoTX            bool    `yaml:"echo_tx" json:"echoTx"` // demo bus echoes writes
}

// ServoConfig describes one servo and the settings applied at startup.
type ServoConfig struct {
	ID     uint8  `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Mode   string `yaml:"mode" json:"mode"` // "join", "wheel" or empty to leave as is
	Torque bool   `yaml:"torque" json:"torque"`
	LED    string `yaml:"led" json:"led"` // color name, empty to leave as is
}

type PollConfig struct {
	Hz        int      `yaml:"hz" json:"hz"`
	Registers []string `yaml:"registers" json:"registers"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Type:              "demo",
			PortPath:          "/dev/ttyUSB0",
			BaudRate:          1000000,
			ResponseTimeoutMs: 250,
			CommandRate:       0,
			MaxBuffer:         xl320.DefaultMaxBuffer,
		},
		Servos: []ServoConfig{
			{ID: 1, Name: "servo-1", Mode: "join", Torque: true, LED: "green"},
		},
		Poll: PollConfig{
			Hz:        10,
			Registers: []string{"position", "velocity", "load", "voltage", "temperature"},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Recording: recorder.Config{
			Enabled:    false,
			Path:       "/var/log/xl320d",
			IntervalMs: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing or bad.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// .env beside the config file, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_TYPE, BUS_PORT, BUS_BAUD, LISTEN_ADDR, POLL_HZ, LOG_LEVEL,
// LOG_FORMAT, RECORD_ENABLED, RECORD_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		c.Bus.PortPath = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.Hz = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recording.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
}

// Validate checks servo ids, startup settings and polled register names.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	switch c.Bus.Type {
	case "serial", "demo":
	default:
		errs = append(errs, fmt.Errorf("config: bus type %q", c.Bus.Type))
	}
	seen := make(map[uint8]bool)
	for _, s := range c.Servos {
		if !xl320.ValidID(s.ID) || s.ID == xl320.BroadcastID {
			errs = append(errs, fmt.Errorf("config: servo id %d: %w", s.ID, xl320.ErrInvalidDeviceID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("config: servo id %d listed twice", s.ID))
		}
		seen[s.ID] = true
		if _, err := ParseMode(s.Mode); err != nil {
			errs = append(errs, err)
		}
		if s.LED != "" {
			if _, ok := xl320.ParseColor(s.LED); !ok {
				errs = append(errs, fmt.Errorf("config: servo %d led color %q", s.ID, s.LED))
			}
		}
	}
	for _, r := range c.Poll.Registers {
		if _, err := xl320.Lookup(xl320.Name(r)); err != nil {
			errs = append(errs, fmt.Errorf("config: poll: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseMode maps a config mode name to an operating mode. An empty name
// yields zero, meaning leave the mode unchanged.
func ParseMode(s string) (xl320.OperatingMode, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "join", "joint":
		return xl320.ModeJoin, nil
	case "wheel":
		return xl320.ModeWheel, nil
	}
	return 0, fmt.Errorf("config: mode %q", s)
}

// ResponseTimeout returns the bus response timeout.
func (c *Config) ResponseTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Bus.ResponseTimeoutMs) * time.Millisecond
}

// ServoList returns a copy of the configured servos.
func (c *Config) ServoList() []ServoConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ServoConfig(nil), c.Servos...)
}

// PollSettings returns the poll rate and the registers to read each poll.
// Unknown register names are skipped.
func (c *Config) PollSettings() (int, []xl320.Name) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]xl320.Name, 0, len(c.Poll.Registers))
	for _, r := range c.Poll.Registers {
		if _, err := xl320.Lookup(xl320.Name(r)); err == nil {
			names = append(names, xl320.Name(r))
		}
	}
	return c.Poll.Hz, names
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Arrays are replaced whole. A merged config
// that fails validation is rejected and c is left unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal current: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("config: unmarshal current: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("config: marshal merged: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("config: apply patch: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Bus, c.Servos, c.Poll = next.Bus, next.Servos, next.Poll
	c.Logging, c.Recording, c.Server = next.Logging, next.Recording, next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
