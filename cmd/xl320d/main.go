package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/xl320-bus/internal/logging"
	"github.com/shaunagostinho/xl320-bus/internal/metrics"
	"github.com/shaunagostinho/xl320-bus/internal/recorder"
	"github.com/shaunagostinho/xl320-bus/internal/server"
	"github.com/shaunagostinho/xl320-bus/internal/transport"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
	"github.com/shaunagostinho/xl320-bus/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated servo bus")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	boot, err := logging.New(logging.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := server.LoadConfig(*configPath, boot.Named("config"))
	if *demo {
		cfg.Bus.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Fatal("bad logging config", zap.Error(err))
	}
	defer log.Sync()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	log.Info("xl320d starting", zap.String("bus", cfg.Bus.Type))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	var port transport.Port
	switch cfg.Bus.Type {
	case "serial":
		port = transport.NewSerial(transport.SerialConfig{
			PortPath: cfg.Bus.PortPath,
			BaudRate: cfg.Bus.BaudRate,
		}, log.Named("serial"))
	default:
		ids := make([]uint8, 0, len(cfg.Servos))
		for _, s := range cfg.Servos {
			ids = append(ids, s.ID)
		}
		port = transport.NewSim(transport.SimConfig{IDs: ids, EchoTX: cfg.Bus.EchoTX})
	}

	registry := metrics.NewRegistry()
	bus := xl320.NewBus(port, xl320.BusConfig{
		MaxBuffer:       cfg.Bus.MaxBuffer,
		ResponseTimeout: cfg.ResponseTimeout(),
		CommandRate:     cfg.Bus.CommandRate,
		Logger:          log.Named("bus"),
		Observer:        metrics.NewBusMetrics(registry),
	})
	defer port.Close()
	defer bus.Close()

	go logBusErrors(ctx, bus, log.Named("bus"))
	// The server starts regardless; polling waits for the link.
	go superviseBus(ctx, log, port, bus, cfg.ServoList())

	rec := recorder.New(cfg.Recording, log.Named("recorder"))
	srv := server.New(cfg, bus, server.Options{
		WebFS:    web.FS,
		Recorder: rec,
		Registry: registry,
		Link:     port,
		Logger:   log.Named("server"),
	})
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}
}

// superviseBus keeps the transport open and the bus reader running until
// ctx is cancelled, reapplying startup settings after every reconnect.
func superviseBus(ctx context.Context, log *zap.Logger, port transport.Port, bus *xl320.Bus, servos []server.ServoConfig) {
	for {
		if !connectWithRetry(ctx, log, port, 10) {
			return
		}
		runErr := make(chan error, 1)
		go func() { runErr <- bus.Run(ctx, port) }()
		applyStartup(ctx, log, bus, servos)

		err := <-runErr
		if ctx.Err() != nil {
			return
		}
		log.Warn("bus reader stopped, reconnecting", zap.String("port", port.Name()), zap.Error(err))
		port.Close()
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false if ctx ended.
func connectWithRetry(ctx context.Context, log *zap.Logger, c transport.Port, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info("connected", zap.String("port", c.Name()), zap.Int("attempt", attempt+1))
			return true
		}
		attempt++
		fields := []zap.Field{zap.String("port", c.Name()), zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			log.Warn("connect failed", append(fields, zap.Int("max_attempts", maxAttempts))...)
		} else {
			log.Warn("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// applyStartup puts each configured servo in its mode, torque and LED state.
// The mode register only accepts writes with torque off.
func applyStartup(ctx context.Context, log *zap.Logger, bus *xl320.Bus, servos []server.ServoConfig) {
	for _, sc := range servos {
		d, err := bus.Device(sc.ID)
		if err != nil {
			log.Warn("skipping servo", zap.Uint8("id", sc.ID), zap.Error(err))
			continue
		}
		var errs []error
		if mode, err := server.ParseMode(sc.Mode); err == nil && mode != 0 {
			errs = append(errs, d.SetTorque(ctx, xl320.TorqueOff), d.SetMode(ctx, mode))
		}
		if sc.Torque {
			errs = append(errs, d.SetTorque(ctx, xl320.TorqueOn))
		}
		if c, ok := xl320.ParseColor(sc.LED); ok {
			errs = append(errs, d.SetLED(ctx, c))
		}
		if err := errors.Join(errs...); err != nil {
			log.Warn("startup settings failed", zap.Uint8("id", sc.ID), zap.Error(err))
			continue
		}
		log.Info("servo ready", zap.Uint8("id", sc.ID), zap.String("name", sc.Name))
	}
}

func logBusErrors(ctx context.Context, bus *xl320.Bus, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-bus.Errors():
			if errors.Is(err, xl320.ErrResponseTimeout) {
				log.Warn("bus", zap.Error(err))
				continue
			}
			log.Debug("bus", zap.Error(err))
		}
	}
}
