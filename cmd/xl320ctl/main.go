package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/xl320-bus/internal/logging"
	"github.com/shaunagostinho/xl320-bus/internal/transport"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

const usage = `usage: xl320ctl [flags] <command> [args]

commands:
  ports                     list serial ports
  set <register> <value>    write a register (led also takes a color name)
  read <register>           read a register
  registers                 print the register map
  sweep                     step goal_position and the LED, printing positions
  goto                      prompt for positions on stdin

flags:
`

func main() {
	portPath := flag.String("port", "/dev/serial0", "Serial port")
	baud := flag.Int("baud", 1000000, "Baud rate")
	id := flag.Uint("id", 1, "Servo id (254 broadcasts writes)")
	demo := flag.Bool("demo", false, "Use a simulated bus")
	timeout := flag.Duration("timeout", 250*time.Millisecond, "Response timeout")
	verbose := flag.Bool("v", false, "Log every frame")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Config{Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, options{
		port:    *portPath,
		baud:    *baud,
		id:      *id,
		demo:    *demo,
		timeout: *timeout,
	}, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "xl320ctl:", err)
		os.Exit(1)
	}
}

type options struct {
	port    string
	baud    int
	id      uint
	demo    bool
	timeout time.Duration
}

func run(ctx context.Context, log *zap.Logger, opts options, args []string) error {
	switch args[0] {
	case "ports":
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	case "registers":
		for _, r := range xl320.Registers() {
			fmt.Printf("%-14s addr %2d  width %d  %-4s max %d\n", r.Name, r.Address, r.Width, r.Access, r.Max())
		}
		return nil
	}

	if opts.id > 255 {
		return fmt.Errorf("servo id %d out of range", opts.id)
	}
	id := uint8(opts.id)

	var port transport.Port
	if opts.demo {
		port = transport.NewSim(transport.SimConfig{IDs: []uint8{id}})
	} else {
		port = transport.NewSerial(transport.SerialConfig{PortPath: opts.port, BaudRate: opts.baud}, log.Named("serial"))
	}
	if err := port.Connect(); err != nil {
		return err
	}
	defer port.Close()

	bus := xl320.NewBus(port, xl320.BusConfig{ResponseTimeout: opts.timeout, Logger: log.Named("bus")})
	defer bus.Close()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bus.Run(runCtx, port)

	dev := bus.Broadcast()
	if id != xl320.BroadcastID {
		d, err := bus.Device(id)
		if err != nil {
			return err
		}
		dev = d
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errors.New("set needs <register> <value>")
		}
		v, err := parseValue(xl320.Name(args[1]), args[2])
		if err != nil {
			return err
		}
		return dev.Set(ctx, xl320.Name(args[1]), v)
	case "read":
		if len(args) != 2 {
			return errors.New("read needs <register>")
		}
		v, err := dev.Get(ctx, xl320.Name(args[1]))
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "sweep":
		return sweep(ctx, dev)
	case "goto":
		return interactive(ctx, dev)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func parseValue(reg xl320.Name, s string) (uint16, error) {
	if reg == xl320.LED {
		if c, ok := xl320.ParseColor(s); ok {
			return uint16(c), nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return uint16(n), nil
}

// sweep advances the goal position by 20 units and the LED color every
// half second, reading the position back in between.
func sweep(ctx context.Context, dev *xl320.Device) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	if err := prepare(ctx, dev, 0); err != nil {
		return err
	}

	for step := 1; ; step++ {
		pos := uint16(20*step) & 0x03FF
		if err := dev.SetPosition(ctx, pos); err != nil {
			return err
		}
		if err := dev.SetLED(ctx, xl320.Color(step&0x07)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if dev.ID() != xl320.BroadcastID {
			printPosition(ctx, dev)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var colorCycle = []xl320.Color{xl320.ColorBlue, xl320.ColorGreen, xl320.ColorRed, xl320.ColorYellow}

// interactive reads goal positions from stdin, cycling the LED color before
// each prompt.
func interactive(ctx context.Context, dev *xl320.Device) error {
	if err := prepare(ctx, dev, 256); err != nil {
		return err
	}
	in := bufio.NewScanner(os.Stdin)
	for i := 0; ; i++ {
		if err := dev.SetLED(ctx, colorCycle[i%len(colorCycle)]); err != nil {
			return err
		}
		fmt.Print("position (0-1023): ")
		if !in.Scan() {
			return in.Err()
		}
		n, err := strconv.ParseUint(in.Text(), 10, 16)
		if err != nil || n > 1023 {
			fmt.Println("out of range")
			continue
		}
		if err := dev.SetPosition(ctx, uint16(n)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		if dev.ID() != xl320.BroadcastID {
			printPosition(ctx, dev)
		}
	}
}

// prepare switches the servo to join mode with torque on. A non-zero
// velocity limits the move speed.
func prepare(ctx context.Context, dev *xl320.Device, velocity uint16) error {
	if err := dev.SetTorque(ctx, xl320.TorqueOff); err != nil {
		return err
	}
	if err := dev.SetMode(ctx, xl320.ModeJoin); err != nil {
		return err
	}
	if err := dev.SetTorque(ctx, xl320.TorqueOn); err != nil {
		return err
	}
	if velocity > 0 {
		return dev.SetVelocity(ctx, velocity)
	}
	return nil
}

func printPosition(ctx context.Context, dev *xl320.Device) {
	v, err := dev.Get(ctx, xl320.Position)
	if err != nil {
		fmt.Println("position:", err)
		return
	}
	fmt.Println("position:", v)
}
