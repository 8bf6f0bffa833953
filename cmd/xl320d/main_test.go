package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunagostinho/xl320-bus/internal/server"
	"github.com/shaunagostinho/xl320-bus/internal/transport"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

func TestApplyStartup(t *testing.T) {
	sim := transport.NewSim(transport.SimConfig{IDs: []uint8{1, 3}, Seed: 2})
	bus := xl320.NewBus(sim, xl320.BusConfig{})
	defer bus.Close()

	applyStartup(context.Background(), zap.NewNop(), bus, []server.ServoConfig{
		{ID: 1, Mode: "wheel", Torque: true, LED: "red"},
		{ID: 3, LED: "white"},
	})

	mode, _ := sim.Peek(1, xl320.Mode)
	assert.Equal(t, uint16(xl320.ModeWheel), mode)
	torque, _ := sim.Peek(1, xl320.Torque)
	assert.Equal(t, uint16(xl320.TorqueOn), torque)
	led, _ := sim.Peek(1, xl320.LED)
	assert.Equal(t, uint16(xl320.ColorRed), led)

	torque, _ = sim.Peek(3, xl320.Torque)
	assert.Zero(t, torque)
	led, _ = sim.Peek(3, xl320.LED)
	assert.Equal(t, uint16(xl320.ColorWhite), led)
}

type flakyPort struct {
	*transport.Sim
	failures int
}

func (p *flakyPort) Connect() error {
	if p.failures > 0 {
		p.failures--
		return errors.New("no such device")
	}
	return p.Sim.Connect()
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	port := &flakyPort{Sim: transport.NewSim(transport.SimConfig{}), failures: 100}
	assert.False(t, connectWithRetry(ctx, zap.NewNop(), port, 3))
}

func TestConnectWithRetrySucceeds(t *testing.T) {
	port := &flakyPort{Sim: transport.NewSim(transport.SimConfig{})}
	require.True(t, connectWithRetry(context.Background(), zap.NewNop(), port, 3))
}
