package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

func startSimBus(t *testing.T, cfg SimConfig, timeout time.Duration) (*Sim, *xl320.Bus) {
	t.Helper()
	sim := NewSim(cfg)
	bus := xl320.NewBus(sim, xl320.BusConfig{ResponseTimeout: timeout})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, sim) }()
	t.Cleanup(func() {
		cancel()
		_ = sim.Close()
		_ = bus.Close()
		<-done
	})
	return sim, bus
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSimReadsThroughBus(t *testing.T) {
	_, bus := startSimBus(t, SimConfig{IDs: []uint8{1, 2}, EchoTX: true, Seed: 7}, time.Second)
	ctx := testCtx(t)

	d, err := bus.Device(2)
	require.NoError(t, err)

	pos, err := d.Get(ctx, xl320.Position)
	require.NoError(t, err)
	assert.Equal(t, uint16(512), pos)

	mode, err := d.Get(ctx, xl320.Mode)
	require.NoError(t, err)
	assert.Equal(t, uint16(xl320.ModeJoin), mode)

	temp, err := d.Get(ctx, xl320.Temperature)
	require.NoError(t, err)
	assert.InDelta(t, 32, int(temp), 4)
}

func TestSimWriteAcknowledged(t *testing.T) {
	sim, bus := startSimBus(t, SimConfig{IDs: []uint8{1}, Seed: 3}, time.Second)
	ctx := testCtx(t)

	d, err := bus.Device(1)
	require.NoError(t, err)
	require.NoError(t, d.SetLED(ctx, xl320.ColorCyan))

	select {
	case ack := <-d.Acks():
		assert.Zero(t, ack.Status)
	case <-ctx.Done():
		t.Fatal("no ack")
	}
	led, ok := sim.Peek(1, xl320.LED)
	require.True(t, ok)
	assert.Equal(t, uint16(xl320.ColorCyan), led)

	v, err := d.Get(ctx, xl320.LED)
	require.NoError(t, err)
	assert.Equal(t, uint16(xl320.ColorCyan), v)
}

func TestSimMovesTowardGoal(t *testing.T) {
	sim, bus := startSimBus(t, SimConfig{IDs: []uint8{1}, Seed: 5}, time.Second)
	ctx := testCtx(t)

	d, err := bus.Device(1)
	require.NoError(t, err)
	require.NoError(t, d.SetTorque(ctx, xl320.TorqueOn))
	require.NoError(t, d.SetPosition(ctx, 700))

	assert.Eventually(t, func() bool {
		pos, err := d.Get(ctx, xl320.Position)
		return err == nil && pos == 700
	}, time.Second, 20*time.Millisecond)

	goal, _ := sim.Peek(1, xl320.GoalPosition)
	assert.Equal(t, uint16(700), goal)
}

func TestSimBroadcastWrite(t *testing.T) {
	sim, bus := startSimBus(t, SimConfig{IDs: []uint8{1, 2, 3}, Seed: 9}, time.Second)
	ctx := testCtx(t)

	require.NoError(t, bus.Broadcast().SetLED(ctx, xl320.ColorRed))
	for _, id := range []uint8{1, 2, 3} {
		assert.Eventually(t, func() bool {
			v, _ := sim.Peek(id, xl320.LED)
			return v == uint16(xl320.ColorRed)
		}, time.Second, 5*time.Millisecond)
	}
}

func TestSimAbsentServoTimesOut(t *testing.T) {
	_, bus := startSimBus(t, SimConfig{IDs: []uint8{1}, Seed: 11}, 30*time.Millisecond)
	ctx := testCtx(t)

	d, err := bus.Device(9)
	require.NoError(t, err)
	_, err = d.Get(ctx, xl320.Position)
	assert.ErrorIs(t, err, xl320.ErrResponseTimeout)
}

func TestSimChunksResponses(t *testing.T) {
	sim := NewSim(SimConfig{IDs: []uint8{1}, MaxChunk: 3, Seed: 1})
	led, err := xl320.Lookup(xl320.LED)
	require.NoError(t, err)
	frame, err := xl320.EncodeWrite(1, led, 2)
	require.NoError(t, err)

	_, err = sim.Write(frame)
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 64)
	for len(got) < xl320.MinFrameLen {
		n, err := sim.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		assert.LessOrEqual(t, n, 3)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, xl320.EncodeStatus(1, 0, nil), got)

	require.NoError(t, sim.Close())
	_, err = sim.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = sim.Write(frame)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, sim.Connect())
	assert.True(t, sim.IsConnected())
}

func TestSimRejectsReadOnlyWrite(t *testing.T) {
	sim := NewSim(SimConfig{IDs: []uint8{4}, MaxChunk: 64, Seed: 1})
	frame := xl320.EncodeInstruction(4, xl320.InstWrite, []byte{37, 0, 0x10, 0x00})
	_, err := sim.Write(frame)
	require.NoError(t, err)

	want := xl320.EncodeStatus(4, xl320.StatusAccess, nil)
	assert.Equal(t, want, readN(t, sim, len(want)))
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	for len(got) < n {
		k, err := r.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, k, "read timed out")
		got = append(got, buf[:k]...)
	}
	return got
}

func TestSerialNotConnected(t *testing.T) {
	s := NewSerial(SerialConfig{PortPath: "/dev/xl320-test-missing"}, nil)
	assert.False(t, s.IsConnected())

	_, err := s.Write([]byte{0x00})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Error(t, s.Connect())
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Close())
}
