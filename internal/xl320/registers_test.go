package xl320

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTable(t *testing.T) {
	tests := []struct {
		name  Name
		addr  uint16
		width int
	}{
		{LED, 25, 1},
		{GoalPosition, 30, 2},
		{Position, 37, 2},
		{GoalVelocity, 32, 2},
		{Velocity, 39, 2},
		{Torque, 24, 1},
		{Mode, 11, 1},
		{Load, 41, 2},
		{Voltage, 45, 1},
		{Temperature, 46, 1},
		{PGain, 29, 1},
		{IGain, 28, 1},
		{DGain, 27, 1},
	}
	require.Len(t, Registers(), len(tests))
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			r, err := Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, r.Address)
			assert.Equal(t, tt.width, r.Width)
			assert.True(t, r.Access.CanRead(), "every register is readable")
		})
	}
}

func TestLookupUnknownRegister(t *testing.T) {
	_, err := Lookup("moving")
	assert.ErrorIs(t, err, ErrUnknownRegister)
}

func TestRegistersOrderedByAddress(t *testing.T) {
	regs := Registers()
	for i := 1; i < len(regs); i++ {
		assert.Less(t, regs[i-1].Address, regs[i].Address)
	}
	r, ok := RegisterAt(37)
	require.True(t, ok)
	assert.Equal(t, Position, r.Name)
}

func TestColors(t *testing.T) {
	assert.Equal(t, ColorYellow, ColorRed|ColorGreen)
	assert.Equal(t, ColorPink, ColorRed|ColorBlue)
	assert.Equal(t, ColorCyan, ColorGreen|ColorBlue)
	assert.Equal(t, ColorWhite, ColorRed|ColorGreen|ColorBlue)

	c, ok := ParseColor("cyan")
	require.True(t, ok)
	assert.Equal(t, ColorCyan, c)
	assert.Equal(t, "white", ColorWhite.String())
	_, ok = ParseColor("magenta")
	assert.False(t, ok)
}
