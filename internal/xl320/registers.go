package xl320

import (
	"fmt"
	"sort"
)

// Name identifies a register in the XL-320 control table.
type Name string

const (
	LED          Name = "led"
	GoalPosition Name = "goal_position"
	Position     Name = "position"
	GoalVelocity Name = "goal_velocity"
	Velocity     Name = "velocity"
	Torque       Name = "torque"
	Mode         Name = "mode"
	Load         Name = "load"
	Voltage      Name = "voltage"
	Temperature  Name = "temperature"
	PGain        Name = "p_gain"
	IGain        Name = "i_gain"
	DGain        Name = "d_gain"
)

// Access describes which instructions a register accepts.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) CanRead() bool  { return a&AccessRead != 0 }
func (a Access) CanWrite() bool { return a&AccessWrite != 0 }

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "R"
	case AccessWrite:
		return "W"
	case AccessReadWrite:
		return "RW"
	default:
		return "-"
	}
}

// Register describes one control table entry.
type Register struct {
	Name    Name
	Address uint16
	Width   int // 1 or 2 bytes
	Access  Access
	// Mask is applied to written values after the width check.
	Mask uint16
}

// Max returns the largest raw value the register width can carry.
func (r Register) Max() uint16 {
	if r.Width == 1 {
		return 0xFF
	}
	return 0xFFFF
}

func (r Register) String() string {
	return fmt.Sprintf("%s(%d,%d,%s)", r.Name, r.Address, r.Width, r.Access)
}

var registers = map[Name]Register{
	LED:          {Name: LED, Address: 25, Width: 1, Access: AccessReadWrite, Mask: 0x07},
	GoalPosition: {Name: GoalPosition, Address: 30, Width: 2, Access: AccessReadWrite, Mask: 0xFFFF},
	Position:     {Name: Position, Address: 37, Width: 2, Access: AccessRead, Mask: 0xFFFF},
	GoalVelocity: {Name: GoalVelocity, Address: 32, Width: 2, Access: AccessReadWrite, Mask: 0xFFFF},
	Velocity:     {Name: Velocity, Address: 39, Width: 2, Access: AccessRead, Mask: 0xFFFF},
	Torque:       {Name: Torque, Address: 24, Width: 1, Access: AccessReadWrite, Mask: 0xFF},
	Mode:         {Name: Mode, Address: 11, Width: 1, Access: AccessReadWrite, Mask: 0xFF},
	Load:         {Name: Load, Address: 41, Width: 2, Access: AccessRead, Mask: 0xFFFF},
	Voltage:      {Name: Voltage, Address: 45, Width: 1, Access: AccessRead, Mask: 0xFF},
	Temperature:  {Name: Temperature, Address: 46, Width: 1, Access: AccessRead, Mask: 0xFF},
	PGain:        {Name: PGain, Address: 29, Width: 1, Access: AccessReadWrite, Mask: 0xFF},
	IGain:        {Name: IGain, Address: 28, Width: 1, Access: AccessReadWrite, Mask: 0xFF},
	DGain:        {Name: DGain, Address: 27, Width: 1, Access: AccessReadWrite, Mask: 0xFF},
}

// Lookup returns the register descriptor for name.
func Lookup(name Name) (Register, error) {
	r, ok := registers[name]
	if !ok {
		return Register{}, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
	}
	return r, nil
}

// Registers returns every known register ordered by address.
func Registers() []Register {
	out := make([]Register, 0, len(registers))
	for _, r := range registers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// RegisterAt returns the register starting at addr.
func RegisterAt(addr uint16) (Register, bool) {
	for _, r := range registers {
		if r.Address == addr {
			return r, true
		}
	}
	return Register{}, false
}

// OperatingMode is the value of the mode register. It lives in EEPROM, so
// torque must be off for a write to take effect.
type OperatingMode uint16

const (
	ModeWheel OperatingMode = 1
	ModeJoin  OperatingMode = 2
)

func (m OperatingMode) String() string {
	switch m {
	case ModeWheel:
		return "wheel"
	case ModeJoin:
		return "join"
	default:
		return fmt.Sprintf("mode(%d)", uint16(m))
	}
}

// TorqueState is the value of the torque enable register.
type TorqueState uint16

const (
	TorqueOff TorqueState = 0
	TorqueOn  TorqueState = 1
)

// Color is the LED register value: RED (b0), GREEN (b1), BLUE (b2).
type Color uint16

const (
	ColorNone   Color = 0x00
	ColorRed    Color = 0x01
	ColorGreen  Color = 0x02
	ColorYellow Color = 0x03
	ColorBlue   Color = 0x04
	ColorPink   Color = 0x05
	ColorCyan   Color = 0x06
	ColorWhite  Color = 0x07
)

var colorNames = map[Color]string{
	ColorNone:   "none",
	ColorRed:    "red",
	ColorGreen:  "green",
	ColorYellow: "yellow",
	ColorBlue:   "blue",
	ColorPink:   "pink",
	ColorCyan:   "cyan",
	ColorWhite:  "white",
}

func (c Color) String() string {
	if s, ok := colorNames[c&0x07]; ok {
		return s
	}
	return "none"
}

// ParseColor accepts a color name ("cyan") and returns its LED value.
func ParseColor(s string) (Color, bool) {
	for c, name := range colorNames {
		if name == s {
			return c, true
		}
	}
	return 0, false
}
