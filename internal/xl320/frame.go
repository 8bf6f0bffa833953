package xl320

import (
	"encoding/binary"
	"fmt"
)

// Instruction is the opcode at offset 7 of a frame.
type Instruction uint8

const (
	InstPing   Instruction = 0x01
	InstRead   Instruction = 0x02
	InstWrite  Instruction = 0x03
	InstStatus Instruction = 0x55
)

func (i Instruction) String() string {
	switch i {
	case InstPing:
		return "ping"
	case InstRead:
		return "read"
	case InstWrite:
		return "write"
	case InstStatus:
		return "status"
	default:
		return fmt.Sprintf("inst(0x%02X)", uint8(i))
	}
}

const (
	// MaxDeviceID is the highest unicast id.
	MaxDeviceID uint8 = 252
	// BroadcastID addresses every servo; no status is returned.
	BroadcastID uint8 = 254

	// headerLen covers preamble, id and the length field.
	headerLen = 7
	// MinFrameLen is a status frame with no parameters.
	MinFrameLen = 11
	// maxFrameLen bounds the length field accepted by the reassembler.
	maxFrameLen = 64

	offID     = 4
	offLength = 5
	offInst   = 7
	offError  = 8
	offParams = 9
)

var preamble = [4]byte{0xFF, 0xFF, 0xFD, 0x00}

// ValidID reports whether id may appear as a frame destination.
func ValidID(id uint8) bool {
	return id <= MaxDeviceID || id == BroadcastID
}

// EncodeInstruction builds a complete instruction frame. A new slice is
// allocated on every call.
func EncodeInstruction(id uint8, inst Instruction, params []byte) []byte {
	length := 1 + len(params) + 2
	frame := make([]byte, 0, headerLen+length)
	frame = append(frame, preamble[:]...)
	frame = append(frame, id, byte(length), byte(length>>8), byte(inst))
	frame = append(frame, params...)
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// EncodeWrite builds a WRITE frame setting reg to value on servo id.
// The value must fit in reg.Width bytes and is then masked to reg.Mask.
func EncodeWrite(id uint8, reg Register, value uint16) ([]byte, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDeviceID, id)
	}
	if !reg.Access.CanWrite() {
		return nil, fmt.Errorf("%w: %s is read-only", ErrAccessDenied, reg.Name)
	}
	if value > reg.Max() {
		return nil, fmt.Errorf("%w: %s=%d (max %d)", ErrValueRange, reg.Name, value, reg.Max())
	}
	value &= reg.Mask

	params := make([]byte, 2+reg.Width)
	binary.LittleEndian.PutUint16(params[0:2], reg.Address)
	if reg.Width == 1 {
		params[2] = byte(value)
	} else {
		binary.LittleEndian.PutUint16(params[2:4], value)
	}
	return EncodeInstruction(id, InstWrite, params), nil
}

// EncodeRead builds a READ frame requesting reg.Width bytes at reg.Address.
func EncodeRead(id uint8, reg Register) ([]byte, error) {
	if id == BroadcastID {
		return nil, ErrBroadcastRead
	}
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDeviceID, id)
	}
	if !reg.Access.CanRead() {
		return nil, fmt.Errorf("%w: %s is write-only", ErrAccessDenied, reg.Name)
	}
	params := make([]byte, 4)
	binary.LittleEndian.PutUint16(params[0:2], reg.Address)
	binary.LittleEndian.PutUint16(params[2:4], uint16(reg.Width))
	return EncodeInstruction(id, InstRead, params), nil
}

// EncodeStatus builds a status frame as a servo would send it.
func EncodeStatus(id uint8, errCode uint8, params []byte) []byte {
	p := make([]byte, 0, 1+len(params))
	p = append(p, errCode)
	p = append(p, params...)
	return EncodeInstruction(id, InstStatus, p)
}

// InstructionPacket is a decoded frame of any instruction.
type InstructionPacket struct {
	ID          uint8
	Instruction Instruction
	Params      []byte
}

// DecodeInstruction parses one complete frame and verifies its CRC.
func DecodeInstruction(frame []byte) (InstructionPacket, error) {
	if len(frame) < headerLen+3 {
		return InstructionPacket{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}
	if !hasPreamble(frame) {
		return InstructionPacket{}, fmt.Errorf("%w: bad preamble % X", ErrMalformedFrame, frame[:4])
	}
	length := int(binary.LittleEndian.Uint16(frame[offLength:]))
	if length < 3 || headerLen+length != len(frame) {
		return InstructionPacket{}, fmt.Errorf("%w: length field %d for %d bytes", ErrMalformedFrame, length, len(frame))
	}
	if err := checkCRC(frame); err != nil {
		return InstructionPacket{}, err
	}
	params := make([]byte, length-3)
	copy(params, frame[offInst+1:len(frame)-2])
	return InstructionPacket{
		ID:          frame[offID],
		Instruction: Instruction(frame[offInst]),
		Params:      params,
	}, nil
}

// StatusPacket is a decoded status frame (instruction 0x55).
type StatusPacket struct {
	ID     uint8
	Error  uint8
	Params []byte
}

// IsAck reports whether the packet carries no register data.
func (p StatusPacket) IsAck() bool { return len(p.Params) == 0 }

// Value decodes the data parameters: one byte verbatim, two bytes little-endian.
func (p StatusPacket) Value() (uint16, error) {
	switch len(p.Params) {
	case 1:
		return uint16(p.Params[0]), nil
	case 2:
		return binary.LittleEndian.Uint16(p.Params), nil
	default:
		return 0, fmt.Errorf("%w: %d data bytes", ErrMalformedFrame, len(p.Params))
	}
}

func hasPreamble(b []byte) bool {
	return len(b) >= 4 && b[0] == preamble[0] && b[1] == preamble[1] && b[2] == preamble[2] && b[3] == preamble[3]
}

func checkCRC(frame []byte) error {
	n := len(frame)
	got := binary.LittleEndian.Uint16(frame[n-2:])
	want := CRC16(frame[:n-2])
	if got != want {
		return fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksumMismatch, got, want)
	}
	return nil
}
