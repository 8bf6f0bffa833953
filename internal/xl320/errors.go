package xl320

import (
	"errors"
	"fmt"
)

var (
	// Reassembler-side errors. Reported on the diagnostic channel, never fatal.
	ErrMalformedFrame   = errors.New("xl320: malformed frame")
	ErrChecksumMismatch = errors.New("xl320: checksum mismatch")
	ErrBufferOverflow   = errors.New("xl320: receive buffer overflow")
	ErrUnknownDeviceID  = errors.New("xl320: frame for unknown device id")
	ErrUnsolicited      = errors.New("xl320: data frame with no pending read")

	// Encoder-side errors. Returned synchronously to the caller.
	ErrUnknownRegister = errors.New("xl320: unknown register")
	ErrInvalidDeviceID = errors.New("xl320: invalid device id")
	ErrBroadcastRead   = errors.New("xl320: read from broadcast id")
	ErrAccessDenied    = errors.New("xl320: register access denied")
	ErrValueRange      = errors.New("xl320: value does not fit register width")

	ErrTransportWrite  = errors.New("xl320: transport write failed")
	ErrResponseTimeout = errors.New("xl320: response timeout")
	ErrBusClosed       = errors.New("xl320: bus closed")
)

// StatusError is a non-zero error byte reported by a servo in a status frame.
type StatusError struct {
	ID   uint8
	Code uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("xl320: servo %d reported error 0x%02X (%s)", e.ID, e.Code, statusText(e.Code))
}

// Status error codes, low 7 bits of the error byte. Bit 7 is the alert flag.
const (
	StatusResultFail  uint8 = 0x01
	StatusInstruction uint8 = 0x02
	StatusCRC         uint8 = 0x03
	StatusDataRange   uint8 = 0x04
	StatusDataLength  uint8 = 0x05
	StatusDataLimit   uint8 = 0x06
	StatusAccess      uint8 = 0x07

	StatusAlert uint8 = 0x80
)

func statusText(code uint8) string {
	switch code &^ StatusAlert {
	case 0:
		if code&StatusAlert != 0 {
			return "hardware alert"
		}
		return "ok"
	case StatusResultFail:
		return "result fail"
	case StatusInstruction:
		return "instruction error"
	case StatusCRC:
		return "crc error"
	case StatusDataRange:
		return "data range error"
	case StatusDataLength:
		return "data length error"
	case StatusDataLimit:
		return "data limit error"
	case StatusAccess:
		return "access error"
	default:
		return "unknown"
	}
}
