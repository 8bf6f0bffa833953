package xl320

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultMaxBuffer bounds the bytes a Reassembler holds while waiting for
// the rest of a frame.
const DefaultMaxBuffer = 1024

// Reassembler extracts status frames from a byte stream delivered in chunks
// of arbitrary size. It is not safe for concurrent use; one reassembler
// belongs to one transport reader.
type Reassembler struct {
	buf       []byte
	head      int // start of unconsumed data in buf
	maxBuffer int
	discarded uint64
	errs      chan error
}

// minMaxBuffer is the largest frame the length check admits. A smaller
// bound would drop legal frames that arrive split.
const minMaxBuffer = headerLen + maxFrameLen

// NewReassembler returns a reassembler holding at most maxBuffer pending
// bytes. Values below one maximum-length frame are raised to it.
func NewReassembler(maxBuffer int) *Reassembler {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	if maxBuffer < minMaxBuffer {
		maxBuffer = minMaxBuffer
	}
	return &Reassembler{
		buf:       make([]byte, 0, maxBuffer),
		maxBuffer: maxBuffer,
		errs:      make(chan error, 32),
	}
}

// Errors reports frames that were dropped. Sends never block; when the
// channel is full further errors are lost.
func (r *Reassembler) Errors() <-chan error { return r.errs }

// Buffered returns the number of bytes waiting for a complete frame.
func (r *Reassembler) Buffered() int { return len(r.buf) - r.head }

// Discarded returns the total number of bytes dropped while resynchronising.
func (r *Reassembler) Discarded() uint64 { return r.discarded }

// Reset drops all buffered bytes.
func (r *Reassembler) Reset() {
	r.discarded += uint64(r.Buffered())
	r.buf = r.buf[:0]
	r.head = 0
}

// Feed appends chunk and returns every complete status frame now available,
// in arrival order. Frames are consumed whatever their device id. Echoed
// instruction frames are consumed and not returned.
func (r *Reassembler) Feed(chunk []byte) []StatusPacket {
	r.buf = append(r.buf, chunk...)
	out := r.parse(nil)
	// Each resync skips at least one byte, so this terminates.
	for r.Buffered() > r.maxBuffer {
		r.report(fmt.Errorf("%w: %d bytes pending (max %d)", ErrBufferOverflow, r.Buffered(), r.maxBuffer))
		r.resync()
		out = r.parse(out)
	}
	r.compact()
	return out
}

// parse consumes frames from the head until the buffer holds no complete one.
func (r *Reassembler) parse(out []StatusPacket) []StatusPacket {
	for {
		p := r.buf[r.head:]
		start := bytes.Index(p, preamble[:])
		if start < 0 {
			// Keep a possible partial preamble at the tail.
			if keep := len(preamble) - 1; len(p) > keep {
				r.skip(len(p) - keep)
			}
			return out
		}
		r.skip(start)
		p = p[start:]

		if len(p) < headerLen {
			return out
		}
		length := int(binary.LittleEndian.Uint16(p[offLength:]))
		if length < 3 || length > maxFrameLen {
			r.report(fmt.Errorf("%w: length field %d", ErrMalformedFrame, length))
			r.skip(1)
			continue
		}
		total := headerLen + length
		if len(p) < total {
			return out
		}
		frame := p[:total]
		if err := checkCRC(frame); err != nil {
			r.report(fmt.Errorf("servo %d: %w", frame[offID], err))
			r.skip(1)
			continue
		}
		r.head += total

		if Instruction(frame[offInst]) != InstStatus {
			continue
		}
		if length < 4 {
			r.report(fmt.Errorf("%w: status frame without error byte", ErrMalformedFrame))
			continue
		}
		params := make([]byte, total-offParams-2)
		copy(params, frame[offParams:total-2])
		out = append(out, StatusPacket{
			ID:     frame[offID],
			Error:  frame[offError],
			Params: params,
		})
	}
}

// resync drops the frame at the head and everything up to the next preamble.
func (r *Reassembler) resync() {
	p := r.buf[r.head:]
	next := bytes.Index(p[1:], preamble[:])
	if next < 0 {
		keep := len(preamble) - 1
		if len(p) > keep {
			r.skip(len(p) - keep)
		}
		return
	}
	r.skip(next + 1)
}

func (r *Reassembler) skip(n int) {
	r.head += n
	r.discarded += uint64(n)
}

// compact moves pending bytes to the front once the consumed prefix
// dominates the backing array.
func (r *Reassembler) compact() {
	switch {
	case r.head == 0:
	case r.head == len(r.buf):
		r.buf = r.buf[:0]
		r.head = 0
	case r.head >= cap(r.buf)/2:
		n := copy(r.buf, r.buf[r.head:])
		r.buf = r.buf[:n]
		r.head = 0
	}
}

func (r *Reassembler) report(err error) {
	select {
	case r.errs <- err:
	default:
	}
}
