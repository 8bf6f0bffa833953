package xl320

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ackID1      = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x04, 0x00, 0x55, 0x00, 0xA1, 0x0C}
	ackID2      = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x02, 0x04, 0x00, 0x55, 0x00, 0x29, 0x0C}
	tempID1     = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x05, 0x00, 0x55, 0x00, 0x24, 0x8B, 0x21}
	positionID1 = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x06, 0x00, 0x55, 0x00, 0x00, 0x02, 0xC9, 0x5B}
	positionID2 = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x02, 0x06, 0x00, 0x55, 0x00, 0xFF, 0x01, 0xFC, 0xDA}
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func drainErrors(r *Reassembler) []error {
	var errs []error
	for {
		select {
		case err := <-r.Errors():
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

func TestStatusFixturesMatchEncoder(t *testing.T) {
	assert.Equal(t, ackID1, EncodeStatus(1, 0, nil))
	assert.Equal(t, ackID2, EncodeStatus(2, 0, nil))
	assert.Equal(t, tempID1, EncodeStatus(1, 0, []byte{36}))
	assert.Equal(t, positionID1, EncodeStatus(1, 0, []byte{0x00, 0x02}))
	assert.Equal(t, positionID2, EncodeStatus(2, 0, []byte{0xFF, 0x01}))
}

func TestFeedWholeFrame(t *testing.T) {
	r := NewReassembler(0)
	pkts := r.Feed(tempID1)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(1), pkts[0].ID)
	v, err := pkts[0].Value()
	require.NoError(t, err)
	assert.Equal(t, uint16(36), v)
	assert.Zero(t, r.Buffered())
	assert.Empty(t, drainErrors(r))
}

func TestFeedSplitAtEveryBoundary(t *testing.T) {
	for cut := 1; cut < len(positionID1); cut++ {
		r := NewReassembler(0)
		assert.Empty(t, r.Feed(positionID1[:cut]), "cut %d", cut)
		pkts := r.Feed(positionID1[cut:])
		require.Len(t, pkts, 1, "cut %d", cut)
		assert.Equal(t, []byte{0x00, 0x02}, pkts[0].Params)
		assert.Zero(t, r.Buffered())
	}
}

func TestFeedByteAtATime(t *testing.T) {
	stream := concat(ackID1, positionID2, tempID1)
	r := NewReassembler(0)
	var got []StatusPacket
	for _, b := range stream {
		got = append(got, r.Feed([]byte{b})...)
	}
	require.Len(t, got, 3)
	assert.Equal(t, uint8(1), got[0].ID)
	assert.True(t, got[0].IsAck())
	assert.Equal(t, uint8(2), got[1].ID)
	assert.Equal(t, uint8(1), got[2].ID)
}

func TestFeedReturnsEveryFrameInChunk(t *testing.T) {
	r := NewReassembler(0)
	pkts := r.Feed(concat(positionID1, positionID2))
	require.Len(t, pkts, 2)
	assert.Equal(t, uint8(1), pkts[0].ID)
	assert.Equal(t, uint8(2), pkts[1].ID)
}

func TestFeedForeignStatusConsumesExactlyItsFrame(t *testing.T) {
	r := NewReassembler(0)
	pkts := r.Feed(concat(ackID2, tempID1[:5]))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(2), pkts[0].ID)
	assert.Equal(t, 5, r.Buffered())

	pkts = r.Feed(tempID1[5:])
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(1), pkts[0].ID)
}

func TestFeedDiscardsGarbagePrefix(t *testing.T) {
	r := NewReassembler(0)
	pkts := r.Feed(concat([]byte{0x00, 0x13, 0xFF, 0x42, 0xFF, 0xFF}, ackID1))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint64(6), r.Discarded())
}

func TestFeedDropsCorruptFrameAndRecovers(t *testing.T) {
	bad := append([]byte(nil), positionID1...)
	bad[9] ^= 0x10

	r := NewReassembler(0)
	pkts := r.Feed(concat(bad, tempID1))
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{36}, pkts[0].Params)

	errs := drainErrors(r)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrChecksumMismatch)
}

func TestFeedSkipsEchoedInstructions(t *testing.T) {
	led, err := Lookup(LED)
	require.NoError(t, err)
	echo, err := EncodeWrite(1, led, 3)
	require.NoError(t, err)

	r := NewReassembler(0)
	pkts := r.Feed(concat(echo, ackID1))
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].IsAck())
	assert.Empty(t, drainErrors(r))
}

func TestFeedRejectsImpossibleLength(t *testing.T) {
	bogus := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0xFF, 0x7F, 0x55}
	r := NewReassembler(0)
	pkts := r.Feed(concat(bogus, ackID1))
	require.Len(t, pkts, 1)
	errs := drainErrors(r)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrMalformedFrame)
}

// overflowing returns a reassembler whose bound is below one frame, which
// NewReassembler never allows, so the overflow path can be driven.
func overflowing() *Reassembler {
	r := NewReassembler(0)
	r.maxBuffer = 16
	return r
}

func TestFeedOverflowResyncs(t *testing.T) {
	r := overflowing()
	partial := concat([]byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x14, 0x00, 0x55, 0x00}, make([]byte, 11))
	assert.Empty(t, r.Feed(partial))
	assert.LessOrEqual(t, r.Buffered(), 16)

	errs := drainErrors(r)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBufferOverflow)

	pkts := r.Feed(ackID1)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(1), pkts[0].ID)
}

func TestFeedOverflowDeliversFrameInSameChunk(t *testing.T) {
	r := overflowing()
	header := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x14, 0x00, 0x55, 0x00}

	pkts := r.Feed(concat(header, ackID1))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(1), pkts[0].ID)
	assert.True(t, pkts[0].IsAck())
	assert.Zero(t, r.Buffered())

	errs := drainErrors(r)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBufferOverflow)
}

func TestSmallBufferStillHoldsLargestFrame(t *testing.T) {
	r := NewReassembler(MinFrameLen)
	assert.Empty(t, r.Feed(positionID1[:12]))
	pkts := r.Feed(positionID1[12:])
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x00, 0x02}, pkts[0].Params)
	assert.Empty(t, drainErrors(r))

	big := EncodeStatus(1, 0, make([]byte, maxFrameLen-4))
	assert.Empty(t, r.Feed(big[:len(big)-1]))
	assert.Len(t, r.Feed(big[len(big)-1:]), 1)
	assert.Empty(t, drainErrors(r))
}

func TestReset(t *testing.T) {
	r := NewReassembler(0)
	r.Feed(tempID1[:6])
	require.Equal(t, 6, r.Buffered())
	r.Reset()
	assert.Zero(t, r.Buffered())
	assert.Len(t, r.Feed(ackID1), 1)
}
