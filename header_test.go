// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rdt "github.com/DING4526/rdt-go"
)

func TestSeqGreater(t *testing.T) {
	// 0xfff lies past the wrap point, so it is ahead of 0xfffffff0.
	assert.False(t, rdt.SeqGreater(0xfffffff0, 0xfff))
	assert.True(t, rdt.SeqGreater(0xfff, 0xfffffff0))
	assert.True(t, rdt.SeqGreater(0x1, 0x0))
	assert.False(t, rdt.SeqGreater(0x0, 0x1))
	assert.False(t, rdt.SeqGreater(0x1, 0x1))
	assert.True(t, rdt.SeqGreaterOrEqual(0x1, 0x1))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello, reliable world")
	h := rdt.Header{
		Seq:      5001,
		Ack:      1001,
		Flags:    rdt.FlagDATA,
		Wnd:      32,
		Len:      uint16(len(payload)),
		SackMask: 0b101,
	}

	wire, err := rdt.Encode(h, payload)
	require.NoError(t, err)
	require.Len(t, wire, rdt.HeaderSize+len(payload))

	got, gotPayload, err := rdt.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, h.Seq, got.Seq)
	assert.Equal(t, h.Ack, got.Ack)
	assert.Equal(t, h.Flags, got.Flags)
	assert.Equal(t, h.Wnd, got.Wnd)
	assert.Equal(t, uint16(len(payload)), got.Len)
	assert.Equal(t, h.SackMask, got.SackMask)
	assert.Equal(t, payload, gotPayload)
}

func TestEncodeControlSegmentHasNoPayload(t *testing.T) {
	h := rdt.Header{Seq: 42, Flags: rdt.FlagSYN}
	wire, err := rdt.Encode(h, nil)
	require.NoError(t, err)
	require.Len(t, wire, rdt.HeaderSize)

	got, payload, err := rdt.Decode(wire)
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Equal(t, rdt.FlagSYN, got.Flags)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, _, err := rdt.Decode(make([]byte, rdt.HeaderSize-1))
	assert.ErrorIs(t, err, rdt.ErrShortHeader)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	h := rdt.Header{Seq: 1, Flags: rdt.FlagDATA, Len: 10}
	buf := make([]byte, rdt.HeaderSize)
	// Hand-craft a header claiming 10 bytes of payload with none present.
	wire, err := rdt.Encode(rdt.Header{Seq: 1, Flags: rdt.FlagDATA}, nil)
	require.NoError(t, err)
	copy(buf, wire)
	buf[12], buf[13] = 0, 10 // overwrite Len field (network order) to 10
	_, _, err = rdt.Decode(buf)
	assert.ErrorIs(t, err, rdt.ErrLengthMismatch)
	_ = h
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	wire, err := rdt.Encode(rdt.Header{Seq: 7, Flags: rdt.FlagACK, Ack: 8}, nil)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xFF // corrupt the tail of the sack mask, not the payload
	_, _, err = rdt.Decode(wire)
	assert.ErrorIs(t, err, rdt.ErrChecksumMismatch)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := rdt.Encode(rdt.Header{Flags: rdt.FlagDATA}, make([]byte, rdt.MSS+1))
	assert.ErrorIs(t, err, rdt.ErrPayloadTooLarge)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "-", rdt.Flags(0).String())
	assert.Equal(t, "SYN|ACK", (rdt.FlagSYN | rdt.FlagACK).String())
	assert.Equal(t, "FIN|ACK", (rdt.FlagFIN | rdt.FlagACK).String())
}
