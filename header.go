// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned by Decode. All of them mean the same thing to a caller:
// drop the datagram silently and move on.
var (
	// ErrShortHeader is returned when a buffer is too small to even hold
	// a Header.
	ErrShortHeader = errors.New("rdt: buffer shorter than header")

	// ErrLengthMismatch is returned when the header's Len field claims
	// more payload than the buffer actually carries.
	ErrLengthMismatch = errors.New("rdt: payload length exceeds buffer")

	// ErrChecksumMismatch is returned when the computed checksum does
	// not match the one carried on the wire.
	ErrChecksumMismatch = errors.New("rdt: checksum mismatch")

	// ErrPayloadTooLarge is returned by Encode when the payload exceeds
	// MSS or would push the datagram past MaxPkt.
	ErrPayloadTooLarge = errors.New("rdt: payload too large")
)

// hostOrder is the byte order used internally when computing the
// checksum, before the header is converted to network order for the
// wire. See SPEC_FULL.md §9 ("checksum convention quirk"): the original
// C program computes the checksum over the header as it naturally lies
// in host memory (little-endian on the machines it ran on), then
// separately converts the header fields to network order for
// transmission. Both ends of this protocol are this same Go program, so
// any fixed, consistent choice of "host order" works; little-endian is
// used here to mirror the original convention most directly.
var hostOrder = binary.LittleEndian

// wireOrder is the byte order segments are carried in on the wire.
var wireOrder = binary.BigEndian

// Header is the fixed 24-byte RDT segment header.
type Header struct {
	// Seq is the byte offset of the first payload byte within the
	// sender's stream, counted from the sender's ISN + 1. SYN and FIN
	// segments carry no payload but still consume one sequence number.
	Seq uint32
	// Ack is the next expected byte from the peer (cumulative ACK).
	Ack uint32
	// Flags is the bitwise OR of the SYN/ACK/FIN/DATA/RST flags.
	Flags Flags
	// Wnd is the advertised receive window, in segments.
	Wnd uint16
	// Len is the payload length in bytes, 0 <= Len <= MSS.
	Len uint16
	// Cksum is the one's-complement Internet checksum over the header
	// (with Cksum zeroed) and payload, computed in host order.
	Cksum uint16
	// SackMask is the selective-acknowledgement bitmap: bit i indicates
	// a segment starting at Ack+(i+1)*MSS is buffered at the receiver.
	SackMask uint64
}

// putHeader writes h into buf (which must be at least HeaderSize bytes)
// using the given byte order, leaving Cksum as given (the caller is
// responsible for zeroing it first if that's what's wanted).
func putHeader(buf []byte, h Header, order binary.ByteOrder) {
	order.PutUint32(buf[0:4], h.Seq)
	order.PutUint32(buf[4:8], h.Ack)
	order.PutUint16(buf[8:10], uint16(h.Flags))
	order.PutUint16(buf[10:12], h.Wnd)
	order.PutUint16(buf[12:14], h.Len)
	order.PutUint16(buf[14:16], h.Cksum)
	order.PutUint64(buf[16:24], h.SackMask)
}

func getHeader(buf []byte, order binary.ByteOrder) Header {
	return Header{
		Seq:      order.Uint32(buf[0:4]),
		Ack:      order.Uint32(buf[4:8]),
		Flags:    Flags(order.Uint16(buf[8:10])),
		Wnd:      order.Uint16(buf[10:12]),
		Len:      order.Uint16(buf[12:14]),
		Cksum:    order.Uint16(buf[14:16]),
		SackMask: order.Uint64(buf[16:24]),
	}
}

// checksum16 computes the 16-bit one's-complement Internet checksum of
// data, folding any odd trailing byte in as if padded with a zero byte.
func checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		word := uint16(data[i])<<8 | uint16(data[i+1])
		sum += uint32(word)
		if sum&0x10000 != 0 {
			sum = (sum & 0xFFFF) + 1
		}
	}
	if i < n {
		word := uint16(data[i]) << 8
		sum += uint32(word)
		if sum&0x10000 != 0 {
			sum = (sum & 0xFFFF) + 1
		}
	}
	return uint16(^sum & 0xFFFF)
}

// hostChecksum computes the checksum of h (with Cksum zeroed) and
// payload, using the host-order encoding convention described on
// Header.
func hostChecksum(h Header, payload []byte) uint16 {
	h.Cksum = 0
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, h, hostOrder)
	copy(buf[HeaderSize:], payload)
	return checksum16(buf)
}

// Encode serializes h and payload into a new wire-format buffer: the
// checksum is computed per the host-order convention, then the header
// is written out in network byte order followed by the raw payload
// bytes. h.Len is overwritten to len(payload) and h.Cksum is overwritten
// with the computed value; the caller's h is not mutated.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MSS {
		return nil, fmt.Errorf("%w: %d bytes exceeds MSS %d", ErrPayloadTooLarge, len(payload), MSS)
	}
	if HeaderSize+len(payload) > MaxPkt {
		return nil, fmt.Errorf("%w: datagram would be %d bytes, max %d", ErrPayloadTooLarge, HeaderSize+len(payload), MaxPkt)
	}

	h.Len = uint16(len(payload))
	h.Cksum = hostChecksum(h, payload)

	wire := make([]byte, HeaderSize+len(payload))
	putHeader(wire, h, wireOrder)
	copy(wire[HeaderSize:], payload)
	return wire, nil
}

// Decode parses buf as a wire-format segment, verifying its checksum.
// The returned payload aliases buf; callers that retain it across
// future Decode calls on the same buffer must copy it. On any error the
// caller's only correct response is to drop the datagram.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrShortHeader
	}
	h := getHeader(buf, wireOrder)
	if int(h.Len) > len(buf)-HeaderSize {
		return Header{}, nil, ErrLengthMismatch
	}
	payload := buf[HeaderSize : HeaderSize+int(h.Len)]

	wantCksum := hostChecksum(h, payload)
	if wantCksum != h.Cksum {
		return Header{}, nil, ErrChecksumMismatch
	}
	return h, payload, nil
}
