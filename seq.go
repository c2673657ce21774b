// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rdt

import (
	"crypto/rand"
	"encoding/binary"
)

// SeqGreater reports whether a is strictly ahead of b in sequence-number
// space, correctly handling uint32 wraparound (the same comparison the
// teacher library calls wrappingCompareLess, inverted). Byte counters in
// this protocol start from an ISN drawn from the full uint32 range (see
// RandomISN), so a transfer can cross the wrap point at any moment.
func SeqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqGreaterOrEqual reports whether a is at or ahead of b in
// sequence-number space.
func SeqGreaterOrEqual(a, b uint32) bool {
	return int32(a-b) >= 0
}

// RandomISN returns a cryptographically random 32-bit Initial Sequence
// Number, in the manner of the teacher library's randomUint32.
func RandomISN() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("rdt: can't read from random source: " + err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:])
}
