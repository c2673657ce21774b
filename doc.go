// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rdt implements the wire format shared by the RDT sender,
// receiver and network emulator: the 24-byte segment header, its
// checksum convention, and the constants that every endpoint must agree
// on in order to interoperate.
//
// The protocol state machines themselves live in the sibling sender,
// receiver and router packages; this package only knows how to turn a
// Header plus a payload into bytes on the wire and back.
package rdt
