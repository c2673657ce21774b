// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package receiver implements the RDT receiver state machine: segment
// validation, in-order reassembly, out-of-order buffering, and
// cumulative-ACK-with-SACK feedback. See SPEC_FULL.md §4.2.
package receiver

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	rdt "github.com/DING4526/rdt-go"
)

// State is one of the receiver FSM states from SPEC_FULL.md §4.2.
type State int

// Receiver states.
const (
	StateClosed State = iota
	StateSynRcvd
	StateEstablished
	StateFinWait
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Receiver is the receiver-side connection state for exactly one peer.
// It is not safe for concurrent use: the out-of-order buffer and output
// stream are owned exclusively by whatever goroutine calls Run or Tick.
type Receiver struct {
	logger   logr.Logger
	conn     rdt.PacketConn
	clock    rdt.Clock
	out      io.Writer
	fixedWnd int
	readBuf  []byte

	state         State
	peer          *net.UDPAddr
	isnRecv       uint32
	senderISN     uint32
	expectedAck   uint32
	ooo           map[uint32][]byte
	establishedAt time.Time
	terminatedAt  time.Time
}

// New creates a Receiver that will accept a connection from the first
// peer to send it a valid SYN, write reassembled bytes to out, and
// advertise fixedWnd segments of receive window.
func New(logger logr.Logger, conn rdt.PacketConn, clock rdt.Clock, out io.Writer, fixedWnd int) *Receiver {
	return &Receiver{
		logger:   logger,
		conn:     conn,
		clock:    clock,
		out:      out,
		fixedWnd: fixedWnd,
		state:    StateClosed,
		isnRecv:  rdt.RandomISN(),
		ooo:      make(map[uint32][]byte),
		readBuf:  make([]byte, rdt.MaxPkt),
	}
}

// State returns the receiver's current FSM state.
func (r *Receiver) State() State { return r.state }

// ExpectedAck returns the next in-order byte the receiver is waiting
// for.
func (r *Receiver) ExpectedAck() uint32 { return r.expectedAck }

// OutOfOrderLen returns the current size of the out-of-order buffer.
func (r *Receiver) OutOfOrderLen() int { return len(r.ooo) }

// Run drives the cooperative main loop described in SPEC_FULL.md §5:
// poll the socket without blocking, process at most one datagram per
// iteration, and sleep briefly when idle. It returns nil once the
// connection reaches StateTerminated, or ctx.Err() if ctx is canceled
// first.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := r.Tick()
		if err != nil {
			return err
		}
		if r.state == StateTerminated {
			return nil
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rdt.IdleSleep):
			}
		}
	}
}

// Tick runs one non-blocking iteration: at most one pending datagram is
// read and processed. progressed reports whether a datagram arrived, so
// a test harness can drive the receiver deterministically (advancing a
// fake clock between calls) instead of relying on Run's real sleep.
func (r *Receiver) Tick() (progressed bool, err error) {
	n, from, ok, err := r.conn.ReadFrom(r.readBuf)
	if err != nil {
		return false, fmt.Errorf("receiver: read: %w", err)
	}
	if !ok {
		return false, nil
	}
	r.handleDatagram(r.readBuf[:n], from)
	return true, nil
}

// handleDatagram validates a raw datagram and, if it passes, dispatches
// it to the FSM. Malformed datagrams, checksum failures, and segments
// from a non-peer address are all dropped silently per SPEC_FULL.md §7.
func (r *Receiver) handleDatagram(buf []byte, from *net.UDPAddr) {
	h, payload, err := rdt.Decode(buf)
	if err != nil {
		r.logger.V(1).Info("dropping malformed datagram", "reason", err.Error(), "from", from)
		return
	}

	if r.peer != nil && !sameAddr(from, r.peer) {
		r.logger.V(1).Info("dropping datagram from unknown peer", "from", from, "peer", r.peer)
		return
	}

	r.handleSegment(h, payload, from)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (r *Receiver) handleSegment(h rdt.Header, payload []byte, from *net.UDPAddr) {
	switch r.state {
	case StateClosed:
		r.handleClosed(h, from)
	case StateSynRcvd:
		r.handleSynRcvd(h)
	case StateEstablished:
		r.handleEstablished(h, payload)
	case StateFinWait:
		r.handleFinWait(h)
	}
}

func (r *Receiver) handleClosed(h rdt.Header, from *net.UDPAddr) {
	if !h.Flags.Has(rdt.FlagSYN) {
		return
	}
	r.peer = from
	r.senderISN = h.Seq
	r.expectedAck = h.Seq + 1
	r.state = StateSynRcvd

	r.logger.Info("accepted SYN, becoming peer", "peer", from, "sender-isn", r.senderISN)
	r.send(rdt.Header{
		Seq:   r.isnRecv,
		Ack:   r.expectedAck,
		Flags: rdt.FlagSYN | rdt.FlagACK,
		Wnd:   uint16(r.fixedWnd),
	}, nil)
}

func (r *Receiver) handleSynRcvd(h rdt.Header) {
	if h.Flags.Has(rdt.FlagACK) && h.Ack == r.isnRecv+1 {
		r.state = StateEstablished
		r.establishedAt = r.clock.Now()
		r.logger.Info("connection established")
	}
}

func (r *Receiver) handleEstablished(h rdt.Header, payload []byte) {
	if h.Flags.Has(rdt.FlagFIN) {
		r.handleFin(h)
		return
	}
	if !h.Flags.Has(rdt.FlagDATA) {
		return
	}

	switch {
	case h.Seq == r.expectedAck:
		r.writeInOrder(payload)
		r.drainOutOfOrder()
	case rdt.SeqGreater(h.Seq, r.expectedAck):
		r.bufferOutOfOrder(h.Seq, payload)
	default:
		// h.Seq < r.expectedAck: duplicate of already-delivered data.
		// Still ACK it below; the sender may have lost our prior ACK.
	}

	r.sendAck()
}

func (r *Receiver) writeInOrder(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if _, err := r.out.Write(payload); err != nil {
		r.logger.Error(err, "failed writing to output stream")
		return
	}
	r.expectedAck += uint32(len(payload))
}

func (r *Receiver) drainOutOfOrder() {
	for {
		key := r.expectedAck
		seg, ok := r.ooo[key]
		if !ok {
			return
		}
		if _, err := r.out.Write(seg); err != nil {
			r.logger.Error(err, "failed writing buffered segment to output stream")
			return
		}
		r.expectedAck += uint32(len(seg))
		delete(r.ooo, key)
	}
}

func (r *Receiver) bufferOutOfOrder(seq uint32, payload []byte) {
	maxSeq := r.expectedAck + uint32(r.fixedWnd*rdt.MSS)
	if !rdt.SeqGreater(maxSeq, seq) {
		return // beyond the advertised window
	}
	if _, exists := r.ooo[seq]; exists {
		return
	}
	if len(r.ooo) >= rdt.OOOMaxSegs {
		r.logger.V(1).Info("out-of-order buffer full, dropping segment", "seq", seq)
		return
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	r.ooo[seq] = stored
}

// sackMask computes the SACK bitmap per SPEC_FULL.md §4.2: bit i is set
// iff the out-of-order buffer holds a segment starting at
// expectedAck + (i+1)*MSS.
func (r *Receiver) sackMask() uint64 {
	var mask uint64
	bits := rdt.SackBits
	if r.fixedWnd < bits {
		bits = r.fixedWnd
	}
	for i := 0; i < bits; i++ {
		seq := r.expectedAck + uint32((i+1)*rdt.MSS)
		if _, ok := r.ooo[seq]; ok {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (r *Receiver) sendAck() {
	r.send(rdt.Header{
		Seq:      r.isnRecv + 1,
		Ack:      r.expectedAck,
		Flags:    rdt.FlagACK,
		Wnd:      uint16(r.fixedWnd),
		SackMask: r.sackMask(),
	}, nil)
}

func (r *Receiver) handleFin(h rdt.Header) {
	r.send(rdt.Header{
		Seq:   r.isnRecv + 1,
		Ack:   h.Seq + 1,
		Flags: rdt.FlagACK,
		Wnd:   uint16(r.fixedWnd),
	}, nil)
	r.send(rdt.Header{
		Seq:   r.isnRecv + 2,
		Ack:   r.expectedAck,
		Flags: rdt.FlagFIN | rdt.FlagACK,
		Wnd:   uint16(r.fixedWnd),
	}, nil)
	r.state = StateFinWait
	r.logger.Info("peer FIN received, sent our FIN", "peer-seq", h.Seq)
}

func (r *Receiver) handleFinWait(h rdt.Header) {
	// Our FIN carries seq isnRecv+2, so its ACK carries isnRecv+3.
	if !h.Flags.Has(rdt.FlagACK) || h.Ack != r.isnRecv+3 {
		return
	}
	r.terminatedAt = r.clock.Now()
	r.state = StateTerminated
	r.logger.Info("connection closed", "elapsed", r.terminatedAt.Sub(r.establishedAt))
}

func (r *Receiver) send(h rdt.Header, payload []byte) {
	wire, err := rdt.Encode(h, payload)
	if err != nil {
		r.logger.Error(err, "failed to encode outgoing segment")
		return
	}
	if err := r.conn.WriteTo(wire, r.peer); err != nil {
		r.logger.Error(err, "failed to send segment", "flags", h.Flags.String())
	}
}
