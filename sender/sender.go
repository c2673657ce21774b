// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sender implements the RDT sender state machine: the
// three-way handshake, the sliding-window segmenter, the in-flight
// retransmission table, Reno congestion control, and the FIN teardown
// sequence. See SPEC_FULL.md §4.3.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	rdt "github.com/DING4526/rdt-go"
)

// State is a coarse phase marker for the sender, distinct from the more
// detailed receiver FSM since the sender's behavior within
// "established" is driven by the in-flight table rather than further
// sub-states.
type State int

// Sender states.
const (
	StateHandshake State = iota
	StateEstablished
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// inflightSegment is one entry of the in-flight retransmission table.
type inflightSegment struct {
	seq          uint32
	payload      []byte
	lastSendTime time.Time
	retx         int
	acked        bool
}

// CwndSample is emitted whenever the congestion window or slow-start
// threshold changes, so a caller (typically cmd/rdt-send) can log or
// otherwise record the trajectory. This replaces the original C
// program's cwnd_log.csv + matplotlib step; see SPEC_FULL.md §12.
type CwndSample struct {
	At       time.Time
	Cwnd     int
	Ssthresh int
	Reason   string
}

// ErrAborted is returned by Run when a single segment exceeded
// MaxRetx retransmissions.
var ErrAborted = errors.New("sender: retransmission limit exceeded, connection aborted")

// Sender drives one outgoing RDT connection for exactly one peer.
type Sender struct {
	logger   logr.Logger
	conn     rdt.PacketConn
	clock    rdt.Clock
	peer     *net.UDPAddr
	fixedWnd int
	input    io.Reader
	readBuf  []byte
	fillBuf  []byte

	// CwndTrace, if non-nil, receives a CwndSample every time cwnd or
	// ssthresh changes. The channel must be drained by the caller or
	// the send loop will block; a buffered channel is recommended.
	CwndTrace chan<- CwndSample

	state State

	isn       uint32
	nextSeq   uint32
	lastAck   uint32
	peerISN   uint32
	eof       bool // input exhausted
	inflight  map[uint32]*inflightSegment
	order     []uint32 // insertion order of inflight, for lowest-seq scans

	cwnd       int
	ssthresh   int
	dupAckCnt  int
	caAccum    float64

	synLast  time.Time
	synRetx  int

	finSent  bool
	finAcked bool
	finSeq   uint32
	finLast  time.Time
	finRetx  int
}

// New creates a Sender that will hand input to the peer at addr,
// advertising fixedWnd segments of flow-control window.
func New(logger logr.Logger, conn rdt.PacketConn, clock rdt.Clock, peer *net.UDPAddr, input io.Reader, fixedWnd int) *Sender {
	isn := rdt.RandomISN()
	return &Sender{
		logger:   logger,
		conn:     conn,
		clock:    clock,
		peer:     peer,
		fixedWnd: fixedWnd,
		input:    input,
		state:    StateHandshake,
		isn:      isn,
		nextSeq:  isn + 1,
		lastAck:  isn + 1,
		inflight: make(map[uint32]*inflightSegment),
		cwnd:     1,
		ssthresh: fixedWnd,
		readBuf:  make([]byte, rdt.MaxPkt),
		fillBuf:  make([]byte, rdt.MSS),
	}
}

// State returns the sender's current coarse state.
func (s *Sender) State() State { return s.state }

// Cwnd returns the current congestion window, in segments.
func (s *Sender) Cwnd() int { return s.cwnd }

// Ssthresh returns the current slow-start threshold, in segments.
func (s *Sender) Ssthresh() int { return s.ssthresh }

// LastAck returns the highest cumulative ACK received so far.
func (s *Sender) LastAck() uint32 { return s.lastAck }

// Run drives the sender end to end: handshake, data transfer, and FIN
// teardown, sleeping briefly between idle ticks. It returns nil on a
// clean close, ErrAborted if any segment exceeded MaxRetx, or ctx.Err()
// if canceled.
func (s *Sender) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := s.Tick()
		if err != nil {
			return err
		}
		if s.state == StateDone {
			return nil
		}
		if !progressed {
			s.idle(ctx)
		}
	}
}

// Tick runs exactly one non-blocking iteration of the sender's protocol
// logic: at most one inbound datagram is processed, plus whatever
// periodic work (window fill, timeout scan, FIN retransmit) is due. It
// never sleeps, so a test harness can drive the sender deterministically
// by calling Tick and advancing a fake clock between calls instead of
// relying on Run's real idle sleep. progressed reports whether a
// datagram was received this tick or, during the handshake, whether a
// SYN was sent.
func (s *Sender) Tick() (progressed bool, err error) {
	switch s.state {
	case StateHandshake:
		return s.handshakeTick()
	case StateEstablished:
		return s.transferTick()
	default:
		return false, nil
	}
}

func (s *Sender) handshakeTick() (bool, error) {
	progressed := false

	now := s.clock.Now()
	if now.Sub(s.synLast) >= rdt.HandshakeRTO {
		if s.synRetx > rdt.MaxRetx {
			return false, fmt.Errorf("sender: handshake: %w", ErrAborted)
		}
		s.send(rdt.Header{Seq: s.isn, Flags: rdt.FlagSYN, Wnd: uint16(s.fixedWnd)}, nil)
		s.logger.V(1).Info("TX SYN", "seq", s.isn, "retx", s.synRetx)
		s.synLast = now
		s.synRetx++
		progressed = true
	}

	n, _, ok, err := s.conn.ReadFrom(s.readBuf)
	if err != nil {
		return false, fmt.Errorf("sender: handshake read: %w", err)
	}
	if ok {
		progressed = true
		h, _, decErr := rdt.Decode(s.readBuf[:n])
		if decErr == nil && h.Flags.Has(rdt.FlagSYN|rdt.FlagACK) && h.Ack == s.isn+1 {
			s.peerISN = h.Seq
			s.send(rdt.Header{Seq: s.isn + 1, Ack: s.peerISN + 1, Flags: rdt.FlagACK, Wnd: uint16(s.fixedWnd)}, nil)
			s.state = StateEstablished
			s.logger.Info("connection established", "peer-isn", s.peerISN)
		}
	}
	return progressed, nil
}

func (s *Sender) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(rdt.IdleSleep):
	}
}

func (s *Sender) transferTick() (bool, error) {
	s.fillWindow()

	progressed, err := s.receiveOne(s.readBuf)
	if err != nil {
		return false, err
	}
	if s.state == StateDone {
		return progressed, nil
	}

	if err := s.scanTimeouts(); err != nil {
		return progressed, err
	}
	if err := s.retransmitFinIfDue(); err != nil {
		return progressed, err
	}

	return progressed, nil
}

func (s *Sender) inflightCount() int {
	n := 0
	for _, seg := range s.inflight {
		if !seg.acked {
			n++
		}
	}
	return n
}

func (s *Sender) effectiveWindow() int {
	if s.cwnd < s.fixedWnd {
		return s.cwnd
	}
	return s.fixedWnd
}

func (s *Sender) fillWindow() {
	if s.finSent {
		return
	}
	for s.inflightCount() < s.effectiveWindow() && !s.eof {
		n, err := io.ReadFull(s.input, s.fillBuf)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.eof = true
			case errors.Is(err, io.ErrUnexpectedEOF):
				// a short final chunk: n bytes are valid, stream ends after this.
				s.eof = true
			default:
				s.logger.Error(err, "failed reading input stream")
				s.eof = true
			}
		}
		if n == 0 {
			break
		}

		payload := make([]byte, n)
		copy(payload, s.fillBuf[:n])

		seq := s.nextSeq
		seg := &inflightSegment{seq: seq, payload: payload, lastSendTime: s.clock.Now()}
		s.inflight[seq] = seg
		s.order = append(s.order, seq)
		s.nextSeq += uint32(n)

		s.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA, Wnd: uint16(s.fixedWnd)}, payload)
		s.logger.V(1).Info("TX DATA", "seq", seq, "len", n)
	}
	s.maybeSendFin()
}

// maybeSendFin transmits the FIN once the last file byte has been sent
// and every in-flight segment has been acknowledged (SPEC_FULL.md §4.3,
// invariant 3 in §8: no premature FIN).
func (s *Sender) maybeSendFin() {
	if s.finSent || !s.eof || s.inflightCount() > 0 {
		return
	}
	s.finSeq = s.nextSeq
	s.send(rdt.Header{Seq: s.finSeq, Flags: rdt.FlagFIN, Wnd: uint16(s.fixedWnd)}, nil)
	s.finSent = true
	s.finLast = s.clock.Now()
	s.logger.Info("TX FIN", "seq", s.finSeq)
}

// receiveOne reads and processes at most one datagram. progressed is
// true if a datagram was processed.
func (s *Sender) receiveOne(buf []byte) (progressed bool, err error) {
	n, _, ok, err := s.conn.ReadFrom(buf)
	if err != nil {
		return false, fmt.Errorf("sender: read: %w", err)
	}
	if !ok {
		return false, nil
	}
	h, _, decErr := rdt.Decode(buf[:n])
	if decErr != nil {
		s.logger.V(1).Info("dropping malformed datagram", "reason", decErr.Error())
		return true, nil
	}

	if h.Flags.Has(rdt.FlagFIN) {
		s.send(rdt.Header{Seq: s.nextSeq + 1, Ack: h.Seq + 1, Flags: rdt.FlagACK, Wnd: uint16(s.fixedWnd)}, nil)
		s.logger.Info("RX FIN, connection done", "peer-seq", h.Seq)
		s.state = StateDone
		return true, nil
	}
	if h.Flags.Has(rdt.FlagACK) {
		s.handleAck(h)
	}
	return true, nil
}

func (s *Sender) handleAck(h rdt.Header) {
	ackno := h.Ack
	switch {
	case rdt.SeqGreater(ackno, s.lastAck):
		s.dupAckCnt = 0
		for _, seq := range s.order {
			seg := s.inflight[seq]
			if seg != nil && !seg.acked && rdt.SeqGreaterOrEqual(ackno, seg.seq+uint32(len(seg.payload))) {
				seg.acked = true
			}
		}
		s.applySackMask(ackno, h.SackMask)
		s.lastAck = ackno
		s.purgeCumulativelyAcked(ackno)
		s.growCwnd()

		if s.finSent && h.Flags.Has(rdt.FlagACK) && h.Ack == s.nextSeq+1 {
			s.finAcked = true
			s.logger.Info("FIN acked, awaiting peer FIN")
		}
	case ackno == s.lastAck:
		s.applySackMask(ackno, h.SackMask)
		s.dupAckCnt++
		if s.dupAckCnt == 3 {
			s.fastRetransmit()
		} else if s.dupAckCnt > 3 {
			s.cwnd++
			s.emitCwndSample("fast-recovery")
			s.logger.V(1).Info("dupACK, fast recovery", "dup-ack-cnt", s.dupAckCnt, "cwnd", s.cwnd)
		}
	default:
		// ackno < lastAck: stale, ignore.
	}
}

// purgeCumulativelyAcked drops in-flight entries once the cumulative ACK
// has moved past their final byte. SACK-acked segments beyond the
// cumulative point stay in the table (their bytes aren't contiguously
// delivered-and-confirmed yet). fillWindow bounds only the unacknowledged
// entries by the window, so while SACKed entries wait here the table can
// hold more than fixedWnd entries.
func (s *Sender) purgeCumulativelyAcked(ackno uint32) {
	kept := s.order[:0]
	for _, seq := range s.order {
		seg := s.inflight[seq]
		if seg != nil && rdt.SeqGreaterOrEqual(ackno, seg.seq+uint32(len(seg.payload))) {
			delete(s.inflight, seq)
			continue
		}
		kept = append(kept, seq)
	}
	s.order = kept
}

func (s *Sender) applySackMask(ackno uint32, mask uint64) {
	for i := 0; i < rdt.SackBits; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		seq := ackno + uint32((i+1)*rdt.MSS)
		if seg, ok := s.inflight[seq]; ok {
			seg.acked = true
		}
	}
}

func (s *Sender) growCwnd() {
	if s.cwnd < s.ssthresh {
		s.cwnd++
		s.emitCwndSample("slow-start")
		return
	}
	s.caAccum += 1.0 / float64(s.cwnd)
	if s.caAccum >= 1.0 {
		s.cwnd++
		s.caAccum -= 1.0
		s.emitCwndSample("congestion-avoidance")
	}
}

func (s *Sender) fastRetransmit() {
	seq, seg := s.lowestUnacked()
	if seg == nil {
		return
	}
	s.ssthresh = maxInt(1, s.cwnd/2)
	s.cwnd = s.ssthresh + 3
	s.emitCwndSample("fast-retransmit")

	seg.lastSendTime = s.clock.Now()
	seg.retx++
	s.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA, Wnd: uint16(s.fixedWnd)}, seg.payload)
	s.logger.V(1).Info("3 dupACK, fast retransmit", "seq", seq, "cwnd", s.cwnd, "ssthresh", s.ssthresh)
}

func (s *Sender) lowestUnacked() (uint32, *inflightSegment) {
	var best uint32
	var bestSeg *inflightSegment
	for _, seq := range s.order {
		seg := s.inflight[seq]
		if seg == nil || seg.acked {
			continue
		}
		if bestSeg == nil || rdt.SeqGreater(best, seq) {
			best, bestSeg = seq, seg
		}
	}
	return best, bestSeg
}

// scanTimeouts retransmits any in-flight segment whose RTO has elapsed,
// applying the Reno timeout reaction at most once per call regardless of
// how many segments timed out (SPEC_FULL.md §4.3).
func (s *Sender) scanTimeouts() error {
	now := s.clock.Now()
	reacted := false
	for _, seq := range s.order {
		seg := s.inflight[seq]
		if seg == nil || seg.acked {
			continue
		}
		if now.Sub(seg.lastSendTime) < rdt.RTO {
			continue
		}
		if !reacted {
			s.ssthresh = maxInt(1, s.cwnd/2)
			s.cwnd = 1
			s.dupAckCnt = 0
			s.emitCwndSample("timeout")
			reacted = true
		}

		seg.lastSendTime = now
		seg.retx++
		s.send(rdt.Header{Seq: seg.seq, Flags: rdt.FlagDATA, Wnd: uint16(s.fixedWnd)}, seg.payload)
		s.logger.V(1).Info("TIMEOUT, retransmit", "seq", seg.seq, "retx", seg.retx, "cwnd", s.cwnd, "ssthresh", s.ssthresh)

		if seg.retx > rdt.MaxRetx {
			s.state = StateAborted
			return fmt.Errorf("sender: seq %d: %w", seg.seq, ErrAborted)
		}
	}
	return nil
}

func (s *Sender) retransmitFinIfDue() error {
	if !s.finSent || s.finAcked {
		return nil
	}
	now := s.clock.Now()
	if now.Sub(s.finLast) < rdt.HandshakeRTO {
		return nil
	}
	if s.finRetx > rdt.MaxRetx {
		s.state = StateAborted
		return fmt.Errorf("sender: fin seq %d: %w", s.finSeq, ErrAborted)
	}
	s.send(rdt.Header{Seq: s.finSeq, Flags: rdt.FlagFIN, Wnd: uint16(s.fixedWnd)}, nil)
	s.finLast = now
	s.finRetx++
	s.logger.V(1).Info("RETX FIN", "seq", s.finSeq, "retx", s.finRetx)
	return nil
}

func (s *Sender) emitCwndSample(reason string) {
	if s.CwndTrace == nil {
		return
	}
	s.CwndTrace <- CwndSample{At: s.clock.Now(), Cwnd: s.cwnd, Ssthresh: s.ssthresh, Reason: reason}
}

func (s *Sender) send(h rdt.Header, payload []byte) {
	wire, err := rdt.Encode(h, payload)
	if err != nil {
		s.logger.Error(err, "failed to encode outgoing segment")
		return
	}
	if err := s.conn.WriteTo(wire, s.peer); err != nil {
		s.logger.Error(err, "failed to send segment", "flags", h.Flags.String())
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
