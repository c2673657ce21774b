// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package router implements the network emulator described in
// SPEC_FULL.md §4.4: a packet-forwarding middlebox that binds a
// "server" (receiver) address up front and learns the "client"
// (sender) address from the first datagram it sees from anyone else.
// Client-to-server datagrams are dropped with probability Loss and,
// otherwise, delayed by Delay; server-to-client datagrams are forwarded
// immediately and unmodified.
package router

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	rdt "github.com/DING4526/rdt-go"
)

// Stats holds the router's running packet counters, kept as atomic
// counters so they can be read for periodic logging or by tests without
// any extra synchronization. This mirrors the original router.cpp's
// total_from_client / dropped_pkts / total_from_server / forwarded_pkts
// counters (SPEC_FULL.md §12).
type Stats struct {
	FromClient    atomic.Uint64
	FromServer    atomic.Uint64
	DroppedPkts   atomic.Uint64
	ForwardedPkts atomic.Uint64
}

type delayedPacket struct {
	sendAt time.Time
	data   []byte
	dest   *net.UDPAddr
}

// Router forwards datagrams between a bound client and server,
// optionally lossy/delayed in the client-to-server direction.
type Router struct {
	logger logr.Logger
	conn   rdt.PacketConn
	clock  rdt.Clock
	rng    *rand.Rand

	serverAddr *net.UDPAddr
	loss       float64
	delay      time.Duration

	clientAddr   *net.UDPAddr
	clientKnown  bool
	delayQueue   []delayedPacket
	statsPeriod  time.Duration
	lastStatsLog time.Time
	readBuf      []byte

	Stats Stats
}

// New creates a Router that forwards to serverAddr, dropping
// client-to-server datagrams with probability loss (0..1) and delaying
// the rest by delay. seed drives the drop decisions; callers that want
// reproducible runs (tests) should pass a fixed value, the same way
// fakenet.NewNetwork takes an explicit seed instead of reaching for
// wall-clock time.
func New(logger logr.Logger, conn rdt.PacketConn, clock rdt.Clock, serverAddr *net.UDPAddr, loss float64, delay time.Duration, seed int64) *Router {
	return &Router{
		logger:      logger,
		conn:        conn,
		clock:       clock,
		rng:         rand.New(rand.NewSource(seed)),
		serverAddr:  serverAddr,
		loss:        loss,
		delay:       delay,
		statsPeriod: 3 * time.Second,
		readBuf:     make([]byte, rdt.MaxPkt),
	}
}

// SetLoss changes the client-to-server drop probability. It is safe to
// call between Tick calls, letting a caller vary loss over the course of
// a run (e.g. a test that wants a guaranteed-clean window around a
// segment the protocol has no way to retransmit if lost).
func (r *Router) SetLoss(loss float64) {
	r.loss = loss
}

// Run drives the router's cooperative main loop: forward or enqueue any
// arriving datagram, flush due delay-queue entries, and sleep briefly
// when idle, until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	r.lastStatsLog = r.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := r.Tick()
		if err != nil {
			return err
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

// Tick runs one non-blocking iteration: route at most one arriving
// datagram, then flush any delay-queue entries that have come due and
// log periodic stats if it's time. progressed reports whether a
// datagram arrived, letting a test harness drive the router
// deterministically by advancing a fake clock between calls.
func (r *Router) Tick() (progressed bool, err error) {
	n, from, ok, err := r.conn.ReadFrom(r.readBuf)
	if err != nil {
		return false, err
	}
	if ok {
		r.route(r.readBuf[:n], from)
	}

	r.flushDelayQueue()
	r.maybeLogStats()

	return ok, nil
}

func (r *Router) route(datagram []byte, from *net.UDPAddr) {
	if sameAddr(from, r.serverAddr) {
		r.Stats.FromServer.Add(1)
		if r.clientKnown {
			r.forward(datagram, r.clientAddr)
		}
		return
	}

	if !r.clientKnown {
		r.clientAddr = from
		r.clientKnown = true
		r.logger.Info("client connected", "addr", from)
	}
	r.Stats.FromClient.Add(1)

	if r.loss > 0 && r.rng.Float64() < r.loss {
		r.Stats.DroppedPkts.Add(1)
		return
	}

	if r.delay <= 0 {
		r.forward(datagram, r.serverAddr)
		return
	}

	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	r.delayQueue = append(r.delayQueue, delayedPacket{
		sendAt: r.clock.Now().Add(r.delay),
		data:   cp,
		dest:   r.serverAddr,
	})
}

func (r *Router) flushDelayQueue() {
	now := r.clock.Now()
	i := 0
	for ; i < len(r.delayQueue); i++ {
		pkt := r.delayQueue[i]
		if pkt.sendAt.After(now) {
			break
		}
		r.forward(pkt.data, pkt.dest)
	}
	r.delayQueue = r.delayQueue[i:]
}

func (r *Router) forward(datagram []byte, dest *net.UDPAddr) {
	if err := r.conn.WriteTo(datagram, dest); err != nil {
		r.logger.Error(err, "failed to forward datagram", "dest", dest)
		return
	}
	r.Stats.ForwardedPkts.Add(1)
}

func (r *Router) maybeLogStats() {
	now := r.clock.Now()
	if now.Sub(r.lastStatsLog) < r.statsPeriod {
		return
	}
	r.lastStatsLog = now
	fromClient := r.Stats.FromClient.Load()
	if fromClient == 0 {
		return
	}
	dropped := r.Stats.DroppedPkts.Load()
	r.logger.Info("router stats",
		"from-client", fromClient,
		"dropped", dropped,
		"drop-rate", float64(dropped)/float64(fromClient),
		"from-server", r.Stats.FromServer.Load(),
		"forwarded", r.Stats.ForwardedPkts.Load(),
	)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
