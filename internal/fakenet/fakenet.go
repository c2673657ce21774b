// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package fakenet provides an in-memory clock and datagram network for
// deterministic protocol tests, grounded on the udpManager/testScenario
// pattern in storj.io/utp-go's transfer_test.go: packets are queued with
// a delivery time computed from a synthetic clock rather than actually
// sent, and a driving test loop calls Advance+Flush instead of sleeping.
package fakenet

import (
	"math/rand"
	"net"
	"sort"
	"time"

	rdt "github.com/DING4526/rdt-go"
)

// Clock is a settable rdt.Clock for tests: Now never advances on its
// own, so a test fully controls the passage of time.
type Clock struct {
	now time.Time
}

// NewClock returns a Clock starting at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements rdt.Clock.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var _ rdt.Clock = (*Clock)(nil)

type packet struct {
	data      []byte
	from, to  *net.UDPAddr
	deliverAt time.Time
}

// Network is a shared in-memory medium connecting any number of Conns.
// Each directed link between two addresses can independently drop or
// delay traffic, mirroring the per-direction loss/delay knobs on
// storj.io/utp-go's udpManager and on SPEC_FULL.md's network emulator.
type Network struct {
	clock *Clock
	rng   *rand.Rand
	conns map[string]*Conn
	links map[string]linkConfig
	queue []packet
}

type linkConfig struct {
	loss  float64
	delay time.Duration
}

// NewNetwork creates a Network driven by clock. seed makes packet-loss
// decisions reproducible across test runs.
func NewNetwork(clock *Clock, seed int64) *Network {
	return &Network{
		clock: clock,
		rng:   rand.New(rand.NewSource(seed)),
		conns: make(map[string]*Conn),
		links: make(map[string]linkConfig),
	}
}

// SetLink configures the from->to direction to drop fraction loss (0..1)
// of datagrams and delay the rest by delay. The reverse direction is
// unaffected unless configured separately.
func (n *Network) SetLink(from, to *net.UDPAddr, loss float64, delay time.Duration) {
	n.links[linkKey(from, to)] = linkConfig{loss: loss, delay: delay}
}

// Conn creates a new fake rdt.PacketConn bound to addr and registers it
// with the network.
func (n *Network) Conn(addr *net.UDPAddr) *Conn {
	c := &Conn{net: n, addr: addr}
	n.conns[addr.String()] = c
	return c
}

func (n *Network) enqueue(from, to *net.UDPAddr, data []byte) {
	cfg := n.links[linkKey(from, to)]
	if cfg.loss > 0 && n.rng.Float64() < cfg.loss {
		return
	}
	n.queue = append(n.queue, packet{
		data:      data,
		from:      from,
		to:        to,
		deliverAt: n.clock.Now().Add(cfg.delay),
	})
}

// Flush delivers every queued packet whose delivery time has arrived
// into its destination Conn's inbox, in delivery-time order. Call it
// after advancing the clock and before the next round of Tick calls.
func (n *Network) Flush() {
	sort.SliceStable(n.queue, func(i, j int) bool {
		return n.queue[i].deliverAt.Before(n.queue[j].deliverAt)
	})
	now := n.clock.Now()
	i := 0
	for ; i < len(n.queue); i++ {
		pkt := n.queue[i]
		if pkt.deliverAt.After(now) {
			break
		}
		if dest, ok := n.conns[pkt.to.String()]; ok {
			dest.inbox = append(dest.inbox, pkt)
		}
	}
	n.queue = n.queue[i:]
}

func linkKey(from, to *net.UDPAddr) string {
	return from.String() + ">" + to.String()
}

// Conn is an rdt.PacketConn backed by a Network instead of a real
// socket.
type Conn struct {
	net   *Network
	addr  *net.UDPAddr
	inbox []packet
}

var _ rdt.PacketConn = (*Conn)(nil)

// WriteTo queues b for delivery to addr, subject to the network's loss
// and delay configuration for this link.
func (c *Conn) WriteTo(b []byte, addr *net.UDPAddr) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	c.net.enqueue(c.addr, addr, cp)
	return nil
}

// ReadFrom returns the oldest delivered-and-due datagram, if any.
func (c *Conn) ReadFrom(buf []byte) (n int, addr *net.UDPAddr, ok bool, err error) {
	if len(c.inbox) == 0 {
		return 0, nil, false, nil
	}
	pkt := c.inbox[0]
	c.inbox = c.inbox[1:]
	n = copy(buf, pkt.data)
	return n, pkt.from, true, nil
}

// LocalAddr returns the address this Conn is bound to.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.addr }

// Close is a no-op; fake conns hold no real resources.
func (c *Conn) Close() error { return nil }
