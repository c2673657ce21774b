// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package receiver_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rdt "github.com/DING4526/rdt-go"
	"github.com/DING4526/rdt-go/internal/fakenet"
	"github.com/DING4526/rdt-go/receiver"
)

var (
	localAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 20001}
	peerAddr  = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 20002}
)

type scriptedPeer struct {
	conn *fakenet.Conn
	buf  []byte
}

func newScriptedPeer(network *fakenet.Network) *scriptedPeer {
	return &scriptedPeer{conn: network.Conn(peerAddr), buf: make([]byte, rdt.MaxPkt)}
}

func (p *scriptedPeer) recv() (rdt.Header, []byte, bool) {
	n, _, ok, err := p.conn.ReadFrom(p.buf)
	if err != nil || !ok {
		return rdt.Header{}, nil, false
	}
	h, payload, err := rdt.Decode(p.buf[:n])
	if err != nil {
		return rdt.Header{}, nil, false
	}
	return h, payload, true
}

func (p *scriptedPeer) send(h rdt.Header, payload []byte) {
	wire, err := rdt.Encode(h, payload)
	if err != nil {
		panic(err)
	}
	_ = p.conn.WriteTo(wire, localAddr)
}

func newReceiver(network *fakenet.Network, clock *fakenet.Clock, out *bytes.Buffer, fixedWnd int) *receiver.Receiver {
	conn := network.Conn(localAddr)
	return receiver.New(logr.Discard(), conn, clock, out, fixedWnd)
}

func establish(t testing.TB, r *receiver.Receiver, network *fakenet.Network, peer *scriptedPeer) uint32 {
	t.Helper()
	peer.send(rdt.Header{Seq: 100, Flags: rdt.FlagSYN}, nil)
	network.Flush()
	_, err := r.Tick()
	require.NoError(t, err)
	require.Equal(t, receiver.StateSynRcvd, r.State())
	network.Flush()
	h, _, ok := peer.recv()
	require.True(t, ok)
	require.True(t, h.Flags.Has(rdt.FlagSYN | rdt.FlagACK))
	require.Equal(t, uint32(101), h.Ack)

	peer.send(rdt.Header{Seq: 101, Ack: h.Seq + 1, Flags: rdt.FlagACK}, nil)
	network.Flush()
	_, err = r.Tick()
	require.NoError(t, err)
	require.Equal(t, receiver.StateEstablished, r.State())
	return 101
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	clock := fakenet.NewClock()
	network := fakenet.NewNetwork(clock, 1)
	out := &bytes.Buffer{}
	r := newReceiver(network, clock, out, 8)
	peer := newScriptedPeer(network)

	establish(t, r, network, peer)
	assert.Equal(t, uint32(101), r.ExpectedAck())
}

func TestInOrderDataIsDeliveredAndAcked(t *testing.T) {
	clock := fakenet.NewClock()
	network := fakenet.NewNetwork(clock, 1)
	out := &bytes.Buffer{}
	r := newReceiver(network, clock, out, 8)
	peer := newScriptedPeer(network)

	seq := establish(t, r, network, peer)

	peer.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA}, []byte("hello"))
	network.Flush()
	_, err := r.Tick()
	require.NoError(t, err)

	assert.Equal(t, "hello", out.String())
	assert.Equal(t, seq+5, r.ExpectedAck())

	network.Flush()
	ack, _, ok := peer.recv()
	require.True(t, ok)
	assert.True(t, ack.Flags.Has(rdt.FlagACK))
	assert.Equal(t, seq+5, ack.Ack)
}

func TestOutOfOrderDataIsBufferedThenDrained(t *testing.T) {
	clock := fakenet.NewClock()
	network := fakenet.NewNetwork(clock, 1)
	out := &bytes.Buffer{}
	r := newReceiver(network, clock, out, 8)
	peer := newScriptedPeer(network)

	seq := establish(t, r, network, peer)

	// Second chunk arrives first: buffered, not yet delivered.
	peer.send(rdt.Header{Seq: seq + 5, Flags: rdt.FlagDATA}, []byte("world"))
	network.Flush()
	_, err := r.Tick()
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Equal(t, 1, r.OutOfOrderLen())

	// First chunk arrives: both are now written in order.
	peer.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA}, []byte("hello"))
	network.Flush()
	_, err = r.Tick()
	require.NoError(t, err)

	assert.Equal(t, "helloworld", out.String())
	assert.Equal(t, 0, r.OutOfOrderLen())
}

func TestDuplicateDataIsNotRewrittenButStillAcked(t *testing.T) {
	clock := fakenet.NewClock()
	network := fakenet.NewNetwork(clock, 1)
	out := &bytes.Buffer{}
	r := newReceiver(network, clock, out, 8)
	peer := newScriptedPeer(network)

	seq := establish(t, r, network, peer)

	peer.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA}, []byte("hello"))
	network.Flush()
	_, err := r.Tick()
	require.NoError(t, err)
	network.Flush()
	_, _, _ = peer.recv()

	// Re-send the same (now stale) segment.
	peer.send(rdt.Header{Seq: seq, Flags: rdt.FlagDATA}, []byte("hello"))
	network.Flush()
	_, err = r.Tick()
	require.NoError(t, err)

	assert.Equal(t, "hello", out.String())
	network.Flush()
	ack, _, ok := peer.recv()
	require.True(t, ok)
	assert.Equal(t, seq+5, ack.Ack)
}

func TestFinTeardown(t *testing.T) {
	clock := fakenet.NewClock()
	network := fakenet.NewNetwork(clock, 1)
	out := &bytes.Buffer{}
	r := newReceiver(network, clock, out, 8)
	peer := newScriptedPeer(network)

	seq := establish(t, r, network, peer)

	peer.send(rdt.Header{Seq: seq, Flags: rdt.FlagFIN}, nil)
	network.Flush()
	_, err := r.Tick()
	require.NoError(t, err)
	require.Equal(t, receiver.StateFinWait, r.State())

	network.Flush()
	ackOfFin, _, ok := peer.recv()
	require.True(t, ok)
	assert.Equal(t, seq+1, ackOfFin.Ack)
	ourFin, _, ok := peer.recv()
	require.True(t, ok)
	assert.True(t, ourFin.Flags.Has(rdt.FlagFIN | rdt.FlagACK))

	peer.send(rdt.Header{Seq: seq + 1, Ack: ourFin.Seq + 1, Flags: rdt.FlagACK}, nil)
	network.Flush()
	_, err = r.Tick()
	require.NoError(t, err)
	assert.Equal(t, receiver.StateTerminated, r.State())
}
