// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package netio provides the nonblocking UDP socket used by every RDT
// endpoint's cooperative main loop, modeled on
// libutp/utp_file/udp_h.go's UDPSocketManager.
package netio

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// readBufferSize and writeBufferSize size the kernel socket buffers,
// matching the values MakeSocket uses in the teacher library.
const (
	readBufferSize  = 2 * 1024 * 1024
	writeBufferSize = 2 * 1024 * 1024

	maxDatagramSize = 1400
)

// Socket is a UDP socket wrapped for the nonblocking, poll-on-demand
// style every RDT endpoint's main loop uses: ReadFrom never blocks,
// returning ok=false if no datagram is ready.
type Socket struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to addr (host:port, host may be
// empty).
func Listen(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %q: %w", addr, err)
	}
	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		return nil, fmt.Errorf("netio: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(writeBufferSize); err != nil {
		return nil, fmt.Errorf("netio: set write buffer: %w", err)
	}
	return &Socket{conn: conn}, nil
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends b to addr.
func (s *Socket) WriteTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("netio: sendto %s: %w", addr, err)
	}
	return nil
}

// ReadFrom polls the socket once without waiting and, if a datagram is
// ready, reads it into buf, matching the "recvfrom is nonblocking" rule
// of the cooperative scheduling model. ok is false if nothing is ready.
func (s *Socket) ReadFrom(buf []byte) (n int, addr *net.UDPAddr, ok bool, err error) {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return 0, nil, false, fmt.Errorf("netio: syscall conn: %w", err)
	}

	var (
		pollErr error
		ready   bool
	)
	ctrlErr := rawConn.Control(func(fd uintptr) {
		ready, pollErr = pollReadable(fd, 0)
	})
	if ctrlErr != nil {
		return 0, nil, false, fmt.Errorf("netio: poll control: %w", ctrlErr)
	}
	if pollErr != nil {
		return 0, nil, false, fmt.Errorf("netio: poll: %w", pollErr)
	}
	if !ready {
		return 0, nil, false, nil
	}

	n, udpAddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("netio: recvfrom: %w", err)
	}
	return n, udpAddr, true, nil
}

// pollReadable reports whether fd has data available to read, waiting
// up to timeout (0 means return immediately).
func pollReadable(fd uintptr, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return false, err
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
