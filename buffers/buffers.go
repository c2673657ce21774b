// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers provides a concurrency-safe circular byte buffer used
// to hand a reassembled RDT byte stream from the receiver's cooperative
// main loop to a separate consumer goroutine (see cmd/rdt-bench, which
// verifies the received stream's checksum while the transfer is still
// in progress) without either side blocking the other directly. Only
// the append/write and non-blocking-consume surface cmd/rdt-bench
// actually exercises is kept here.
package buffers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	IsClosedErr             = errors.New("sync buffer is closed")
	WriterAlreadyWaitingErr = errors.New("a writer is already waiting")
)

type SyncCircularBuffer struct {
	lock   sync.Mutex
	buffer []byte

	writeWaiter      chan struct{}
	writeSizeTrigger int

	start int
	end   int
	wraps bool
}

func NewSyncBuffer(size int) *SyncCircularBuffer {
	return &SyncCircularBuffer{
		buffer: make([]byte, size),
	}
}

func (sb *SyncCircularBuffer) WaitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.waitForSpaceChan(n)
}

func (sb *SyncCircularBuffer) waitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	if sb.writeWaiter != nil {
		return nil, nil, WriterAlreadyWaitingErr
	}
	ww := make(chan struct{}, 1)
	if sb.spaceAvailable() >= n {
		ww <- struct{}{}
		close(ww)
		return ww, func() {}, nil
	}
	sb.writeWaiter = ww
	sb.writeSizeTrigger = n
	return sb.writeWaiter, func() { sb.cancelWriteWait(ww) }, nil
}

func (sb *SyncCircularBuffer) cancelWriteWait(waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeWaiter != nil && sb.writeWaiter == waitChan {
		sb.writeWaiter = nil
	}
}

func (sb *SyncCircularBuffer) Append(ctx context.Context, data []byte) error {
	for {
		ok := sb.TryAppend(data)
		if ok {
			return nil
		}
		waitForSpace, cancelWait, err := sb.WaitForSpaceChan(len(data))
		if err != nil {
			// something is already waiting to append to this buffer
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case _, ok = <-waitForSpace:
			if !ok {
				return IsClosedErr
			}
		}
	}
}

func (sb *SyncCircularBuffer) TryAppend(data []byte) (ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.spaceAvailable() < len(data) {
		return false
	}

	if !sb.wraps {
		bytesToCopy := len(sb.buffer) - sb.end
		if len(data) < bytesToCopy {
			bytesToCopy = len(data)
		}
		copy(sb.buffer[sb.end:sb.end+bytesToCopy], data[:bytesToCopy])
		data = data[bytesToCopy:]
		sb.end += bytesToCopy
		if sb.end == len(sb.buffer) {
			sb.end = 0
			sb.wraps = true
		}
	}
	if sb.wraps && len(data) > 0 {
		if len(data) > sb.start-sb.end {
			panic(fmt.Sprintf("internal error: %d too big (start=%d, end=%d, size=%d, wraps=%v)", len(data), sb.start, sb.end, len(sb.buffer), sb.wraps))
		}
		copy(sb.buffer[sb.end:sb.end+len(data)], data)
		sb.end += len(data)
	}
	return true
}

func (sb *SyncCircularBuffer) TryConsume(data []byte) (n int, ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	haveBytes := sb.spaceUsed()
	if haveBytes == 0 {
		return 0, false
	}
	if len(data) > haveBytes {
		// do a short read
		data = data[:haveBytes]
	}

	sb.popFromBuffer(data)
	return len(data), true
}

func (sb *SyncCircularBuffer) popFromBuffer(data []byte) {
	if sb.wraps {
		bytesToCopy := len(sb.buffer) - sb.start
		if len(data) < bytesToCopy {
			bytesToCopy = len(data)
		}
		copy(data[:bytesToCopy], sb.buffer[sb.start:sb.start+bytesToCopy])
		data = data[bytesToCopy:]
		sb.start += bytesToCopy
		if sb.start == len(sb.buffer) {
			sb.start = 0
			sb.wraps = false
		}
	}
	if !sb.wraps && len(data) > 0 {
		if len(data) > sb.end-sb.start {
			panic(fmt.Sprintf("internal error: don't have %d bytes avail (start=%d, end=%d, size=%d, wraps=%v)", len(data), sb.start, sb.end, len(sb.buffer), sb.wraps))
		}
		copy(data, sb.buffer[sb.start:sb.start+len(data)])
		sb.start += len(data)
	}
	if sb.writeWaiter != nil {
		if sb.spaceAvailable() >= sb.writeSizeTrigger {
			ww := sb.writeWaiter
			sb.writeWaiter = nil
			ww <- struct{}{}
			close(ww)
		}
	}
}

// Writer returns an io.Writer view of sb bound to ctx, suitable for
// passing directly as a receiver.Receiver's output: each Write blocks
// until there is room, or until ctx is canceled.
func (sb *SyncCircularBuffer) Writer(ctx context.Context) io.Writer {
	return &bufferWriter{ctx: ctx, buf: sb}
}

type bufferWriter struct {
	ctx context.Context
	buf *SyncCircularBuffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if err := w.buf.Append(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sb *SyncCircularBuffer) spaceAvailable() int {
	if sb.wraps {
		return sb.start - sb.end
	}
	return len(sb.buffer) - sb.end + sb.start
}

func (sb *SyncCircularBuffer) spaceUsed() int {
	if sb.wraps {
		return len(sb.buffer) + sb.end - sb.start
	}
	return sb.end - sb.start
}
