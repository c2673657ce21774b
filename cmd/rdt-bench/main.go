// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// rdt-bench runs a sender, a router, and a receiver together over real
// loopback UDP sockets, generates a synthetic payload of -size bytes,
// and reports throughput and byte fidelity. It exists for local smoke
// testing of the full pipeline without needing three separate
// processes; see SPEC_FULL.md §10's note on golang.org/x/sync/errgroup.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	rdt "github.com/DING4526/rdt-go"
	"github.com/DING4526/rdt-go/buffers"
	"github.com/DING4526/rdt-go/internal/netio"
	"github.com/DING4526/rdt-go/receiver"
	"github.com/DING4526/rdt-go/router"
	"github.com/DING4526/rdt-go/sender"
)

var (
	debug    = flag.Bool("debug", false, "Enable debug logging")
	size     = flag.Int("size", 2_000_000, "Size in bytes of the synthetic payload to transfer")
	fixedWnd = flag.Int("window", 16, "Fixed sliding-window size, in segments")
	loss     = flag.Float64("loss", 0.02, "Fraction of client->server datagrams the router drops")
	delay    = flag.Duration("delay", 5*time.Millisecond, "Delay the router applies to forwarded datagrams")
)

func main() {
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zl, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := zapr.NewLogger(zl)

	payload := make([]byte, *size)
	if _, err := rand.Read(payload); err != nil {
		logger.Error(err, "failed to generate payload")
		os.Exit(1)
	}
	wantSum := sha256.Sum256(payload)

	senderSock, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		logger.Error(err, "failed to open sender socket")
		os.Exit(1)
	}
	defer func() { _ = senderSock.Close() }()

	routerSock, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		logger.Error(err, "failed to open router socket")
		os.Exit(1)
	}
	defer func() { _ = routerSock.Close() }()

	receiverSock, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		logger.Error(err, "failed to open receiver socket")
		os.Exit(1)
	}
	defer func() { _ = receiverSock.Close() }()

	out := buffers.NewSyncBuffer(4 * 1024 * 1024)

	s := sender.New(logger.WithName("sender"), senderSock, rdt.RealClock{}, routerSock.LocalAddr(), bytes.NewReader(payload), *fixedWnd)
	r := router.New(logger.WithName("router"), routerSock, rdt.RealClock{}, receiverSock.LocalAddr(), *loss, *delay, time.Now().UnixNano())
	rcv := receiver.New(logger.WithName("receiver"), receiverSock, rdt.RealClock{}, out.Writer(context.Background()), *fixedWnd)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(runCtx)

	start := time.Now()
	group.Go(func() error { return s.Run(ctx) })
	group.Go(func() error { return r.Run(ctx) })

	gotSum := sha256.New()
	gotBytes := 0
	group.Go(func() error {
		buf := make([]byte, 64*1024)
		for {
			n, ok := out.TryConsume(buf)
			if !ok {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(rdt.IdleSleep):
					continue
				}
			}
			gotSum.Write(buf[:n])
			gotBytes += n
			if gotBytes >= len(payload) {
				return nil
			}
		}
	})
	group.Go(func() error {
		err := rcv.Run(ctx)
		// The consumer goroutine above is waiting on ctx to learn the
		// transfer is over; cancel it once the receiver is done.
		cancel()
		return err
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Error(err, "bench run failed")
		os.Exit(1)
	}

	elapsed := time.Since(start)
	got := gotSum.Sum(nil)
	match := bytes.Equal(wantSum[:], got)
	fmt.Printf("transferred %d bytes in %s (%.1f bytes/s), checksum match: %v\n",
		gotBytes, elapsed, float64(gotBytes)/elapsed.Seconds(), match)
	if !match {
		os.Exit(1)
	}
}
