// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// rdt-send reads a file and hands it to the RDT sender for delivery to
// dest-addr, logging a line when the upload completes and, on -debug, the
// full congestion-window trace.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	rdt "github.com/DING4526/rdt-go"
	"github.com/DING4526/rdt-go/internal/netio"
	"github.com/DING4526/rdt-go/sender"
)

var (
	debug    = flag.Bool("debug", false, "Enable debug logging")
	fixedWnd = flag.Int("window", 16, "Fixed sliding-window size, in segments")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s dest-addr file-to-send

   dest-addr: destination node to send to (router or receiver), <host>:<port>
   file-to-send: the file to upload

`, os.Args[0])
		os.Exit(1)
	}
	dest := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(-10)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zl, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := zapr.NewLogger(zl)

	dataFile, err := os.Open(fileName)
	if err != nil {
		logger.Error(err, "failed to open source file")
		os.Exit(1)
	}
	defer func() { _ = dataFile.Close() }()
	fileInfo, err := dataFile.Stat()
	if err != nil {
		logger.Error(err, "failed to stat source file")
		os.Exit(1)
	}

	destAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		logger.Error(err, "could not resolve destination", "dest", dest)
		os.Exit(1)
	}

	sock, err := netio.Listen(":0")
	if err != nil {
		logger.Error(err, "failed to open socket")
		os.Exit(1)
	}
	defer func() { _ = sock.Close() }()

	logger.Info("sending", "source-file", fileName, "size", fileInfo.Size(), "dest", destAddr, "window", *fixedWnd)

	cwndTrace := make(chan sender.CwndSample, 64)
	s := sender.New(logger.WithName("sender"), sock, rdt.RealClock{}, destAddr, dataFile, *fixedWnd)
	s.CwndTrace = cwndTrace
	go drainCwndTrace(logger.WithName("cwnd"), cwndTrace)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := s.Run(ctx); err != nil {
		logger.Error(err, "transfer failed")
		os.Exit(1)
	}
	logger.Info("upload complete", "elapsed", time.Since(start))
}

// drainCwndTrace logs every congestion-window sample at debug verbosity,
// replacing the original C program's cwnd_log.csv + matplotlib step
// (SPEC_FULL.md §12). It also keeps the Sender's CwndTrace channel from
// blocking.
func drainCwndTrace(logger logr.Logger, trace <-chan sender.CwndSample) {
	for sample := range trace {
		logger.V(1).Info("cwnd", "cwnd", sample.Cwnd, "ssthresh", sample.Ssthresh, "reason", sample.Reason)
	}
}
