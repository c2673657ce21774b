// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// rdt-recv listens on listen-addr, accepts exactly one RDT connection,
// and writes the reassembled byte stream to file-to-write.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	rdt "github.com/DING4526/rdt-go"
	"github.com/DING4526/rdt-go/internal/netio"
	"github.com/DING4526/rdt-go/receiver"
)

var (
	debug    = flag.Bool("debug", false, "Enable debug logging")
	fixedWnd = flag.Int("window", 16, "Advertised receive window, in segments")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s listen-addr file-to-write

   listen-addr: address to listen on, in the form [<host>]:<port>
   file-to-write: where to write the received file

`, os.Args[0])
		os.Exit(1)
	}
	listenAddr := args[0]
	fileName := args[1]

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

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		logger.Error(err, "could not open destination file for writing")
		os.Exit(1)
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Error(err, "failed to close destination file")
		}
	}()

	sock, err := netio.Listen(listenAddr)
	if err != nil {
		logger.Error(err, "could not listen", "address", listenAddr)
		os.Exit(1)
	}
	defer func() { _ = sock.Close() }()

	logger.Info("listening", "address", listenAddr, "dest-file", fileName, "window", *fixedWnd)

	r := receiver.New(logger.WithName("receiver"), sock, rdt.RealClock{}, destFile, *fixedWnd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := r.Run(ctx); err != nil {
		logger.Error(err, "receive failed")
		os.Exit(1)
	}
	logger.Info("transfer complete", "elapsed", time.Since(start))
}
