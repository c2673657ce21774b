// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// rdt-router runs the network emulator described in SPEC_FULL.md §4.4:
// it forwards datagrams between a client (the sender, learned from the
// first datagram it sees) and a fixed server (the receiver), dropping
// and delaying client-to-server traffic according to the loss-rate-pct
// and delay-ms arguments.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	rdt "github.com/DING4526/rdt-go"
	"github.com/DING4526/rdt-go/internal/netio"
	"github.com/DING4526/rdt-go/router"
)

var debug = flag.Bool("debug", false, "Enable debug logging")

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 5 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s router-port server-ip server-port loss-rate-pct delay-ms

   router-port:     port this router listens on (the client sends here)
   server-ip:       IP address of the server (receiver)
   server-port:     port of the server (receiver)
   loss-rate-pct:   percent of client->server datagrams to drop (e.g. 3)
   delay-ms:        delay applied to forwarded client->server datagrams

`, os.Args[0])
		os.Exit(1)
	}

	routerPort := args[0]
	serverIP := args[1]
	serverPort := args[2]
	lossPct, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid loss-rate-pct %q: %v\n", args[3], err)
		os.Exit(1)
	}
	delayMs, err := strconv.Atoi(args[4])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid delay-ms %q: %v\n", args[4], err)
		os.Exit(1)
	}

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

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(serverIP, serverPort))
	if err != nil {
		logger.Error(err, "could not resolve server address", "ip", serverIP, "port", serverPort)
		os.Exit(1)
	}

	sock, err := netio.Listen(":" + routerPort)
	if err != nil {
		logger.Error(err, "could not listen", "port", routerPort)
		os.Exit(1)
	}
	defer func() { _ = sock.Close() }()

	loss := lossPct / 100.0
	delay := time.Duration(delayMs) * time.Millisecond
	logger.Info("router listening",
		"router-port", routerPort, "server-addr", serverAddr, "loss-pct", lossPct, "delay-ms", delayMs)

	r := router.New(logger.WithName("router"), sock, rdt.RealClock{}, serverAddr, loss, delay, time.Now().UnixNano())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(err, "router failed")
		os.Exit(1)
	}
}
