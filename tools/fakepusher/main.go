// Package main implements fakepusher — a deterministic in-memory
// Pusher-protocol websocket responder for integration testing of client
// libraries. It models the hosted service's connection handshake,
// subscription acknowledgements, authorization signature checks for
// protected channels, presence membership announcements, client event
// rebroadcast, and ping/pong.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:18080", "listen address")
	flagAppKey  = flag.String("app-key", "app-key", "application key accepted on the /app/<key> path")
	flagSecret  = flag.String("secret", "", "app secret for verifying private/presence auth signatures (empty disables verification)")
	flagTimeout = flag.Int("activity-timeout", 120, "activity_timeout advertised in connection_established")
	flagLogConn = flag.Bool("log-conn", true, "log connect/disconnect events")
)

func main() {
	flag.Parse()

	srv := newServer(*flagAppKey, *flagSecret, *flagTimeout, *flagLogConn)
	if err := srv.start(*flagAddr); err != nil {
		log.Fatalf("fakepusher: listen %s failed: %v", *flagAddr, err)
	}

	log.Printf("fakepusher listening on %s  (app-key=%s auth=%v activity-timeout=%d)",
		srv.addr(), *flagAppKey, *flagSecret != "", *flagTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("fakepusher: received %v, shutting down", sig)
	srv.close()
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakepusher — deterministic Pusher-protocol websocket responder for integration testing\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
