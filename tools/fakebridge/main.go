// Package main implements fakebridge, a deterministic rosbridge-protocol
// WebSocket responder for integration testing of rosbridge clients. It models
// the core server behaviors: advertise/unadvertise bookkeeping, subscribe
// fan-out with throttle_rate, call_service responses (canned per service or
// echoing the request args), set_level status filtering, and status frames
// for protocol violations.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

type serviceFlags []string

func (s *serviceFlags) String() string { return fmt.Sprintf("%v", *s) }
func (s *serviceFlags) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var (
	flagAddr    = flag.String("addr", "127.0.0.1:9090", "listen address")
	flagPath    = flag.String("path", "/", "WebSocket endpoint path")
	flagLogConn = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagLatency = flag.Duration("latency", 0, "artificial delay before every response frame")
	flagStrict  = flag.Bool("strict", false, "emit error status frames for publishes on unadvertised topics")

	// Canned services (multi-value flag)
	flagServices serviceFlags
)

func main() {
	flag.Var(&flagServices, "service", "canned service response: 'name=jsonValues' (repeatable; unlisted services echo their args)")
	flag.Parse()

	bridge := newBridge()
	bridge.logConn = *flagLogConn
	bridge.latency = *flagLatency
	bridge.strict = *flagStrict
	for _, spec := range flagServices {
		if err := bridge.registerService(spec); err != nil {
			log.Printf("fakebridge: invalid service spec %q: %v", spec, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(*flagPath, bridge)
	server := &http.Server{Addr: *flagAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("fakebridge: received %v, shutting down", sig)
		bridge.closeAll()
		_ = server.Close()
	}()

	log.Printf("fakebridge listening on ws://%s%s  (latency=%v strict=%v services=%d)",
		*flagAddr, *flagPath, *flagLatency, *flagStrict, len(flagServices))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("fakebridge: %v", err)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakebridge: deterministic rosbridge-protocol WebSocket responder for client testing\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
