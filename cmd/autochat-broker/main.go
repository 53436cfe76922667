// autochat-broker runs the development broker: websocket rooms plus the
// REST fallback surface over a local Pebble database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autochat/internal/broker"
	"autochat/pkg/logger"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "./data/autochat", "pebble database path")
	apiKey := flag.String("api-key", "", "API key required on REST calls (empty disables auth)")
	flag.Parse()

	logger.Init()

	srv, err := broker.New(*dbPath, *apiKey)
	if err != nil {
		log.Fatalf("failed to open broker: %v", err)
	}
	defer srv.Close()

	hs := &http.Server{Addr: *addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("autochat-broker listening on %s (db %s)\n", *addr, *dbPath)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	case err := <-errCh:
		log.Fatalf("broker exited: %v", err)
	}
}
