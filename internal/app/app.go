// Package app wires the sync engine together for the CLI: config, logger,
// transport, store, session controller and the metrics debug server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"autochat/pkg/config"
	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/presence"
	"autochat/pkg/rest"
	"autochat/pkg/session"
	"autochat/pkg/store"
	"autochat/pkg/telemetry"
	"autochat/pkg/transport"
)

// App holds the assembled engine components and their lifecycle.
type App struct {
	eff       config.Effective
	version   string
	commit    string
	buildDate string

	tr      *transport.Adapter
	store   *store.Store
	ctl     *session.Controller
	metrics *http.Server
}

// New initializes everything that does not need a running context. Call
// Run to connect and block until shutdown.
func New(eff config.Effective, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	logger.InitWithLevel(cfg.Logging.Level)

	tr := transport.New(transport.Options{
		URL:         cfg.Broker.SocketURL,
		APIKey:      cfg.Broker.APIKey,
		MaxAttempts: cfg.Transport.MaxAttempts,
		BackoffBase: cfg.Transport.BackoffBase,
		BackoffCap:  cfg.Transport.BackoffCap,
	})
	api := rest.New(cfg.Broker.RESTURL, cfg.Broker.APIKey)
	st := store.New()
	self := models.Participant{ID: cfg.Actor.ID, Role: cfg.Actor.Role, Name: cfg.Actor.Name}
	ctl := session.New(self, tr, api, st, session.Options{
		Presence: presence.Options{
			Debounce: cfg.Presence.Debounce,
			IdleGap:  cfg.Presence.IdleGap,
			TTL:      cfg.Presence.TTL,
		},
		PollInterval: cfg.Transport.PollInterval,
	})

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		tr:        tr,
		store:     st,
		ctl:       ctl,
	}
	return a, nil
}

// Controller returns the session controller for interactive callers.
func (a *App) Controller() *session.Controller { return a.ctl }

// Transport returns the shared socket adapter.
func (a *App) Transport() *transport.Adapter { return a.tr }

// Run connects the transport, starts the metrics server when configured,
// and blocks until ctx is canceled or the metrics server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	a.tr.Connect()

	errCh := make(chan error, 1)
	if addr := a.eff.Config.Metrics.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		a.metrics = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics_server_started", "addr", addr)
			if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	a.ctl.Close()
	a.tr.Disconnect()
	if a.metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(sctx)
	}
	logger.Info("engine_stopped")
}

func validateConfig(eff config.Effective) error {
	cfg := eff.Config
	if cfg.Broker.SocketURL == "" {
		return fmt.Errorf("broker socket_url is required")
	}
	if cfg.Broker.RESTURL == "" {
		return fmt.Errorf("broker rest_url is required")
	}
	if cfg.Actor.ID == "" {
		return fmt.Errorf("actor id is required")
	}
	return nil
}

func (a *App) printBanner() {
	cfg := a.eff.Config
	fmt.Printf("autochat %s (%s, built %s)\n", a.version, a.commit, a.buildDate)
	fmt.Printf("  socket:  %s\n", cfg.Broker.SocketURL)
	fmt.Printf("  rest:    %s\n", cfg.Broker.RESTURL)
	fmt.Printf("  actor:   %s (%s)\n", cfg.Actor.ID, cfg.Actor.Role)
	fmt.Printf("  config:  %s\n", a.eff.Source)
	if cfg.Metrics.Address != "" {
		fmt.Printf("  metrics: %s\n", cfg.Metrics.Address)
	}
}
