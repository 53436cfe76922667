package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Low-cardinality counters for the sync engine. Everything registers on the
// default registry; Handler() exposes it for the debug server.

var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autochat_sends_total",
		Help: "Messages sent, labeled by delivery path (socket|rest).",
	}, []string{"path"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autochat_reconcile_total",
		Help: "Reconciliation outcomes (confirmed|appended|inserted|duplicate|merged).",
	}, []string{"outcome"})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autochat_reconnects_total",
		Help: "Successful socket reconnects.",
	})

	ConnState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autochat_connection_state",
		Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting).",
	})

	TypingSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autochat_typing_suppressed_total",
		Help: "Typing emissions dropped by the debounce window.",
	})

	SeenEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autochat_seen_emitted_total",
		Help: "Mark-seen signals emitted over the network.",
	})
)

// Handler returns the /metrics handler for the debug HTTP server.
func Handler() http.Handler { return promhttp.Handler() }
