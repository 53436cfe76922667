// Package broker is an in-process conversation broker: a Pebble-backed
// message log, a websocket room hub and the REST fallback surface. It
// backs local development and the integration tests; production clients
// point at the hosted broker instead.
package broker

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Server ties the log, the hub and the HTTP surface together.
type Server struct {
	log    *Log
	hub    *Hub
	apiKey string
	router *mux.Router
}

// New opens the log at dbPath and builds the full HTTP handler. An empty
// apiKey disables auth, which the tests rely on.
func New(dbPath, apiKey string) (*Server, error) {
	log, err := OpenLog(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:    log,
		hub:    NewHub(log),
		apiKey: apiKey,
		router: mux.NewRouter(),
	}
	s.RegisterRoutes(s.router)
	return s, nil
}

// Handler returns the broker's HTTP handler (socket endpoint included).
func (s *Server) Handler() http.Handler { return s.router }

// Log exposes the underlying store for seeding in tests.
func (s *Server) Log() *Log { return s.log }

// Close releases the underlying database.
func (s *Server) Close() error { return s.log.Close() }
