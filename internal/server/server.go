package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/gossip"
	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/mining"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

// DaemonInfo provides daemon-level state and actions to the API.
type DaemonInfo interface {
	NodeID() string
	Uptime() time.Duration
	PeerCount() int
	WalletAddress() string
	NetworkStatus() map[string]interface{}
	// SetMining toggles mining and persists the choice.
	SetMining(on bool) (changed bool, err error)
}

// Deps are the components the API reads from and drives.
type Deps struct {
	Daemon     DaemonInfo
	Rates      *rates.Manager
	Engine     *mining.Engine
	Ledger     *ledger.Ledger
	Pipeline   *settlement.Pipeline
	Difficulty *mining.DifficultyTracker
	Hub        *Hub
	Feed       *gossip.Feed // nil when gossip is disabled
	Metrics    http.Handler // nil when metrics are disabled
}

// corsMiddleware allows cross-origin requests from admin dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the HTTP JSON API and live stream.
type Server struct {
	httpSrv *http.Server
	handler http.Handler
	deps    Deps
	logger  *zap.Logger
	bind    string
	port    int
}

func New(logger *zap.Logger, bind string, port int, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	s := &Server{deps: deps, logger: logger.Named("api"), bind: bind, port: port}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = corsMiddleware(mux)
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the live stream hub.
func (s *Server) Hub() *Hub { return s.deps.Hub }

// Start pre-acquires the port and begins serving. If the port is in use it
// falls back to port+1. Returns the port actually bound.
func (s *Server) Start() (int, error) {
	addr := fmt.Sprintf("%s:%d", s.bind, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fallbackPort := s.port + 1
		fallbackAddr := fmt.Sprintf("%s:%d", s.bind, fallbackPort)
		ln, err = net.Listen("tcp", fallbackAddr)
		if err != nil {
			return 0, fmt.Errorf("listen on %s and fallback %s: %w", addr, fallbackAddr, err)
		}
		s.logger.Warn("Using fallback port", zap.Int("port", fallbackPort), zap.Int("primary", s.port))
		s.port = fallbackPort
	}

	s.logger.Info("HTTP API listening", zap.String("bind", s.bind), zap.Int("port", s.port))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return s.port, nil
}

// Stop closes live streams and gracefully shuts down the server.
func (s *Server) Stop() {
	s.deps.Hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
	s.logger.Info("HTTP server stopped")
}
