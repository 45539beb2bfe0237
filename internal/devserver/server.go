package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/schema"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7690)
	Addr string

	// Token, when set, must be presented as a bearer credential
	Token string

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7690",
		Logger: logging.Component(nil, "devserver"),
	}
}

// Server exposes a Store over HTTP.
type Server struct {
	store  *Store
	config *Config
	logger *log.Logger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewServer creates a server for store.
func NewServer(store *Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logging.Component(nil, "devserver")
	}
	return &Server{store: store, config: config, logger: config.Logger}
}

// Handler returns the HTTP routes. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sets/sync", s.handleSync)
	mux.HandleFunc("GET /api/exercises", s.handleList)
	mux.HandleFunc("GET /api/exercises/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/exercises/{id}", s.handlePut)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.auth(mux)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("devserver listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" && r.URL.Path != "/health" &&
			r.Header.Get("Authorization") != "Bearer "+s.config.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req schema.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	resp := s.store.Apply(req.Payloads)
	s.logger.Debug("sync batch", "payloads", len(req.Payloads),
		"accepted", len(resp.Accepted), "rejected", len(resp.Rejected))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ids": s.store.IDs()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.store.Exercise(r.PathValue("id"))
	if !ok {
		http.Error(w, "exercise not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var ex schema.Exercise
	if err := json.NewDecoder(r.Body).Decode(&ex); err != nil {
		http.Error(w, fmt.Sprintf("invalid exercise: %v", err), http.StatusBadRequest)
		return
	}
	if ex.ID == "" {
		ex.ID = r.PathValue("id")
	}
	if ex.ID != r.PathValue("id") {
		http.Error(w, "id mismatch", http.StatusBadRequest)
		return
	}
	if err := s.store.Put(&ex); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stored, _ := s.store.Exercise(ex.ID)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
