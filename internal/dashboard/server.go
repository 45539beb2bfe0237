// Package dashboard provides a real-time WebSocket feed of sync-engine activity.
//
// The dashboard broadcasts dirty-indicator changes, completed syncs, per-record
// rejections, connectivity transitions and queue statistics to connected
// clients, so a UI can show save state without polling the engine.
package dashboard

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
	"github.com/coder/websocket"

	"github.com/ironlog/setsync/internal/logging"
)

// MessageType tags a dashboard message.
type MessageType string

const (
	MessageTypeDirty        MessageType = "dirty"
	MessageTypeSyncComplete MessageType = "sync_complete"
	MessageTypeRejected     MessageType = "rejected"
	MessageTypeStats        MessageType = "stats"
	MessageTypeConnectivity MessageType = "connectivity"
)

// messageTypes is served at / so clients can discover the feed.
var messageTypes = []MessageType{
	MessageTypeDirty,
	MessageTypeSyncComplete,
	MessageTypeRejected,
	MessageTypeStats,
	MessageTypeConnectivity,
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
)

// Message is one event on the feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientSet tracks connected sockets and the stats snapshot new ones get.
type clientSet struct {
	mu        sync.RWMutex
	conns     map[*websocket.Conn]struct{}
	lastStats json.RawMessage
}

// join registers conn and returns the welcome message for it.
func (c *clientSet) join(conn *websocket.Conn) (Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = struct{}{}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: c.lastStats}, len(c.conns)
}

// leave unregisters conn; ok is false if it was already gone.
func (c *clientSet) leave(conn *websocket.Conn) (remaining int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[conn]; !ok {
		return len(c.conns), false
	}
	delete(c.conns, conn)
	return len(c.conns), true
}

func (c *clientSet) snapshot() []*websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(c.conns))
	for conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

func (c *clientSet) drain() []*websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(c.conns))
	for conn := range c.conns {
		out = append(out, conn)
	}
	clear(c.conns)
	return out
}

func (c *clientSet) remember(stats json.RawMessage) {
	c.mu.Lock()
	c.lastStats = stats
	c.mu.Unlock()
}

func (c *clientSet) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Server fans engine events out to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	clients clientSet
	queue   chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	// Port on 127.0.0.1 (default 7691; 0 picks a free port)
	Port int

	Logger *log.Logger
}

// DefaultConfig returns the configuration used by the daemon.
func DefaultConfig() *Config {
	return &Config{
		Port:   7691,
		Logger: logging.Component(nil, "dashboard"),
	}
}

// NewServer creates a server. The feed only reaches clients after Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logging.Component(nil, "dashboard")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    fmt.Sprintf("127.0.0.1:%d", config.Port),
		logger:  config.Logger,
		clients: clientSet{conns: make(map[*websocket.Conn]struct{})},
		queue:   make(chan Message, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and serves /ws, /health and / in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "err", err)
		}
	}()

	return nil
}

// Stop disconnects every client and shuts the listener down. It is safe on
// a server that was never started.
func (s *Server) Stop() error {
	s.cancel()

	for _, conn := range s.clients.drain() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Debug("dashboard stopped")
	return err
}

// Broadcast queues msg for every client without blocking. A full queue
// drops the message; stats are still remembered for the next client.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == MessageTypeStats {
		s.clients.remember(msg.Data)
	}
	if s.ctx.Err() != nil {
		return
	}

	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("dashboard queue full, dropping message", "type", msg.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to encode message", "type", msg.Type, "err", err)
				continue
			}
			for _, conn := range s.clients.snapshot() {
				if err := s.write(s.ctx, conn, data); err != nil {
					s.logger.Debug("dropping client", "err", err)
					s.disconnect(conn)
				}
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	welcome, total := s.clients.join(conn)
	s.logger.Debug("client connected", "total", total)

	if data, err := json.Marshal(welcome); err == nil {
		_ = s.write(r.Context(), conn, data)
	}

	// The feed is one-way; reading only notices the client leaving.
	go func() {
		defer s.disconnect(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) disconnect(conn *websocket.Conn) {
	remaining, ok := s.clients.leave(conn)
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "total", remaining)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"websocket": "ws://" + r.Host + "/ws",
		"messages":  messageTypes,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.len()
}
