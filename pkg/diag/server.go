// HTTP diagnostics for the delta core
//
// Serves the machine status as JSON, the distortion matrix and endstop
// line as text, Prometheus metrics, and a websocket stream of status
// updates.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package diag exposes read-only diagnostics over HTTP and websocket.
package diag

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deltacore/pkg/log"
	"deltacore/pkg/metrics"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on, e.g. ":7125" or "127.0.0.1:7125".
	Address string

	// Optional basic auth credentials.
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Interval between websocket status broadcasts.
	Interval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:      ":7125",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Interval:     500 * time.Millisecond,
	}
}

// Server serves diagnostics.
type Server struct {
	cfg      Config
	source   Source
	metrics  *metrics.DeltaMetrics
	hub      *Hub
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
	log      *log.Logger

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. m may be nil.
func NewServer(cfg Config, source Source, m *metrics.DeltaMetrics) *Server {
	s := &Server{
		cfg:     cfg,
		source:  source,
		metrics: m,
		hub:     NewHub(cfg.WriteTimeout),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Get("diag"),
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/grid", s.handleGrid)
	s.mux.HandleFunc("/endstops", s.handleEndstops)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Serve accepts connections on ln and broadcasts status until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	go s.Publish(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("diagnostics listening")
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diag server: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx
// ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("diag listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// IsRunning returns whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Publish broadcasts the status to websocket clients every interval
// until ctx ends.
func (s *Server) Publish(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Len() == 0 {
				continue
			}
			s.PublishOnce(ctx)
		}
	}
}

// PublishOnce broadcasts one status message.
func (s *Server) PublishOnce(ctx context.Context) {
	st, err := s.source.Status(ctx)
	if err != nil {
		s.log.WithError(err).Debug("status unavailable")
		return
	}
	s.metrics.SetEndstops([3]bool{st.Endstops.XMax, st.Endstops.YMax, st.Endstops.ZMax}, st.Endstops.Probe)
	s.hub.Broadcast(Message{Type: "status", Data: st})
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) || !allowRead(w, r) {
		return
	}
	st, err := s.source.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) || !allowRead(w, r) {
		return
	}
	report, err := s.source.GridReport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if report == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(report))
}

func (s *Server) handleEndstops(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) || !allowRead(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, s.source.Endstops().String())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) || !allowRead(w, r) {
		return
	}
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	st := s.source.Endstops()
	s.metrics.SetEndstops(st.MaxHit, st.Probe)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := s.metrics.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := s.hub.Add(conn)
	defer s.hub.Remove(c)

	if st, err := s.source.Status(r.Context()); err == nil {
		if err := c.Send(Message{Type: "status", Data: st}); err != nil {
			return
		}
	}
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "status":
			st, err := s.source.Status(r.Context())
			if err != nil {
				_ = c.Send(Message{Type: "error", Data: err.Error()})
				continue
			}
			_ = c.Send(Message{Type: "status", Data: st})
		case "grid":
			report, err := s.source.GridReport(r.Context())
			if err != nil {
				_ = c.Send(Message{Type: "error", Data: err.Error()})
				continue
			}
			_ = c.Send(Message{Type: "grid", Data: report})
		default:
			_ = c.Send(Message{Type: "error", Data: "unknown request " + msg.Type})
		}
	}
}

// checkAuth verifies basic auth if configured.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="deltacore"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
