// Package server exposes the relay over HTTP: a WebSocket endpoint, a
// WebRTC signaling endpoint, a health endpoint and optional static files.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/1ureka/netviz/internal/relay"
	"github.com/1ureka/netviz/internal/signaling"
	"github.com/1ureka/netviz/internal/transport"
	"github.com/1ureka/netviz/internal/util"
)

const shutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Option configures a [Server].
type Option func(s *Server)

// WithStaticDir serves dir at "/".
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithICEServers sets the STUN/TURN URLs used when answering WebRTC offers.
func WithICEServers(urls []string) Option {
	return func(s *Server) { s.iceServers = urls }
}

// Server routes HTTP requests to the relay coordinator.
type Server struct {
	ctx        context.Context
	coord      *relay.Coordinator
	stats      *util.Stats
	staticDir  string
	iceServers []string
	started    time.Time
	router     *mux.Router
}

// New builds a server for coord. WebRTC transports created by the server
// live at most as long as ctx.
func New(ctx context.Context, coord *relay.Coordinator, stats *util.Stats, options ...Option) *Server {
	s := &Server{
		ctx:     ctx,
		coord:   coord,
		stats:   stats,
		started: time.Now(),
	}
	for _, opt := range options {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/rtc", s.handleRTC).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready, if not nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown; they
		// end when their peers go away or the process exits.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleWS attaches a WebSocket connection to the relay.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("ws upgrade failed: %v", err)
		return
	}

	conn := transport.NewWSConn(ws, clientIP(r))
	if err := transport.Serve(s.coord, conn); err != nil {
		util.LogDebug("ws connection from %s ended: %v", conn.Origin(), err)
	}
	conn.Close()
}

// handleRTC negotiates a DataChannel over the WebSocket, drops the
// WebSocket, and attaches the channel to the relay.
func (s *Server) handleRTC(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("signaling upgrade failed: %v", err)
		return
	}

	tr, err := signaling.Answer(s.ctx, ws, s.iceServers)
	ws.Close()
	if err != nil {
		util.LogWarning("WebRTC negotiation with %s failed: %v", clientIP(r), err)
		return
	}
	tr.SetOrigin(clientIP(r))

	if err := transport.Serve(s.coord, tr); err != nil {
		util.LogDebug("DataChannel from %s ended: %v", tr.Origin(), err)
	}
	tr.Close()
}

// health is the /healthz response body.
type health struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	util.Snapshot
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Snapshot: s.stats.Snapshot(),
	})
}

// clientIP returns the first X-Forwarded-For hop if present, otherwise the
// host part of the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
