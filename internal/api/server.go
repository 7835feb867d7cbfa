// Package api exposes the engine over HTTP.
//
// Every route answers with JSON. Commands respond with the snapshot taken
// after the command ran, so a client never needs a second request to see
// the outcome. /api/ws pushes a fresh snapshot whenever the activity log
// grows.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/engine"
)

// Engine is the command surface the server drives. *engine.Engine
// implements it.
type Engine interface {
	Snapshot(ctx context.Context) engine.Snapshot
	Peek() engine.Snapshot
	TakeMessage() string
	SetOffset(ms int64)
	ConnectFeed(ctx context.Context) error
	ConnectDevice(ctx context.Context) (*device.Status, error)
	DisconnectDevice(ctx context.Context) (*device.Status, error)
}

// Notifier signals activity log growth. *activity.Log implements it.
type Notifier interface {
	Changed() <-chan struct{}
}

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Server is the HTTP front end.
type Server struct {
	eng      Engine
	changes  Notifier
	http     *http.Server
	upgrader websocket.Upgrader
}

// New creates a server for addr. Call Serve or ListenAndServe to start it.
func New(addr string, eng Engine, changes Notifier) *Server {
	s := &Server{
		eng:     eng,
		changes: changes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // LAN tool; the headset browser is on another host
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/feed/connect", s.handleConnectFeed)
	mux.HandleFunc("POST /api/device/connect", s.handleConnectDevice)
	mux.HandleFunc("POST /api/device/disconnect", s.handleDisconnectDevice)
	mux.HandleFunc("PUT /api/offset/{ms}", s.handleSetOffset)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	// Routes kept for the old browser UI.
	mux.HandleFunc("GET /{$}", s.handleSnapshot)
	mux.HandleFunc("GET /connectHereSphere", s.legacy(s.connectFeed))
	mux.HandleFunc("GET /connectAutoblow", s.legacy(s.connectDevice))
	mux.HandleFunc("GET /disconnectAutoblow", s.legacy(s.disconnectDevice))
	mux.HandleFunc("GET /setOffset/{ms}", s.handleLegacySetOffset)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("http server listening", "addr", ln.Addr().String())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// commandResponse is a snapshot plus the device state a command returned.
type commandResponse struct {
	engine.Snapshot
	Error *errorResponse `json:"error,omitempty"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot(r.Context()))
}

// command runs a state-changing action and reports the snapshot after it.
type command func(ctx context.Context) (*device.Status, error)

func (s *Server) connectFeed(ctx context.Context) (*device.Status, error) {
	return nil, s.eng.ConnectFeed(ctx)
}

func (s *Server) connectDevice(ctx context.Context) (*device.Status, error) {
	return s.eng.ConnectDevice(ctx)
}

func (s *Server) disconnectDevice(ctx context.Context) (*device.Status, error) {
	return s.eng.DisconnectDevice(ctx)
}

func (s *Server) handleConnectFeed(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.connectFeed, false)
}

func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.connectDevice, false)
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.disconnectDevice, false)
}

// legacy wraps a command for the old browser UI: errors only show up in
// the snapshot message and the status is always 200.
func (s *Server) legacy(cmd command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.run(w, r, cmd, true)
	}
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, cmd command, lenient bool) {
	st, err := cmd(r.Context())

	// A command that returned the device state is reported as is, without
	// a second status request.
	var snap engine.Snapshot
	if st != nil {
		snap = s.eng.Peek()
		snap.Device = st
		snap.Message = s.eng.TakeMessage()
	} else {
		snap = s.eng.Snapshot(r.Context())
	}

	resp := commandResponse{Snapshot: snap}
	status := http.StatusOK
	if err != nil {
		resp.Error = toErrorResponse(err)
		if !lenient {
			status = statusFor(err)
		}
		slog.Warn("command failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSetOffset(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(r.PathValue("ms"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_OFFSET", Message: "offset must be an integer number of milliseconds"})
		return
	}
	s.eng.SetOffset(ms)
	writeJSON(w, http.StatusOK, s.eng.Snapshot(r.Context()))
}

func (s *Server) handleLegacySetOffset(w http.ResponseWriter, r *http.Request) {
	s.handleSetOffset(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// The reader only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read failed", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	changed := s.changes.Changed()
	if err := push(ws, s.eng.Peek()); err != nil {
		return
	}
	for {
		select {
		case <-changed:
			changed = s.changes.Changed()
			if err := push(ws, s.eng.Peek()); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func push(ws *websocket.Conn, snap engine.Snapshot) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(snap)
}

func toErrorResponse(err error) *errorResponse {
	var ce *engine.CommandError
	if errors.As(err, &ce) {
		return &errorResponse{Code: string(ce.Code), Message: ce.Message}
	}
	return &errorResponse{Code: "INTERNAL", Message: err.Error()}
}

func statusFor(err error) int {
	var ce *engine.CommandError
	if errors.As(err, &ce) {
		if ce.Code == engine.ErrCodeNoFeed {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
