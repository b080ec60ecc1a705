package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Hub over WebSocket at /ws?uid=<user id>.
type Server struct {
	hub      *Hub
	listener net.Listener
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a relay server around a fresh hub.
func NewServer() *Server {
	return &Server{hub: NewHub()}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on addr and serves until Close or ctx is cancelled. It
// returns the bound address, which differs from addr when a port of 0 is
// requested.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go s.hub.Run(s.ctx)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay: serve: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{
		hub:  s.hub,
		id:   uid,
		conn: conn,
		send: make(chan Envelope, sendQueueSize),
	}

	select {
	case s.hub.register <- m:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go m.writePump()
	go m.readPump(s.ctx)
}

// Close stops accepting connections and shuts the hub down.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		s.http.Shutdown(ctx)
	}
}
