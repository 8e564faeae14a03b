// Package monitor receives loader telemetry over websocket.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/telemetry"
)

// Server accepts loader connections on Path and publishes decoded events
// on Recv.
type Server struct {
	Addr string
	Path string
	Recv chan telemetry.Event

	upgrader  websocket.Upgrader
	readLimit int64
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	srv    *http.Server
	ln     net.Listener
}

func NewServer(addr, path string, buf int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Addr: addr,
		Path: path,
		Recv: make(chan telemetry.Event, buf),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		readLimit: 1 << 20,
		log:       logrus.WithField("component", "monitor"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds Addr and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.Path, s.handleWS)

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("server error: %v", err)
			s.cancel()
		}
	}()
	return nil
}

// ListenAddr is the bound address once started.
func (s *Server) ListenAddr() string {
	if s.ln == nil {
		return s.Addr
	}
	return s.ln.Addr().String()
}

// Done is closed when the server stopped.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Server) Close() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.log.WithField("remote", r.RemoteAddr).Info("loader connected")

	conn.SetReadLimit(s.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if mt != websocket.TextMessage {
			continue
		}
		var ev telemetry.Event
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Type == "" {
			continue
		}
		select {
		case s.Recv <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}
