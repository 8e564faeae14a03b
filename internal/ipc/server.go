package ipc

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/session"
)

// RecordHandler receives records of authenticated connections.
type RecordHandler func(Record)

// AuthHandler validates a credential; false drops the connection.
type AuthHandler func(Auth) bool

// SessionAuth checks credentials against s. Each call consumes the code.
func SessionAuth(s *session.Session) AuthHandler {
	return func(a Auth) bool { return s.Authenticate(a.PID, a.Code) }
}

// Server reads frames from one client at a time.
type Server struct {
	ln  net.Listener
	log *logrus.Entry
}

// NewServer serves on ln.
func NewServer(ln net.Listener) *Server {
	return &Server{ln: ln, log: logrus.WithField("component", "ipc")}
}

// WithLogger replaces the server logger.
func (s *Server) WithLogger(log *logrus.Entry) *Server { s.log = log; return s }

// Addr is where the server listens.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// RecvAll accepts connections until ctx is done or Accept fails, and closes
// the listener on return. Records arriving before a successful Auth are
// dropped.
func (s *Server) RecvAll(ctx context.Context, records RecordHandler, auth AuthHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer s.ln.Close()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept ipc client")
		}
		s.serve(ctx, conn, records, auth)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, records RecordHandler, auth AuthHandler) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log := s.log
	var dec Decoder
	authed := false
	buf := make([]byte, 64<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				m, err := DecodeMessage(f)
				if err != nil {
					log.Debugf("dropping undecodable frame: %v", err)
					continue
				}
				switch {
				case m.Auth != nil:
					if !auth(*m.Auth) {
						log.WithField("pid", m.Auth.PID).Warn("ipc client failed to authenticate")
						return
					}
					if !authed {
						log.WithField("pid", m.Auth.PID).Info("ipc client authenticated")
					}
					authed = true
				case !authed:
					log.Debug("dropping record from unauthenticated client")
				default:
					records(*m.Log)
				}
			}
			if ferr != nil {
				log.Warnf("closing ipc client: %v", ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
