// Package control implements the loopback control plane: a 127.0.0.1
// listener accepting framed TEST, STATUS and STOP commands from the
// embedder or the CLI. Frames use the same length-prefixed format as the
// relay link but carry no password; mutating commands instead present a
// random per-process cookie.
package control

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wirebus/wirebus/internal/wire"
)

const connTimeout = 5 * time.Second

// NewCookie returns a fresh control-plane auth cookie.
func NewCookie() string {
	return uuid.NewString()
}

// Handler reacts to control commands. OnStop is called once per STOP frame;
// Status, if set, produces the STATUS reply payload.
type Handler struct {
	OnStop func()
	Status func() []byte
}

// Server is the loopback control listener.
type Server struct {
	ln     net.Listener
	cookie string
	h      Handler
	log    *slog.Logger
	cfg    wire.Config

	wg sync.WaitGroup
}

// NewServer listens on 127.0.0.1:port (port 0 picks one).
func NewServer(port int, headerSize int, cookie string, h Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen control port: %w", err)
	}
	return &Server{
		ln:     ln,
		cookie: cookie,
		h:      h,
		log:    logger,
		cfg:    wire.Config{HeaderSize: headerSize},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run accepts control connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))
	r := wire.NewReader(conn, s.cfg, 0)
	for {
		env, err := r.Next()
		if err != nil {
			return
		}
		switch env.Cmd {
		case wire.CmdTest:
			// Health ping, deliberately ignored.
		case wire.CmdStatus:
			if !s.authorized(env.Payload) {
				s.log.Warn("control status with bad cookie", "remote", conn.RemoteAddr())
				return
			}
			var body []byte
			if s.h.Status != nil {
				body = s.h.Status()
			}
			s.reply(conn, wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdStatus, Payload: body})
		case wire.CmdStop:
			if !s.authorized(env.Payload) {
				s.log.Warn("control stop with bad cookie", "remote", conn.RemoteAddr())
				return
			}
			s.reply(conn, wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdAck})
			s.log.Info("stop requested over control plane")
			if s.h.OnStop != nil {
				s.h.OnStop()
			}
			return
		default:
			s.log.Warn("invalid control command", "command", env.Cmd)
			return
		}
	}
}

func (s *Server) authorized(cookie []byte) bool {
	return subtle.ConstantTimeCompare(cookie, []byte(s.cookie)) == 1
}

func (s *Server) reply(conn net.Conn, env wire.Envelope) {
	raw, err := s.cfg.Encode(env)
	if err != nil {
		s.log.Error("encode control reply", "error", err)
		return
	}
	conn.Write(raw)
}
