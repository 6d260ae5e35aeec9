// Package relay implements the relay process: a TLS (or plain TCP) listener
// whose per-connection state machines feed the router, plus Prometheus
// metrics and an optional scrape endpoint.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/internal/router"
	"github.com/wirebus/wirebus/internal/wire"
)

// Security modes. TLS is the default; TCP disables encryption and is unsafe
// on untrusted networks.
const (
	SecurityTLS = "TLS"
	SecurityTCP = "TCP"
)

// Config describes a relay server.
type Config struct {
	Addr       string // listen address, e.g. ":2098" (port 0 picks one)
	Password   string
	HeaderSize int
	MaxBody    int // per-frame body cap, 0 = unlimited
	Security   string
	KeysDir    string // TLS credentials directory (Security == TLS)
	Policy     router.Policy

	AcceptRate  float64 // accepted connections per second, 0 = unlimited
	MetricsAddr string  // Prometheus scrape address, "" = disabled

	Logger *slog.Logger
}

// Server owns the listener, the router and all live connections.
type Server struct {
	cfg      Config
	log      *slog.Logger
	router   *router.Router
	metrics  *Metrics
	limiter  *rate.Limiter
	ln       net.Listener
	writeCfg wire.Config // relay-origin frames: no password field
	readCfg  wire.Config // peer-origin frames: password checked

	mu     sync.Mutex
	wg     sync.WaitGroup
	conns  map[*conn]struct{}
	closed bool
}

// New validates cfg, binds the listener and returns a server ready to Run.
func New(cfg Config) (*Server, error) {
	if cfg.Password == "" {
		return nil, ErrNoPassword
	}
	switch cfg.Security {
	case "", SecurityTLS:
		cfg.Security = SecurityTLS
	case SecurityTCP:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadSecurity, cfg.Security)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var ln net.Listener
	var err error
	if cfg.Security == SecurityTLS {
		tlsCfg, terr := creds.ServerTLS(cfg.KeysDir)
		if terr != nil {
			return nil, terr
		}
		ln, err = tlsListen(cfg.Addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		router:   router.New(cfg.Policy, cfg.Logger),
		metrics:  NewMetrics(),
		ln:       ln,
		writeCfg: wire.Config{HeaderSize: cfg.HeaderSize, MaxBody: cfg.MaxBody},
		readCfg:  wire.Config{HeaderSize: cfg.HeaderSize, Password: cfg.Password, MaxBody: cfg.MaxBody},
		conns:    make(map[*conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), 1)
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Router exposes the routing state, for status reports and tests.
func (s *Server) Router() *router.Router { return s.router }

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Run serves connections until ctx is cancelled. A single misbehaving peer
// never brings Run down: per-connection failures kill that connection only.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			err := metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	g.Go(func() error {
		for {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			nc, err := s.ln.Accept()
			if err != nil {
				if ctx.Err() != nil || s.isClosed() {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			c := newConn(s, nc)
			s.track(c)
			go c.serve()
		}
	})

	err := g.Wait()
	s.wg.Wait() // all connection goroutines are gone before Run returns
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shutdown closes the listener and drops every live connection.
func (s *Server) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.abort()
	}
	s.log.Info("relay stopped")
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	closed := s.closed
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	// Accepted in the window before shutdown snapshotted the live set:
	// abort now so serve winds the connection down instead of lingering.
	if closed {
		c.abort()
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func tlsListen(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, cfg), nil
}
