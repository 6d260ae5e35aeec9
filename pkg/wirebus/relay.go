package wirebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wirebus/wirebus/internal/control"
	"github.com/wirebus/wirebus/internal/relay"
	"github.com/wirebus/wirebus/internal/router"
	"github.com/wirebus/wirebus/internal/wire"
)

// GroupPolicy restricts one accepted group. Zero fields mean unlimited.
type GroupPolicy struct {
	MaxCount       int // maximum simultaneous members
	MaxConsumables int // consumable queue capacity, oldest dropped beyond it
}

// RelayConfig describes a relay.
type RelayConfig struct {
	Addr     string // listen address, e.g. ":2098"
	Password string

	// AcceptedGroups restricts which groups may exist. Nil accepts any
	// group with no limits.
	AcceptedGroups map[string]GroupPolicy

	HeaderSize int
	MaxBody    int
	Security   string // TLS (default) or TCP
	KeysDir    string

	// ControlPort enables the loopback control plane when positive; the
	// cookie for it is generated per process and exposed via Cookie.
	ControlPort int

	MetricsAddr string
	AcceptRate  float64

	Logger *slog.Logger
}

// Relay runs a relay server in the background, with an optional loopback
// control plane for stop and status commands.
type Relay struct {
	srv    *relay.Server
	ctrl   *control.Server
	cookie string
	cancel context.CancelFunc
	wait   func() error
}

// NewRelay binds the listener and starts serving. Use Stop (or a control
// STOP) to shut it down; Wait blocks until it has.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := router.OpenPolicy()
	if cfg.AcceptedGroups != nil {
		policy = router.Policy{Groups: make(map[string]router.GroupLimits, len(cfg.AcceptedGroups))}
		for name, p := range cfg.AcceptedGroups {
			policy.Groups[name] = router.GroupLimits{
				MaxCount:       p.MaxCount,
				MaxConsumables: p.MaxConsumables,
			}
		}
	}

	srv, err := relay.New(relay.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		HeaderSize:  cfg.HeaderSize,
		MaxBody:     cfg.MaxBody,
		Security:    cfg.Security,
		KeysDir:     cfg.KeysDir,
		Policy:      policy,
		AcceptRate:  cfg.AcceptRate,
		MetricsAddr: cfg.MetricsAddr,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{srv: srv, cancel: cancel}

	if cfg.ControlPort > 0 {
		headerSize := cfg.HeaderSize
		if headerSize <= 0 {
			headerSize = wire.DefaultHeaderSize
		}
		r.cookie = control.NewCookie()
		ctrl, err := control.NewServer(cfg.ControlPort, headerSize, r.cookie, control.Handler{
			OnStop: cancel,
			Status: r.statusJSON,
		}, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		r.ctrl = ctrl
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if r.ctrl != nil {
		g.Go(func() error { return r.ctrl.Run(ctx) })
	}
	r.wait = sync.OnceValue(g.Wait)
	return r, nil
}

// Addr returns the relay's bound listen address.
func (r *Relay) Addr() net.Addr { return r.srv.Addr() }

// ControlAddr returns the control plane's bound address, or nil when the
// control plane is disabled.
func (r *Relay) ControlAddr() net.Addr {
	if r.ctrl == nil {
		return nil
	}
	return r.ctrl.Addr()
}

// Cookie returns the control-plane auth cookie, or "" when the control
// plane is disabled.
func (r *Relay) Cookie() string { return r.cookie }

// Stop shuts the relay down and blocks until every connection is gone.
func (r *Relay) Stop() error {
	r.cancel()
	return r.wait()
}

// Wait blocks until the relay has stopped, by Stop or over the control
// plane, and returns its exit error.
func (r *Relay) Wait() error { return r.wait() }

// Status is the control-plane status report.
type Status struct {
	Clients int                    `json:"clients"`
	Groups  map[string]GroupStatus `json:"groups"`
}

// GroupStatus describes one group in a Status report.
type GroupStatus struct {
	Members      int  `json:"members"`
	QueueLen     int  `json:"queue_len"`
	HasBroadcast bool `json:"has_broadcast"`
}

func (r *Relay) statusJSON() []byte {
	rt := r.srv.Router()
	st := Status{Clients: rt.Clients(), Groups: make(map[string]GroupStatus)}
	for _, name := range rt.Groups() {
		snap, ok := rt.GroupSnapshot(name)
		if !ok {
			continue
		}
		st.Groups[name] = GroupStatus{
			Members:      len(snap.Members),
			QueueLen:     snap.QueueLen,
			HasBroadcast: snap.HasBroadcast,
		}
	}
	body, err := json.Marshal(st)
	if err != nil {
		return []byte("{}")
	}
	return body
}
