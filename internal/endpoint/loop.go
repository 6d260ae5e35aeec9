// Package endpoint implements the endpoint-side network loop: a persistent,
// reconnecting client connection to the relay. User commands flow outward,
// delivered payloads flow inward, and commands issued while disconnected are
// buffered and replayed after the pending-ack ledger on reconnect.
package endpoint

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/internal/wire"
)

// Security modes, mirroring the relay side.
const (
	SecurityTLS = "TLS"
	SecurityTCP = "TCP"
)

// Reconnection defaults, applied when the corresponding Config field is zero.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultFactor       = 2.0
	DefaultJitter       = 0.12

	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second

	// Graceful close grants in-flight deliveries a bounded window to be
	// acknowledged: one poll per interval, then close unconditionally.
	maxCloseAttempts   = 10
	closeRetryInterval = time.Second

	inboxLen = 4096
	cmdsLen  = 256
)

// Config describes the endpoint's relay connection.
type Config struct {
	Addr       string // relay host:port
	Password   string
	Groups     []string
	HeaderSize int
	MaxBody    int
	ReadBuf    int // socket read buffer, 0 = default

	Security string // TLS (default) or TCP
	KeysDir  string // directory holding the pinned relay certificate
	Hostname string // expected relay certificate hostname

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64

	Logger *slog.Logger
}

type command struct {
	cmd     string
	dest    map[string]int
	payload []byte
}

// Loop is the running network process. All socket I/O happens on its own
// goroutine; the embedder talks to it through Send/Notify/Inbox/Stop.
type Loop struct {
	cfg    Config
	log    *slog.Logger
	ledger *wire.Ledger
	rcfg   wire.Config // relay-origin frames carry no password
	wcfg   wire.Config // peer-origin frames carry the password
	tlsCfg *tls.Config

	cmds  chan command
	inbox chan []byte
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	// Owned by the run goroutine.
	store         []command
	closing       bool
	closeAttempts int
}

// Start validates cfg and launches the network loop. The loop immediately
// begins dialing the relay and keeps reconnecting until Stop.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Start launches the loop.
func Start(cfg Config) (*Loop, error) {
	cfg = cfg.withDefaults()
	if cfg.Password == "" {
		return nil, ErrNoPassword
	}
	switch cfg.Security {
	case SecurityTLS, SecurityTCP:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadSecurity, cfg.Security)
	}

	l := &Loop{
		cfg:    cfg,
		log:    cfg.Logger,
		ledger: wire.NewLedger(),
		rcfg:   wire.Config{HeaderSize: cfg.HeaderSize, MaxBody: cfg.MaxBody},
		wcfg:   wire.Config{HeaderSize: cfg.HeaderSize, Password: cfg.Password, MaxBody: cfg.MaxBody},
		cmds:   make(chan command, cmdsLen),
		inbox:  make(chan []byte, inboxLen),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.Security == SecurityTLS {
		tlsCfg, err := creds.ClientTLS(cfg.KeysDir, cfg.Hostname)
		if err != nil {
			return nil, err
		}
		l.tlsCfg = tlsCfg
	}
	go l.run()
	return l, nil
}

// Send queues an OBJ command for the relay. While disconnected the command
// lands in the offline store and is replayed after reconnection.
func (l *Loop) Send(dest map[string]int, payload []byte) error {
	return l.submit(command{cmd: wire.CmdObj, dest: dest, payload: payload})
}

// Notify queues an NTF command for the relay.
func (l *Loop) Notify(groups map[string]int) error {
	return l.submit(command{cmd: wire.CmdNtf, dest: groups})
}

// Ping queues a TEST health command. The loop accepts and discards it; its
// only purpose is to verify the command path end to end.
func (l *Loop) Ping() error {
	return l.submit(command{cmd: wire.CmdTest})
}

func (l *Loop) submit(c command) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.cmds <- c:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Inbox delivers payloads received from the relay, in arrival order. The
// channel closes when the loop exits.
func (l *Loop) Inbox() <-chan []byte { return l.inbox }

// PendingAcks reports how many sent frames still await acknowledgement.
func (l *Loop) PendingAcks() int { return l.ledger.Pending() }

// Stop requests a graceful shutdown and blocks until the loop has exited.
// The loop keeps running (reconnecting if necessary) for up to
// maxCloseAttempts polls of the pending-ack ledger before closing
// unconditionally; delivery degrades to at-least-once either way.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	defer close(l.inbox)

	delay := l.cfg.InitialDelay
	for {
		nc := l.connect(&delay)
		if nc == nil {
			l.log.Info("network loop stopped", "pending_acks", l.ledger.Pending())
			return
		}
		delay = l.cfg.InitialDelay
		if !l.session(nc) {
			l.log.Info("network loop stopped", "pending_acks", l.ledger.Pending())
			return
		}
	}
}

// connect dials the relay with exponential backoff and jitter, draining user
// commands into the offline store while disconnected. Returns nil when the
// loop should exit instead of reconnecting.
func (l *Loop) connect(delay *time.Duration) net.Conn {
	stopCh := l.stop
	for {
		if l.closeBudgetSpent() {
			return nil
		}
		nc, err := l.dial()
		if err == nil {
			l.log.Info("connected to relay", "addr", l.cfg.Addr)
			return nc
		}
		l.log.Info("relay unreachable, retrying", "addr", l.cfg.Addr, "delay", *delay, "error", err)

		wait := *delay
		if l.closing {
			// Closing: fixed ~1s cadence so the attempt budget stays bounded.
			wait = closeRetryInterval
			l.closeAttempts++
		}
		timer := time.NewTimer(l.jittered(wait))
		for {
			select {
			case <-timer.C:
				if !l.closing {
					*delay = min(time.Duration(float64(*delay)*l.cfg.Factor), l.cfg.MaxDelay)
				}
			case cmd := <-l.cmds:
				if cmd.cmd == wire.CmdTest {
					continue
				}
				l.store = append(l.store, cmd)
				continue
			case <-stopCh:
				stopCh = nil
				l.closing = true
				if l.ledger.Pending() == 0 {
					timer.Stop()
					return nil
				}
				// Abandon the remaining backoff: closing retries on the
				// short fixed cadence.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(closeRetryInterval)
				continue
			}
			break
		}
	}
}

func (l *Loop) dial() (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if l.tlsCfg != nil {
		return tls.DialWithDialer(&d, "tcp", l.cfg.Addr, l.tlsCfg)
	}
	return d.Dial("tcp", l.cfg.Addr)
}

// session runs one connected episode. Returns true to reconnect, false to
// exit the loop.
func (l *Loop) session(nc net.Conn) bool {
	defer nc.Close()

	envCh := make(chan wire.Envelope)
	errCh := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		r := wire.NewReader(nc, l.rcfg, l.cfg.ReadBuf)
		for {
			env, err := r.Next()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case envCh <- env:
			case <-quit:
				return
			}
		}
	}()

	alive := false
	stopCh := l.stop
	var closeTick *time.Ticker
	var closeC <-chan time.Time
	if l.closing {
		stopCh = nil // stop already observed
		closeTick = time.NewTicker(closeRetryInterval)
		closeC = closeTick.C
	}
	defer func() {
		if closeTick != nil {
			closeTick.Stop()
		}
	}()

	for {
		select {
		case env := <-envCh:
			if env.Cmd == wire.CmdAck {
				if _, ok := l.ledger.Ack(env.Stamp); !ok {
					l.log.Warn("ack for unknown stamp", "stamp", env.Stamp)
				}
				if l.closing && l.ledger.Pending() == 0 {
					return false
				}
				continue
			}
			l.writeAck(nc, env.Stamp)
			switch env.Cmd {
			case wire.CmdHello:
				if alive {
					l.log.Warn("unexpected HELLO while alive, ignoring")
					continue
				}
				l.completeHandshake(nc)
				alive = true
			case wire.CmdObj:
				if !alive {
					l.log.Warn("object received before handshake completion, dropping")
					continue
				}
				l.deliver(env.Payload)
			default:
				l.log.Warn("unexpected command from relay, dropping", "command", env.Cmd)
			}

		case err := <-errCh:
			l.log.Info("relay connection lost", "error", err)
			return true

		case cmd := <-l.cmds:
			if cmd.cmd == wire.CmdTest {
				continue
			}
			if alive {
				l.transmit(nc, cmd)
			} else {
				l.store = append(l.store, cmd)
			}

		case <-stopCh:
			stopCh = nil
			l.closing = true
			if l.ledger.Pending() == 0 {
				return false
			}
			closeTick = time.NewTicker(closeRetryInterval)
			closeC = closeTick.C

		case <-closeC:
			l.closeAttempts++
			if l.closeBudgetSpent() {
				return false
			}
		}
	}
}

// deliver hands a received payload to the embedder. A full inbox applies
// backpressure on the session, but never past a stop request: once Stop has
// been called a delivery that cannot be buffered is dropped so shutdown can
// proceed.
func (l *Loop) deliver(payload []byte) {
	select {
	case l.inbox <- payload:
		return
	default:
	}
	select {
	case l.inbox <- payload:
	case <-l.stop:
		l.log.Warn("inbox full during shutdown, dropping delivery")
	}
}

// completeHandshake replies to the relay's HELLO: the group declaration goes
// out first, then the pending-ack ledger is replayed in stamp order, then the
// offline store is flushed.
func (l *Loop) completeHandshake(nc net.Conn) {
	replay := l.ledger.Replay()

	payload, err := wire.EncodeGroups(l.cfg.Groups)
	if err != nil {
		l.log.Error("encode groups", "error", err)
		return
	}
	l.transmit(nc, command{cmd: wire.CmdHello, payload: payload})

	for _, raw := range replay {
		l.write(nc, raw)
	}
	if n := len(replay); n > 0 {
		l.log.Info("replayed unacknowledged frames", "count", n)
	}

	store := l.store
	l.store = nil
	for _, cmd := range store {
		l.transmit(nc, cmd)
	}
	if n := len(store); n > 0 {
		l.log.Info("flushed offline store", "count", n)
	}
}

// transmit frames cmd with a fresh stamp, tracks it for acknowledgement and
// writes it. A write failure is not fatal: the frame stays in the ledger and
// is replayed on the next connection.
func (l *Loop) transmit(nc net.Conn, c command) {
	stamp := l.ledger.NextStamp()
	raw, err := l.wcfg.Encode(wire.Envelope{Stamp: stamp, Cmd: c.cmd, Dest: c.dest, Payload: c.payload})
	if err != nil {
		l.log.Error("frame encode failed", "command", c.cmd, "error", err)
		return
	}
	l.ledger.Track(stamp, raw)
	l.write(nc, raw)
}

func (l *Loop) writeAck(nc net.Conn, stamp uint64) {
	raw, err := l.wcfg.Encode(wire.Envelope{Stamp: stamp, Cmd: wire.CmdAck})
	if err != nil {
		l.log.Error("frame encode failed", "command", wire.CmdAck, "error", err)
		return
	}
	l.write(nc, raw)
}

func (l *Loop) write(nc net.Conn, raw []byte) {
	nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := nc.Write(raw); err != nil {
		l.log.Info("write failed", "error", err)
		nc.Close() // the read side notices and triggers reconnection
	}
}

func (l *Loop) closeBudgetSpent() bool {
	return l.closing && (l.ledger.Pending() == 0 || l.closeAttempts >= maxCloseAttempts)
}

func (l *Loop) jittered(d time.Duration) time.Duration {
	if l.cfg.Jitter <= 0 {
		return d
	}
	f := 1 + l.cfg.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
