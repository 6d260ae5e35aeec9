package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/wire"
)

// Connection states. KILLED is relay-only and terminal: entered on bad
// password, malformed frames, invalid commands in ALIVE, or anything escaping
// the read loop.
const (
	stateHandshake = "HANDSHAKE"
	stateAlive     = "ALIVE"
	stateDead      = "DEAD"
	stateKilled    = "KILLED"
)

const (
	outboundQueueLen = 1024
	writeTimeout     = 30 * time.Second
)

// conn is one peer connection. The read loop owns the state field; the write
// loop only ever drains the outbound queue.
type conn struct {
	srv    *Server
	nc     net.Conn
	log    *slog.Logger
	ledger *wire.Ledger

	out   chan []byte
	done  chan struct{}
	wdone chan struct{}
	once  sync.Once

	state    string
	id       uint64
	admitted bool
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		srv:    s,
		nc:     nc,
		log:    s.log.With("remote", nc.RemoteAddr().String()),
		ledger: wire.NewLedger(),
		out:    make(chan []byte, outboundQueueLen),
		done:   make(chan struct{}),
		wdone:  make(chan struct{}),
		state:  stateHandshake,
	}
}

// abort closes the transport; the read loop then winds the connection down.
func (c *conn) abort() {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

// Deliver implements router.Sink: frame the payload as a stamped OBJ, track
// it for acknowledgement and enqueue it. Called with the router lock held,
// so it must not block; a full queue drops the connection instead.
func (c *conn) Deliver(payload []byte) {
	stamp := c.ledger.NextStamp()
	raw, err := c.srv.writeCfg.Encode(wire.Envelope{Stamp: stamp, Cmd: wire.CmdObj, Payload: payload})
	if err != nil {
		c.log.Error("frame encode failed", "error", err)
		return
	}
	c.ledger.Track(stamp, raw)
	c.enqueue(raw, wire.CmdObj)
}

func (c *conn) enqueue(raw []byte, cmd string) {
	select {
	case c.out <- raw:
		c.srv.metrics.FramesTotal.WithLabelValues("out", cmd).Inc()
	case <-c.done:
	default:
		c.log.Warn("outbound queue overflow, dropping connection")
		c.abort()
	}
}

func (c *conn) sendHello() {
	stamp := c.ledger.NextStamp()
	raw, err := c.srv.writeCfg.Encode(wire.Envelope{Stamp: stamp, Cmd: wire.CmdHello})
	if err != nil {
		c.log.Error("frame encode failed", "error", err)
		return
	}
	c.ledger.Track(stamp, raw)
	c.enqueue(raw, wire.CmdHello)
}

func (c *conn) sendAck(stamp uint64) {
	raw, err := c.srv.writeCfg.Encode(wire.Envelope{Stamp: stamp, Cmd: wire.CmdAck})
	if err != nil {
		c.log.Error("frame encode failed", "error", err)
		return
	}
	c.enqueue(raw, wire.CmdAck)
}

// serve runs the connection to completion. The deferred recover is the
// catch-all demanded by the error design: a panicking handler kills this
// connection, never the relay.
func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.state = stateKilled
			c.srv.metrics.KilledTotal.Inc()
			c.log.Error("connection handler panicked", "panic", r)
		}
		c.teardown()
	}()

	go c.writeLoop()

	c.sendHello()
	r := wire.NewReader(c.nc, c.srv.readCfg, 0)
	for {
		env, err := r.Next()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.srv.metrics.FramesTotal.WithLabelValues("in", env.Cmd).Inc()
		if !c.handle(env) {
			return
		}
	}
}

// handle processes one inbound envelope; false means the connection is done.
func (c *conn) handle(env wire.Envelope) bool {
	if env.Cmd == wire.CmdAck {
		if rtt, ok := c.ledger.Ack(env.Stamp); ok {
			c.log.Debug("ack received", "stamp", env.Stamp, "rtt", rtt)
		} else {
			c.log.Warn("ack for unknown stamp", "stamp", env.Stamp)
		}
		return true
	}

	// Everything except ACK is acknowledged before it is processed.
	c.sendAck(env.Stamp)

	if c.state == stateHandshake {
		if env.Cmd != wire.CmdHello {
			c.log.Warn("command before handshake completion, dropping", "command", env.Cmd)
			return false
		}
		return c.completeHandshake(env)
	}

	switch env.Cmd {
	case wire.CmdHello:
		// A peer that lost our ACK for its handshake replays the HELLO
		// on reconnect, after the fresh one. The ACK above settles it;
		// membership is already established.
		c.log.Debug("duplicate HELLO while alive, ignoring", "id", c.id)
	case wire.CmdObj:
		c.log.Debug("object received", "id", c.id, "groups", len(env.Dest))
		for _, n := range env.Dest {
			if n < 0 {
				c.srv.metrics.BroadcastsTotal.Inc()
			} else if n > 0 {
				c.srv.metrics.ConsumablesTotal.Add(float64(n))
			}
		}
		c.srv.router.Send(c.id, env.Dest, env.Payload)
	case wire.CmdNtf:
		c.log.Debug("notify received", "id", c.id, "groups", len(env.Dest))
		c.srv.metrics.NotifiesTotal.Inc()
		c.srv.router.Notify(c.id, env.Dest)
	default:
		c.state = stateKilled
		c.srv.metrics.KilledTotal.Inc()
		c.log.Warn("invalid command, killing connection", "command", env.Cmd)
		return false
	}
	return true
}

func (c *conn) completeHandshake(env wire.Envelope) bool {
	groups, err := wire.DecodeGroups(env.Payload)
	if err != nil {
		c.state = stateKilled
		c.srv.metrics.KilledTotal.Inc()
		c.log.Warn("malformed HELLO payload", "error", err)
		return false
	}
	id, err := c.srv.router.Admit(groups, c)
	if err != nil {
		c.srv.metrics.RejectedTotal.Inc()
		c.log.Info("handshake rejected", "groups", groups, "reason", err)
		return false
	}
	c.id = id
	c.admitted = true
	c.state = stateAlive
	c.srv.metrics.ConnectedEndpoints.Inc()
	return true
}

// readFailed classifies a read-loop error into DEAD (transport gone) or
// KILLED (protocol violation).
func (c *conn) readFailed(err error) {
	switch {
	case errors.Is(err, wire.ErrBadPassword):
		c.state = stateKilled
		c.srv.metrics.AuthFailuresTotal.Inc()
		c.srv.metrics.KilledTotal.Inc()
		c.log.Warn("invalid password, killing connection")
	case errors.Is(err, wire.ErrBadHeader), errors.Is(err, wire.ErrBadEnvelope), errors.Is(err, wire.ErrBodyTooLarge):
		c.state = stateKilled
		c.srv.metrics.KilledTotal.Inc()
		c.log.Warn("malformed frame, killing connection", "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.state = stateDead
		c.log.Info("connection closed", "id", c.id)
	default:
		c.state = stateDead
		c.log.Info("connection lost", "id", c.id, "error", err)
	}
}

func (c *conn) teardown() {
	c.abort()
	<-c.wdone
	if c.admitted {
		c.srv.router.Drop(c.id)
		c.srv.metrics.ConnectedEndpoints.Dec()
	}
	c.srv.untrack(c)
	c.srv.wg.Done()
}

func (c *conn) writeLoop() {
	defer close(c.wdone)
	for {
		select {
		case raw := <-c.out:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(raw); err != nil {
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}
