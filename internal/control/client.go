package control

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wirebus/wirebus/internal/wire"
)

// Stop asks the process listening at addr to shut down. The cookie must
// match the one the server was started with.
func Stop(ctx context.Context, addr, cookie string, headerSize int) error {
	env, err := roundTrip(ctx, addr, headerSize, wire.Envelope{
		Stamp:   1,
		Cmd:     wire.CmdStop,
		Payload: []byte(cookie),
	})
	if err != nil {
		return err
	}
	if env.Cmd != wire.CmdAck {
		return fmt.Errorf("%w: got %q", ErrBadReply, env.Cmd)
	}
	return nil
}

// Status fetches the status payload from the process listening at addr.
func Status(ctx context.Context, addr, cookie string, headerSize int) ([]byte, error) {
	env, err := roundTrip(ctx, addr, headerSize, wire.Envelope{
		Stamp:   1,
		Cmd:     wire.CmdStatus,
		Payload: []byte(cookie),
	})
	if err != nil {
		return nil, err
	}
	if env.Cmd != wire.CmdStatus {
		return nil, fmt.Errorf("%w: got %q", ErrBadReply, env.Cmd)
	}
	return env.Payload, nil
}

// Ping sends a TEST frame and returns once it has been written. No reply
// is expected.
func Ping(ctx context.Context, addr string, headerSize int) error {
	cfg := wire.Config{HeaderSize: headerSize}
	conn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	raw, err := cfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdTest})
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

func roundTrip(ctx context.Context, addr string, headerSize int, env wire.Envelope) (wire.Envelope, error) {
	cfg := wire.Config{HeaderSize: headerSize}
	conn, err := dial(ctx, addr)
	if err != nil {
		return wire.Envelope{}, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(connTimeout))
	}
	raw, err := cfg.Encode(env)
	if err != nil {
		return wire.Envelope{}, err
	}
	if _, err := conn.Write(raw); err != nil {
		return wire.Envelope{}, fmt.Errorf("write control frame: %w", err)
	}
	return wire.NewReader(conn, cfg, 0).Next()
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control port: %w", err)
	}
	return conn, nil
}
