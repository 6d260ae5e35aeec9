package endpoint

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wirebus/wirebus/internal/relay"
	"github.com/wirebus/wirebus/internal/router"
	"github.com/wirebus/wirebus/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPassword = "loop-test-password"

func startRelay(t *testing.T) string {
	t.Helper()
	s, err := relay.New(relay.Config{
		Addr:     "127.0.0.1:0",
		Password: testPassword,
		Security: relay.SecurityTCP,
		Policy:   router.OpenPolicy(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("relay run: %v", err)
		}
	})
	return s.Addr().String()
}

func startLoop(t *testing.T, addr string, groups ...string) *Loop {
	t.Helper()
	l, err := Start(Config{
		Addr:         addr,
		Password:     testPassword,
		Groups:       groups,
		Security:     SecurityTCP,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

func recvPayload(t *testing.T, l *Loop) []byte {
	t.Helper()
	select {
	case p, ok := <-l.Inbox():
		if !ok {
			t.Fatal("inbox closed")
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
	return nil
}

func TestBroadcastBetweenLoops(t *testing.T) {
	addr := startRelay(t)
	a := startLoop(t, addr, "g1")
	b := startLoop(t, addr, "g1")

	if err := a.Send(map[string]int{"g1": -1}, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if got := recvPayload(t, b); !bytes.Equal(got, []byte("x")) {
		t.Errorf("b received %q, want x", got)
	}
	if got := recvPayload(t, a); !bytes.Equal(got, []byte("x")) {
		t.Errorf("a is a member too and should receive %q, got %q", "x", got)
	}
}

func TestProduceNotifyBetweenLoops(t *testing.T) {
	addr := startRelay(t)
	producer := startLoop(t, addr, "work")
	consumer := startLoop(t, addr, "work")

	for _, p := range []string{"p0", "p1", "p2"} {
		if err := producer.Send(map[string]int{"work": 1}, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := consumer.Notify(map[string]int{"work": 3}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"p0", "p1", "p2"} {
		if got := recvPayload(t, consumer); !bytes.Equal(got, []byte(want)) {
			t.Errorf("received %q, want %q", got, want)
		}
	}
}

func TestPingIsDiscarded(t *testing.T) {
	addr := startRelay(t)
	l := startLoop(t, addr, "g1")
	if err := l.Ping(); err != nil {
		t.Fatal(err)
	}
	// Nothing observable should happen; the loop must stay healthy.
	if err := l.Send(map[string]int{"g1": -1}, []byte("after-ping")); err != nil {
		t.Fatal(err)
	}
	if got := recvPayload(t, l); !bytes.Equal(got, []byte("after-ping")) {
		t.Errorf("received %q", got)
	}
}

func TestOfflineStoreFlushedOnConnect(t *testing.T) {
	// Reserve a port, keep it closed while the loop queues commands.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := probe.Addr().String()
	probe.Close()

	produced := startLoop(t, addr, "g1")
	if err := produced.Send(map[string]int{"g1": 1}, []byte("queued-offline")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond) // let the loop fail a dial and store the command

	s, err := relay.New(relay.Config{
		Addr:     addr,
		Password: testPassword,
		Security: relay.SecurityTCP,
		Policy:   router.OpenPolicy(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	consumer := startLoop(t, addr, "g1")
	if err := consumer.Notify(map[string]int{"g1": 1}); err != nil {
		t.Fatal(err)
	}
	if got := recvPayload(t, consumer); !bytes.Equal(got, []byte("queued-offline")) {
		t.Errorf("received %q, want the offline-stored payload", got)
	}
}

func TestStopWithNothingPendingReturnsPromptly(t *testing.T) {
	addr := startRelay(t)
	l := startLoop(t, addr, "g1")

	start := time.Now()
	l.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop took %v with nothing pending", elapsed)
	}
	if err := l.Send(map[string]int{"g1": 1}, []byte("late")); err != ErrStopped {
		t.Errorf("send after stop returned %v, want ErrStopped", err)
	}
}

// silentRelay completes handshakes but withholds OBJ acknowledgements for
// its first session, then closes the connection. The second session acks
// everything and records the replayed frames.
func TestReconnectReplaysUnacknowledgedFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize, Password: testPassword}
	wcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize}

	type seen struct {
		stamp   uint64
		payload []byte
	}
	replayed := make(chan seen, 16)
	firstStamp := make(chan uint64, 1)

	serveSession := func(nc net.Conn, ackObjs bool) {
		defer nc.Close()
		raw, _ := wcfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdHello})
		nc.Write(raw)
		r := wire.NewReader(nc, rcfg, 0)
		for {
			env, err := r.Next()
			if err != nil {
				return
			}
			switch env.Cmd {
			case wire.CmdAck:
				continue
			case wire.CmdHello:
				ack, _ := wcfg.Encode(wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdAck})
				nc.Write(ack)
			case wire.CmdObj:
				if !ackObjs {
					// Withhold the ack and drop the connection.
					select {
					case firstStamp <- env.Stamp:
					default:
					}
					return
				}
				ack, _ := wcfg.Encode(wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdAck})
				nc.Write(ack)
				replayed <- seen{stamp: env.Stamp, payload: env.Payload}
			}
		}
	}

	go func() {
		first, err := ln.Accept()
		if err != nil {
			return
		}
		serveSession(first, false)
		second, err := ln.Accept()
		if err != nil {
			return
		}
		serveSession(second, true)
	}()

	l := startLoop(t, ln.Addr().String(), "g1")
	if err := l.Send(map[string]int{"g1": 1}, []byte("must-replay")); err != nil {
		t.Fatal(err)
	}

	var orig uint64
	select {
	case orig = <-firstStamp:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never saw the OBJ")
	}

	select {
	case got := <-replayed:
		if !bytes.Equal(got.payload, []byte("must-replay")) {
			t.Errorf("replayed payload = %q", got.payload)
		}
		if got.stamp != orig {
			t.Errorf("replayed frame has stamp %d, want the original %d", got.stamp, orig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame was never replayed after reconnect")
	}

	// Once the replay is acked, nothing is pending and Stop is prompt.
	waitFor(t, func() bool { return l.PendingAcks() == 0 })
}

// A HELLO whose ack is lost with the connection must be replayed and
// settled on the next session, leaving the link healthy and nothing pending.
func TestStaleHelloReplayIsSettledOnReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize, Password: testPassword}
	wcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize}

	helloStamps := make(chan uint64, 4)
	objSeen := make(chan []byte, 1)

	go func() {
		// Session one: greet, observe the peer's HELLO, withhold its ack.
		first, err := ln.Accept()
		if err != nil {
			return
		}
		raw, _ := wcfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdHello})
		first.Write(raw)
		r := wire.NewReader(first, rcfg, 0)
		for {
			env, err := r.Next()
			if err != nil {
				break
			}
			if env.Cmd == wire.CmdHello {
				helloStamps <- env.Stamp
				break
			}
		}
		first.Close()

		// Session two: ack everything and record what arrives.
		second, err := ln.Accept()
		if err != nil {
			return
		}
		defer second.Close()
		raw, _ = wcfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdHello})
		second.Write(raw)
		r = wire.NewReader(second, rcfg, 0)
		for {
			env, err := r.Next()
			if err != nil {
				return
			}
			if env.Cmd == wire.CmdAck {
				continue
			}
			ack, _ := wcfg.Encode(wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdAck})
			second.Write(ack)
			switch env.Cmd {
			case wire.CmdHello:
				helloStamps <- env.Stamp
			case wire.CmdObj:
				select {
				case objSeen <- env.Payload:
				default:
				}
			}
		}
	}()

	l := startLoop(t, ln.Addr().String(), "g1")

	recvStamp := func() uint64 {
		t.Helper()
		select {
		case s := <-helloStamps:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a HELLO")
			return 0
		}
	}

	stale := recvStamp()
	fresh := recvStamp()
	replayed := recvStamp()
	if fresh == stale {
		t.Errorf("second session's fresh HELLO reused stamp %d", fresh)
	}
	if replayed != stale {
		t.Errorf("replayed HELLO has stamp %d, want the stale %d", replayed, stale)
	}

	// The link works afterwards and the ledger drains completely.
	if err := l.Send(map[string]int{"g1": 1}, []byte("after")); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-objSeen:
		if !bytes.Equal(p, []byte("after")) {
			t.Errorf("received %q, want after", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("object never arrived after the stale HELLO was settled")
	}
	waitFor(t, func() bool { return l.PendingAcks() == 0 })
}

// Stop must not hang behind a full inbox that nobody drains.
func TestStopProceedsWithFullInbox(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize, Password: testPassword}
	wcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize}

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		raw, _ := wcfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdHello})
		nc.Write(raw)

		// Reads and writes stay on this goroutine so frames never interleave.
		helloStamp := make(chan uint64, 1)
		go func() {
			r := wire.NewReader(nc, rcfg, 0)
			for {
				env, err := r.Next()
				if err != nil {
					return
				}
				if env.Cmd == wire.CmdHello {
					select {
					case helloStamp <- env.Stamp:
					default:
					}
				}
			}
		}()
		select {
		case s := <-helloStamp:
			ack, _ := wcfg.Encode(wire.Envelope{Stamp: s, Cmd: wire.CmdAck})
			nc.Write(ack)
		case <-time.After(5 * time.Second):
			return
		}
		for i := 0; i < inboxLen+50; i++ {
			raw, _ := wcfg.Encode(wire.Envelope{Stamp: uint64(i + 2), Cmd: wire.CmdObj, Payload: []byte("p")})
			if _, err := nc.Write(raw); err != nil {
				return
			}
		}
	}()

	l := startLoop(t, ln.Addr().String(), "g1")
	// The HELLO ack leaves nothing pending; the flood then fills the inbox.
	waitFor(t, func() bool { return l.PendingAcks() == 0 && len(l.Inbox()) == inboxLen })

	start := time.Now()
	l.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop took %v with a full inbox and nothing pending", elapsed)
	}
}

// A stop arriving mid-backoff must switch to the short close cadence instead
// of sleeping out the remaining exponential delay.
func TestStopDuringLongBackoffUsesCloseCadence(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	rcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize, Password: testPassword}
	wcfg := wire.Config{HeaderSize: wire.DefaultHeaderSize}

	connClosed := make(chan struct{})
	go func() {
		defer close(connClosed)
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		raw, _ := wcfg.Encode(wire.Envelope{Stamp: 1, Cmd: wire.CmdHello})
		nc.Write(raw)
		r := wire.NewReader(nc, rcfg, 0)
		for {
			env, err := r.Next()
			if err != nil {
				break
			}
			if env.Cmd == wire.CmdHello {
				ack, _ := wcfg.Encode(wire.Envelope{Stamp: env.Stamp, Cmd: wire.CmdAck})
				nc.Write(ack)
			}
			if env.Cmd == wire.CmdObj {
				break // withhold the ack, leave the frame pending
			}
		}
		nc.Close()
		ln.Close() // no reconnect target either
	}()

	l, err := Start(Config{
		Addr:         ln.Addr().String(),
		Password:     testPassword,
		Groups:       []string{"g1"},
		Security:     SecurityTCP,
		InitialDelay: 30 * time.Second,
		MaxDelay:     60 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	if err := l.Send(map[string]int{"g1": 1}, []byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-connClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("fake relay never dropped the link")
	}
	time.Sleep(300 * time.Millisecond) // let the loop fail a dial and arm the long backoff

	start := time.Now()
	l.Stop()
	elapsed := time.Since(start)
	if l.PendingAcks() != 1 {
		t.Errorf("pending acks = %d, want the withheld frame", l.PendingAcks())
	}
	if elapsed > 20*time.Second {
		t.Errorf("stop took %v; the close cadence should bound it near 10s", elapsed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
