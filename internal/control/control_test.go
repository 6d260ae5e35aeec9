package control

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wirebus/wirebus/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	cookie := NewCookie()
	s, err := NewServer(0, wire.DefaultHeaderSize, cookie, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("control run: %v", err)
		}
	})
	return s, cookie
}

func TestStopInvokesHandler(t *testing.T) {
	stopped := make(chan struct{})
	s, cookie := startServer(t, Handler{
		OnStop: func() { close(stopped) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Stop(ctx, s.Addr().String(), cookie, wire.DefaultHeaderSize); err != nil {
		t.Fatal(err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStop never fired")
	}
}

func TestStopWithWrongCookieIsRefused(t *testing.T) {
	s, _ := startServer(t, Handler{
		OnStop: func() { t.Error("OnStop fired for a bad cookie") },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Stop(ctx, s.Addr().String(), "not-the-cookie", wire.DefaultHeaderSize); err == nil {
		t.Fatal("stop with a wrong cookie succeeded")
	}
}

func TestStatusReturnsPayload(t *testing.T) {
	s, cookie := startServer(t, Handler{
		Status: func() []byte { return []byte(`{"clients":3}`) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	body, err := Status(ctx, s.Addr().String(), cookie, wire.DefaultHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, []byte(`{"clients":3}`)) {
		t.Errorf("status payload = %q", body)
	}
}

func TestPingNeedsNoCookie(t *testing.T) {
	s, _ := startServer(t, Handler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Ping(ctx, s.Addr().String(), wire.DefaultHeaderSize); err != nil {
		t.Fatal(err)
	}
}
