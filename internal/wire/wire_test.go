package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeHeaderLayout(t *testing.T) {
	cfg := Config{HeaderSize: 10, Password: "pswd"}
	raw, err := cfg.Encode(Envelope{Stamp: 1, Cmd: CmdObj, Payload: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	bodyLen := len(raw) - 10 - len("pswd")
	if want := fmt.Sprintf("%-10d", bodyLen); string(raw[:10]) != want {
		t.Errorf("header = %q, want left-aligned %q", raw[:10], want)
	}
	if got := string(raw[10:14]); got != "pswd" {
		t.Errorf("password field = %q, want %q", got, "pswd")
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := Config{HeaderSize: 10, Password: "secret"}
	env := Envelope{
		Stamp:   42,
		Cmd:     CmdObj,
		Dest:    map[string]int{"g1": -1, "g2": 3},
		Payload: []byte("payload bytes"),
	}
	raw, err := cfg.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(raw), cfg, 0)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Stamp != env.Stamp || got.Cmd != env.Cmd {
		t.Errorf("got stamp=%d cmd=%q, want stamp=%d cmd=%q", got.Stamp, got.Cmd, env.Stamp, env.Cmd)
	}
	if got.Dest["g1"] != -1 || got.Dest["g2"] != 3 {
		t.Errorf("dest = %v", got.Dest)
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Errorf("payload = %q", got.Payload)
	}
}

func TestRelayOriginFramesCarryNoPassword(t *testing.T) {
	cfg := Config{HeaderSize: 10}
	env := Envelope{Stamp: 7, Cmd: CmdHello}
	raw, err := cfg.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(raw), cfg, 0)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmd != CmdHello {
		t.Errorf("cmd = %q", got.Cmd)
	}
}

func TestBadPassword(t *testing.T) {
	wcfg := Config{HeaderSize: 10, Password: "wrong!"}
	rcfg := Config{HeaderSize: 10, Password: "secret"}
	raw, err := wcfg.Encode(Envelope{Stamp: 1, Cmd: CmdObj})
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(raw), rcfg, 0)
	if _, err := r.Next(); !errors.Is(err, ErrBadPassword) {
		t.Errorf("expected ErrBadPassword, got: %v", err)
	}
}

func TestBadHeader(t *testing.T) {
	cfg := Config{HeaderSize: 10}
	r := NewReader(bytes.NewReader([]byte("notanumber")), cfg, 0)
	if _, err := r.Next(); !errors.Is(err, ErrBadHeader) {
		t.Errorf("expected ErrBadHeader, got: %v", err)
	}
}

func TestBodyTooLarge(t *testing.T) {
	cfg := Config{HeaderSize: 10, MaxBody: 8}
	big, err := Config{HeaderSize: 10}.Encode(Envelope{Stamp: 1, Cmd: CmdObj, Payload: make([]byte, 64)})
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(big), cfg, 0)
	if _, err := r.Next(); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got: %v", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	cfg := Config{HeaderSize: 10}
	raw, err := cfg.Encode(Envelope{Stamp: 1, Cmd: CmdObj, Payload: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(raw[:len(raw)-2]), cfg, 0)
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got: %v", err)
	}
}

func TestConsecutiveFrames(t *testing.T) {
	cfg := Config{HeaderSize: 10, Password: "pw"}
	var buf bytes.Buffer
	for i := uint64(1); i <= 5; i++ {
		raw, err := cfg.Encode(Envelope{Stamp: i, Cmd: CmdObj})
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(raw)
	}
	r := NewReader(&buf, cfg, 0)
	for i := uint64(1); i <= 5; i++ {
		env, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if env.Stamp != i {
			t.Errorf("stamp = %d, want %d", env.Stamp, i)
		}
	}
}

func TestGroupsRoundTrip(t *testing.T) {
	groups := []string{"g1", "g2", "g3"}
	payload, err := EncodeGroups(groups)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeGroups(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "g1" || got[2] != "g3" {
		t.Errorf("groups = %v", got)
	}
}

func TestFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			HeaderSize: rapid.IntRange(4, 16).Draw(t, "header"),
			Password:   rapid.StringMatching(`[a-zA-Z0-9]{0,24}`).Draw(t, "password"),
		}
		env := Envelope{
			Stamp:   rapid.Uint64Range(1, 1<<40).Draw(t, "stamp"),
			Cmd:     rapid.SampledFrom([]string{CmdHello, CmdObj, CmdNtf, CmdAck}).Draw(t, "cmd"),
			Payload: rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload"),
		}
		raw, err := cfg.Encode(env)
		if err != nil {
			t.Fatal(err)
		}
		got, err := NewReader(bytes.NewReader(raw), cfg, 0).Next()
		if err != nil {
			t.Fatal(err)
		}
		if got.Stamp != env.Stamp || got.Cmd != env.Cmd || !bytes.Equal(got.Payload, env.Payload) {
			t.Fatalf("round trip mismatch: %+v != %+v", got, env)
		}
	})
}
