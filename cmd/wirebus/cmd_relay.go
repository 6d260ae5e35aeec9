package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/internal/watchdog"
	"github.com/wirebus/wirebus/pkg/wirebus"
)

// cookiePath is where the relay daemon leaves its control-plane cookie for
// the stop and status commands.
func cookiePath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		fatal("Cannot determine config directory: %v", err)
	}
	return filepath.Join(base, "wirebus", ".control-cookie")
}

func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", "", "relay config file (YAML)")
	fs.Parse(args)

	if *configPath == "" {
		fatal("relay: --config is required")
	}
	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fatal("relay: %v", err)
	}

	var accepted map[string]wirebus.GroupPolicy
	if len(cfg.AcceptedGroups) > 0 {
		accepted = make(map[string]wirebus.GroupPolicy, len(cfg.AcceptedGroups))
		for name, g := range cfg.AcceptedGroups {
			accepted[name] = wirebus.GroupPolicy{
				MaxCount:       g.MaxCount,
				MaxConsumables: g.MaxConsumables,
			}
		}
	}
	keysDir := cfg.KeysDir
	if keysDir == "" {
		if keysDir, err = creds.DefaultKeysDir(); err != nil {
			fatal("relay: %v", err)
		}
	}

	r, err := wirebus.NewRelay(wirebus.RelayConfig{
		Addr:           net.JoinHostPort(cfg.Bind, fmt.Sprint(cfg.Port)),
		Password:       cfg.Password,
		AcceptedGroups: accepted,
		HeaderSize:     cfg.HeaderSize,
		MaxBody:        cfg.MaxBody,
		Security:       cfg.Security,
		KeysDir:        keysDir,
		ControlPort:    cfg.ControlPort,
		MetricsAddr:    cfg.MetricsAddr,
		AcceptRate:     cfg.AcceptRate,
	})
	if err != nil {
		fatal("relay: %v", err)
	}
	slog.Info("relay listening", "addr", r.Addr(), "security", cfg.Security)

	if cookie := r.Cookie(); cookie != "" {
		path := cookiePath()
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			fatal("relay: %v", err)
		}
		if err := os.WriteFile(path, []byte(cookie), 0600); err != nil {
			fatal("relay: %v", err)
		}
		defer os.Remove(path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional plain-TCP certificate distribution, one port above the
	// relay port, so peers can pin the cert before their first TLS dial.
	if cfg.ServeCert {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Bind, fmt.Sprint(cfg.Port+1)))
		if err != nil {
			fatal("relay: cert listener: %v", err)
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go creds.ServeCert(ctx, ln, keysDir, slog.Default())
		slog.Info("serving certificate", "addr", ln.Addr())
	}

	go watchdog.Run(ctx, 30*time.Second, []watchdog.Check{{
		Name: "listener",
		Probe: func() error {
			conn, err := net.DialTimeout("tcp", r.Addr().String(), 2*time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}}, slog.Default())
	watchdog.Ready()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("signal received, shutting down", "signal", s)
	case <-waitCh(r):
		// Stopped over the control plane.
	}
	signal.Stop(sig)

	watchdog.Stopping()
	if err := r.Stop(); err != nil {
		fatal("relay: %v", err)
	}
}

func waitCh(r *wirebus.Relay) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		r.Wait()
		close(ch)
	}()
	return ch
}
