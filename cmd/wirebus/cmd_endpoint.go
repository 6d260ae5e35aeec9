package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/pkg/wirebus"
)

// runEndpoint joins the configured groups and prints every received object
// to stdout as one JSON document per line.
func runEndpoint(args []string) {
	fs := flag.NewFlagSet("endpoint", flag.ExitOnError)
	configPath := fs.String("config", "", "endpoint config file (YAML)")
	fs.Parse(args)

	if *configPath == "" {
		fatal("endpoint: --config is required")
	}
	cfg, err := config.LoadEndpoint(*configPath)
	if err != nil {
		fatal("endpoint: %v", err)
	}
	keysDir := cfg.KeysDir
	if keysDir == "" && cfg.Security != "TCP" {
		if keysDir, err = creds.DefaultKeysDir(); err != nil {
			fatal("endpoint: %v", err)
		}
	}

	e, err := wirebus.NewEndpoint(wirebus.EndpointConfig{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Password:     cfg.Password,
		Groups:       cfg.Groups,
		HeaderSize:   cfg.HeaderSize,
		MaxBody:      cfg.MaxBody,
		Security:     cfg.Security,
		KeysDir:      keysDir,
		Hostname:     cfg.Hostname,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Factor:       cfg.Reconnect.Factor,
		Jitter:       cfg.Reconnect.Jitter,
	})
	if err != nil {
		fatal("endpoint: %v", err)
	}
	slog.Info("endpoint running", "relay", cfg.Host, "groups", cfg.Groups)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		e.Stop()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		items, err := e.ReceiveAll(true)
		if err != nil {
			// Stopped; the network loop has already drained.
			return
		}
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				slog.Warn("object not representable as JSON, skipping", "error", err)
			}
		}
	}
}
