package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/control"
	"github.com/wirebus/wirebus/internal/termcolor"
	"github.com/wirebus/wirebus/internal/wire"
)

func loadCookie(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("cannot read control cookie %s: %v\nIs the relay running on this host?", path, err)
	}
	return strings.TrimSpace(string(data))
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addr := fs.String("addr", fmt.Sprintf("127.0.0.1:%d", config.DefaultControlPort), "control plane address")
	cookieFile := fs.String("cookie-file", cookiePath(), "control cookie file")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := control.Stop(ctx, *addr, loadCookie(*cookieFile), wire.DefaultHeaderSize); err != nil {
		fatal("stop: %v", err)
	}
	termcolor.Green("Relay at %s is shutting down", *addr)
}
