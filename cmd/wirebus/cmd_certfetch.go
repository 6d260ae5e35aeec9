package main

import (
	"context"
	"flag"
	"time"

	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/internal/termcolor"
)

func runCertfetch(args []string) {
	fs := flag.NewFlagSet("certfetch", flag.ExitOnError)
	addr := fs.String("addr", "", "relay certificate address (host:port)")
	dir := fs.String("dir", "", "destination credentials directory (default: per-user config dir)")
	timeout := fs.Duration("timeout", 10*time.Second, "fetch timeout")
	fs.Parse(args)

	if *addr == "" {
		fatal("certfetch: --addr is required")
	}
	keysDir := *dir
	if keysDir == "" {
		var err error
		if keysDir, err = creds.DefaultKeysDir(); err != nil {
			fatal("certfetch: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := creds.FetchCert(ctx, *addr, keysDir); err != nil {
		fatal("certfetch: %v", err)
	}
	termcolor.Green("Certificate from %s pinned in %s", *addr, keysDir)
}
