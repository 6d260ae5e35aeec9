package main

import (
	"flag"
	"net"
	"strings"
	"time"

	"github.com/wirebus/wirebus/internal/creds"
	"github.com/wirebus/wirebus/internal/termcolor"
)

func runCertgen(args []string) {
	fs := flag.NewFlagSet("certgen", flag.ExitOnError)
	dir := fs.String("dir", "", "credentials directory (default: per-user config dir)")
	cn := fs.String("cn", "wirebus", "certificate common name")
	org := fs.String("org", "", "certificate organization")
	country := fs.String("country", "", "certificate country code")
	dns := fs.String("dns", "", "comma-separated extra DNS names")
	ips := fs.String("ip", "", "comma-separated extra IP addresses")
	days := fs.Int("days", 0, "validity in days (default: 10 years)")
	fs.Parse(args)

	keysDir := *dir
	if keysDir == "" {
		var err error
		if keysDir, err = creds.DefaultKeysDir(); err != nil {
			fatal("certgen: %v", err)
		}
	}

	req := creds.Request{
		CommonName:   *cn,
		Organization: *org,
		Country:      *country,
	}
	if *dns != "" {
		req.DNSNames = strings.Split(*dns, ",")
	}
	if *ips != "" {
		for _, s := range strings.Split(*ips, ",") {
			ip := net.ParseIP(strings.TrimSpace(s))
			if ip == nil {
				fatal("certgen: invalid IP address %q", s)
			}
			req.IPAddresses = append(req.IPAddresses, ip)
		}
	}
	if *days > 0 {
		req.Validity = time.Duration(*days) * 24 * time.Hour
	}

	if err := creds.Generate(keysDir, req); err != nil {
		fatal("certgen: %v", err)
	}
	termcolor.Green("Credentials written to %s", keysDir)
	termcolor.Yellow("Keep %s/key.pem on the relay host only; distribute %s/certificate.pem to endpoints.", keysDir, keysDir)
}
