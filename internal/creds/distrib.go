package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Distribution side-channel: a plain TCP server that streams the public
// certificate to each connecting client and closes. Only certificate.pem is
// ever served; the private key stays on the relay host.

const fetchLimit = 1 << 20 // a PEM certificate is a few KB; cap reads hard

// ServeCert accepts connections on ln and writes the certificate from
// keysDir to each, until ctx is cancelled.
func ServeCert(ctx context.Context, ln net.Listener, keysDir string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	pemBytes, err := os.ReadFile(filepath.Join(keysDir, CertFile))
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("serving certificate", "remote", conn.RemoteAddr())
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(pemBytes); err != nil {
			log.Warn("certificate write failed", "remote", conn.RemoteAddr(), "error", err)
		}
		conn.Close()
	}
}

// FetchCert connects to addr, reads the streamed certificate and writes it
// to keysDir/certificate.pem. The received bytes are validated as a
// certificate before anything touches the disk.
func FetchCert(ctx context.Context, addr, keysDir string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial certificate server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	pemBytes, err := io.ReadAll(io.LimitReader(conn, fetchLimit))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read certificate stream: %w", err)
	}
	if _, err := ClientTLSFromPEM(pemBytes, "ignored"); err != nil {
		return err
	}
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, CertFile), pemBytes, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}
