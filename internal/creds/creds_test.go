package creds

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateWritesKeyPair(t *testing.T) {
	if testing.Short() {
		t.Skip("RSA-4096 generation is slow")
	}
	dir := t.TempDir()
	if err := Generate(dir, Request{CommonName: "relay.test"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, KeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file mode = %04o, want 0600", mode)
	}

	pemBytes, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("certificate.pem does not hold a CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "relay.test" {
		t.Errorf("CN = %q, want relay.test", cert.Subject.CommonName)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("default SANs should cover localhost: %v", err)
	}
}

func TestGeneratedPairServesTLS(t *testing.T) {
	if testing.Short() {
		t.Skip("RSA-4096 generation is slow")
	}
	dir := t.TempDir()
	if err := Generate(dir, Request{CommonName: "relay.test"}); err != nil {
		t.Fatal(err)
	}
	serverCfg, err := ServerTLS(dir)
	if err != nil {
		t.Fatal(err)
	}
	clientCfg, err := ClientTLS(dir, "localhost")
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("ok"))
		conn.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("pinned-certificate handshake failed: %v", err)
	}
	defer conn.Close()
	buf := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ok" {
		t.Errorf("read %q, want ok", buf)
	}
}

func TestFetchCert(t *testing.T) {
	if testing.Short() {
		t.Skip("RSA-4096 generation is slow")
	}
	srcDir := t.TempDir()
	if err := Generate(srcDir, Request{CommonName: "relay.test"}); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ServeCert(ctx, ln, srcDir, nil)
	}()

	dstDir := t.TempDir()
	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fetchCancel()
	if err := FetchCert(fetchCtx, ln.Addr().String(), dstDir); err != nil {
		t.Fatal(err)
	}

	src, _ := os.ReadFile(filepath.Join(srcDir, CertFile))
	dst, err := os.ReadFile(filepath.Join(dstDir, CertFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(src) != string(dst) {
		t.Error("fetched certificate differs from the served one")
	}
	if _, err := os.Stat(filepath.Join(dstDir, KeyFile)); !os.IsNotExist(err) {
		t.Error("private key must never be distributed")
	}

	cancel()
	<-done
}
