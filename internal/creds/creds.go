// Package creds generates and loads the relay's TLS credentials: a
// self-signed X.509 certificate and an RSA-4096 private key, stored as
// certificate.pem and key.pem inside a keys directory. Endpoints pin the
// relay certificate itself as their sole trust anchor.
package creds

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// CertFile and KeyFile are the fixed file names inside a keys directory.
	CertFile = "certificate.pem"
	KeyFile  = "key.pem"

	rsaBits         = 4096
	defaultValidity = 10 * 365 * 24 * time.Hour
)

// Request describes the certificate to generate. Zero values fall back to
// the historical defaults.
type Request struct {
	CommonName   string
	Organization string
	Country      string
	DNSNames     []string
	IPAddresses  []net.IP
	SerialNumber int64
	Validity     time.Duration
}

// DefaultKeysDir returns the per-user default credentials directory
// (<user-config-dir>/wirebus/credentials).
func DefaultKeysDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "wirebus", "credentials"), nil
}

// Generate writes certificate.pem and key.pem into keysDir, creating the
// directory if needed. The key file is written with mode 0600.
func Generate(keysDir string, req Request) error {
	if req.CommonName == "" {
		req.CommonName = "wirebus"
	}
	if req.Validity <= 0 {
		req.Validity = defaultValidity
	}
	if len(req.DNSNames) == 0 && len(req.IPAddresses) == 0 {
		// A bare CN no longer satisfies Go's hostname verification; default
		// to a loopback-friendly SAN set.
		req.DNSNames = []string{req.CommonName, "localhost"}
		req.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("generate RSA key: %w", err)
	}

	subject := pkix.Name{CommonName: req.CommonName}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(req.SerialNumber),
		Subject:               subject,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(req.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(keysDir, CertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, KeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// ServerTLS loads the relay-side TLS configuration from keysDir.
func ServerTLS(keysDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(keysDir, CertFile), filepath.Join(keysDir, KeyFile))
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS builds an endpoint-side TLS configuration that trusts only the
// certificate found in keysDir and verifies the relay against hostname.
func ClientTLS(keysDir, hostname string) (*tls.Config, error) {
	pemBytes, err := os.ReadFile(filepath.Join(keysDir, CertFile))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return ClientTLSFromPEM(pemBytes, hostname)
}

// ClientTLSFromPEM is ClientTLS for a certificate already in memory, as
// obtained from the distribution side-channel.
func ClientTLSFromPEM(pemBytes []byte, hostname string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, ErrNoCertificate
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: hostname,
		MinVersion: tls.VersionTLS12,
	}, nil
}
