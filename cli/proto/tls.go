package proto

// tls.go contains the transport channel: TLS over TCP on both ends.

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultPort is the port used when an address has none.
const DefaultPort = "2718"

type dialer struct {
	caFile             string
	serverName         string
	insecureSkipVerify bool
	timeout            time.Duration
}

// DialOption configures Dial.
type DialOption func(*dialer)

// WithCAFile trusts the PEM certificates in path instead of the system pool.
func WithCAFile(path string) DialOption {
	return func(d *dialer) {
		d.caFile = path
	}
}

// WithServerName overrides the name verified against the server certificate.
func WithServerName(name string) DialOption {
	return func(d *dialer) {
		d.serverName = name
	}
}

// WithInsecureSkipVerify disables certificate verification.
func WithInsecureSkipVerify(skip bool) DialOption {
	return func(d *dialer) {
		d.insecureSkipVerify = skip
	}
}

// WithTimeout bounds the TCP connect and TLS handshake.
func WithTimeout(timeout time.Duration) DialOption {
	return func(d *dialer) {
		d.timeout = timeout
	}
}

// Dial opens a TLS connection to addr and returns it wrapped in a Conn.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	d := &dialer{
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	addr = withDefaultPort(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		InsecureSkipVerify: d.insecureSkipVerify,
	}
	if d.serverName != "" {
		config.ServerName = d.serverName
	}
	if d.caFile != "" {
		pool, err := loadCertPool(d.caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		Config:    config,
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConn(conn), nil
}

// Listen opens a TLS listener on addr with the given key pair.
func Listen(addr, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	ln, err := tls.Listen("tcp", withDefaultPort(addr), config)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, DefaultPort)
}
