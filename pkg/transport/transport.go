// Package transport opens the byte streams the session engine runs over.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cowanweks/ctrader-go/errs"
)

// DefaultDialTimeout bounds connection establishment when none is configured.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens a bidirectional byte stream to address.
type Dialer interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// Dial calls f(ctx, address).
func (f DialerFunc) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return f(ctx, address)
}

// TCPDialer opens plain TCP connections. It exists for local brokers and tests.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial opens a TCP connection.
func (d TCPDialer) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	nd := &net.Dialer{Timeout: timeoutOrDefault(d.Timeout), KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dialError(address, err)
	}
	return conn, nil
}

// TLSDialer opens TLS protected TCP connections, the default broker transport.
type TLSDialer struct {
	Timeout            time.Duration
	ServerName         string
	InsecureSkipVerify bool
	// Config, when set, is cloned and takes precedence over ServerName and InsecureSkipVerify.
	Config *tls.Config
}

// Dial opens a TCP connection and completes the TLS handshake.
func (d TLSDialer) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	cfg := d.tlsConfig(address)
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeoutOrDefault(d.Timeout)},
		Config:    cfg,
	}
	conn, err := td.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dialError(address, err)
	}
	return conn, nil
}

func (d TLSDialer) tlsConfig(address string) *tls.Config {
	var cfg *tls.Config
	if d.Config != nil {
		cfg = d.Config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: d.InsecureSkipVerify} //nolint:gosec // opt-in for local brokers
	}
	if cfg.ServerName == "" {
		cfg.ServerName = strings.TrimSpace(d.ServerName)
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}

// Address joins host and port.
func Address(host string, port int) string {
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultDialTimeout
	}
	return d
}

func dialError(address string, err error) error {
	return errs.New("transport", errs.CodeTransport,
		errs.WithMessage("dial failed"),
		errs.WithField("address", address),
		errs.WithCause(err))
}
