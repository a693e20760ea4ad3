// Package httpx builds the http.Client shapes the protocol adapters share:
// a short-timeout client for LAN device control (Hue bridges, generic
// HTTP devices) and an option to tolerate the self-signed certificates
// Hue bridges and many ESPHome devices present.
package httpx

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Options configures a client's transport behavior.
type Options struct {
	// Timeout bounds a single request end-to-end. Defaults to 10s.
	Timeout time.Duration
	// InsecureSkipVerify tolerates self-signed certs, the default for Hue
	// bridges and most locally-discovered devices.
	InsecureSkipVerify bool
	// DialTimeout bounds the TCP connect phase. Defaults to 5s.
	DialTimeout time.Duration
}

const (
	defaultTimeout     = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// New builds an *http.Client tuned for local device control: short
// timeouts so a single unreachable device doesn't stall an adapter (each
// adapter instance owns its own client, keyed to one device or bridge).
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: dialTimeout,
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local devices self-sign
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
