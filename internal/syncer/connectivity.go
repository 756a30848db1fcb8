package syncer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Connectivity reports whether the network is worth trying.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// Online calls f.
func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline never skips a pass.
type AlwaysOnline struct{}

// Online always reports true.
func (AlwaysOnline) Online(context.Context) bool { return true }

// TCPProbe considers the device online when a TCP connection to the API host
// can be opened.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

// ProbeFor derives a probe target from the API base URL.
func ProbeFor(baseURL string, timeout time.Duration) (TCPProbe, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return TCPProbe{}, fmt.Errorf("parse api url: %w", err)
	}
	if u.Hostname() == "" {
		return TCPProbe{}, fmt.Errorf("api url %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return TCPProbe{Address: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

// Online dials the probe address.
func (p TCPProbe) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
