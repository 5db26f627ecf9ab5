package clamd

import (
	"net"
	"time"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second

	// ChunkSize is the INSTREAM payload size of every frame but the last.
	ChunkSize = 2048
)

// ClientOption configures the clamd client.
type ClientOption func(*Client)

// WithTimeout bounds a whole scan exchange, from dial to end-of-stream.
// If a context with a shorter deadline is provided to a method, that deadline takes precedence.
// Non-positive durations are ignored (no-op).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProbeTimeout sets the connect timeout used by IsAvailable.
// Non-positive durations are ignored (no-op).
func WithProbeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithDialer sets a custom *net.Dialer, e.g. to bind a local address.
func WithDialer(d *net.Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}
