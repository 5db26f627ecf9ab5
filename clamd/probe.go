package clamd

import (
	"context"
)

// IsAvailable reports whether a connection to the daemon can be opened within
// the probe timeout. The connection is closed immediately; no protocol bytes
// are sent and no retries are attempted.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
