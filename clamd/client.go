package clamd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

const (
	cmdScan     = "SCAN "
	cmdInstream = "nINSTREAM\n"
)

// Client speaks the clamd protocol over a fresh connection per call.
// It is safe for concurrent use from multiple goroutines.
type Client struct {
	network      string
	address      string
	timeout      time.Duration
	probeTimeout time.Duration
	dialer       *net.Dialer
}

// NewClient creates a clamd client.
// network is "tcp" (address "host:port") or "unix" (address is the socket path).
func NewClient(network, address string, opts ...ClientOption) (*Client, error) {
	switch network {
	case "tcp", "unix":
	default:
		return nil, clamav.NewValidationError(fmt.Sprintf("unsupported network: %q", network), nil)
	}
	if strings.TrimSpace(address) == "" {
		return nil, clamav.NewValidationError("clamd address is required", nil)
	}

	c := &Client{
		network:      network,
		address:      address,
		timeout:      defaultTimeout,
		probeTimeout: defaultProbeTimeout,
		dialer:       &net.Dialer{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Network returns the dial network ("tcp" or "unix").
func (c *Client) Network() string { return c.network }

// Address returns the dial address.
func (c *Client) Address() string { return c.address }

// ScanPath asks the daemon to scan a file on its own filesystem.
// path must be absolute and meaningful on the daemon's host.
func (c *Client) ScanPath(ctx context.Context, path string) (Verdict, error) {
	if path == "" || strings.ContainsAny(path, "\n\x00") {
		return Verdict{}, clamav.NewValidationError(fmt.Sprintf("invalid scan path: %q", path), nil)
	}
	return c.roundTrip(ctx, func(w io.Writer) error {
		_, err := io.WriteString(w, cmdScan+path+"\n")
		return err
	})
}

// ScanBytes streams data to the daemon with INSTREAM framing.
func (c *Client) ScanBytes(ctx context.Context, data []byte) (Verdict, error) {
	return c.ScanStream(ctx, bytes.NewReader(data))
}

// ScanStream streams r to the daemon with INSTREAM framing, ChunkSize bytes
// per frame, without buffering the whole content.
func (c *Client) ScanStream(ctx context.Context, r io.Reader) (Verdict, error) {
	return c.roundTrip(ctx, func(w io.Writer) error {
		if _, err := io.WriteString(w, cmdInstream); err != nil {
			return err
		}
		return WriteFrames(w, r)
	})
}

// WriteFrames copies r to w as length-prefixed INSTREAM frames followed by
// the zero-length terminator.
func WriteFrames(w io.Writer, r io.Reader) error {
	buf := make([]byte, ChunkSize)
	var prefix [4]byte

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := w.Write(prefix[:]); err != nil {
				return err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return &sourceError{err: readErr}
		}
	}

	binary.BigEndian.PutUint32(prefix[:], 0)
	_, err := w.Write(prefix[:])
	return err
}

// sourceError marks a failure reading the caller's content, as opposed to
// a transport failure.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// phase tracks where an exchange is so failures can say what was interrupted.
type phase int

const (
	phaseConnecting phase = iota
	phaseWriting
	phaseCollecting
	phaseClosed
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseWriting:
		return "writing"
	case phaseCollecting:
		return "collecting"
	case phaseClosed:
		return "closed"
	default:
		return "failed"
	}
}

// exchange is one request/response cycle. A single deadline spans all phases.
type exchange struct {
	client *Client
	phase  phase
}

// roundTrip dials, sends the command written by send, and collects the reply
// until the daemon closes the connection.
func (c *Client) roundTrip(ctx context.Context, send func(w io.Writer) error) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ex := &exchange{client: c, phase: phaseConnecting}

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Verdict{}, ex.fail(ctx, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Verdict{}, ex.fail(ctx, err)
		}
	}
	// Unblock pending I/O as soon as the caller's context ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	ex.phase = phaseWriting
	w := bufio.NewWriterSize(conn, ChunkSize+4)
	if err := send(w); err != nil {
		return Verdict{}, ex.fail(ctx, err)
	}
	if err := w.Flush(); err != nil {
		return Verdict{}, ex.fail(ctx, err)
	}

	ex.phase = phaseCollecting
	raw, err := io.ReadAll(conn)
	if err != nil {
		return Verdict{}, ex.fail(ctx, err)
	}

	ex.phase = phaseClosed
	return ParseResponse(string(raw)), nil
}

// fail classifies err and moves the exchange to phaseFailed.
func (ex *exchange) fail(ctx context.Context, err error) error {
	at := ex.phase
	ex.phase = phaseFailed

	var srcErr *sourceError
	if errors.As(err, &srcErr) {
		return clamav.NewValidationError("failed to read content", srcErr.err)
	}

	target := ex.client.network + "://" + ex.client.address
	if errors.Is(ctx.Err(), context.Canceled) {
		return clamav.NewTimeoutError(fmt.Sprintf("clamd exchange with %s canceled while %s", target, at), err)
	}
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return clamav.NewTimeoutError(
			fmt.Sprintf("clamd exchange with %s timed out after %s while %s", target, ex.client.timeout, at), err)
	}
	return clamav.NewConnectionError(fmt.Sprintf("clamd exchange with %s failed while %s", target, at), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
