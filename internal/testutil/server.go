// Package testutil provides a fake clamd daemon for gateway tests.
package testutil

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// Frame is one INSTREAM chunk as received on the wire.
type Frame struct {
	Length  uint32
	Payload []byte
}

// Request is one decoded scan command.
type Request struct {
	// Command is "SCAN" or "INSTREAM".
	Command string
	// Path is the SCAN argument.
	Path string
	// Frames holds every INSTREAM frame, including the zero-length terminator.
	Frames []Frame
}

// Payload concatenates the INSTREAM frame payloads.
func (r Request) Payload() []byte {
	var out []byte
	for _, f := range r.Frames {
		out = append(out, f.Payload...)
	}
	return out
}

// Responder produces the daemon reply for a request.
type Responder func(Request) string

// Reply returns a Responder that always answers with s.
func Reply(s string) Responder {
	return func(Request) string { return s }
}

// FakeDaemon is a minimal clamd that records requests and answers with a Responder.
type FakeDaemon struct {
	ln      net.Listener
	respond Responder

	mu          sync.Mutex
	requests    []Request
	connections int
	probes      int
	delay       time.Duration
	conns       map[net.Conn]struct{}
	done        chan struct{}
}

// NewFakeDaemon starts a fake daemon on a random loopback TCP port.
// It is shut down by t.Cleanup.
func NewFakeDaemon(t testing.TB, respond Responder) *FakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return start(t, ln, respond)
}

// NewUnixFakeDaemon starts a fake daemon on a Unix-domain socket inside a temp dir.
func NewUnixFakeDaemon(t testing.TB, respond Responder) *FakeDaemon {
	t.Helper()
	// Short directory names keep the socket path under the sun_path limit.
	dir, err := mkShortTempDir(t)
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	ln, err := net.Listen("unix", filepath.Join(dir, "clamd.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return start(t, ln, respond)
}

func start(t testing.TB, ln net.Listener, respond Responder) *FakeDaemon {
	if respond == nil {
		respond = Reply("stream: OK\n")
	}
	d := &FakeDaemon{
		ln:      ln,
		respond: respond,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Network returns "tcp" or "unix".
func (d *FakeDaemon) Network() string { return d.ln.Addr().Network() }

// Addr returns the listen address (host:port or socket path).
func (d *FakeDaemon) Addr() string { return d.ln.Addr().String() }

// SetDelay makes the daemon wait before replying.
func (d *FakeDaemon) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Requests returns a copy of the decoded scan requests.
func (d *FakeDaemon) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// Connections returns the number of accepted connections, probes included.
func (d *FakeDaemon) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connections
}

// Probes returns the number of connections closed without sending a command.
func (d *FakeDaemon) Probes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probes
}

// Close stops the listener and drops open connections.
func (d *FakeDaemon) Close() {
	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		return
	default:
	}
	close(d.done)
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()
	_ = d.ln.Close()
}

func (d *FakeDaemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.connections++
		d.conns[conn] = struct{}{}
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *FakeDaemon) handle(conn net.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		if line == "" && errors.Is(err, io.EOF) {
			d.mu.Lock()
			d.probes++
			d.mu.Unlock()
		}
		return
	}
	line = strings.TrimSuffix(line, "\n")

	var req Request
	switch {
	case strings.HasPrefix(line, "SCAN "):
		req = Request{Command: "SCAN", Path: strings.TrimPrefix(line, "SCAN ")}
	case line == "nINSTREAM":
		req = Request{Command: "INSTREAM"}
		for {
			var prefix [4]byte
			if _, err := io.ReadFull(br, prefix[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(prefix[:])
			payload := make([]byte, n)
			if _, err := io.ReadFull(br, payload); err != nil {
				return
			}
			req.Frames = append(req.Frames, Frame{Length: n, Payload: payload})
			if n == 0 {
				break
			}
		}
	default:
		_, _ = io.WriteString(conn, "UNKNOWN COMMAND\n")
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-d.done:
			return
		}
	}

	_, _ = io.WriteString(conn, d.respond(req))
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// EICAR is the standard antivirus test string.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// EICARResponder answers FOUND for content containing the EICAR marker and
// OK otherwise. SCAN requests read the file from the local filesystem.
func EICARResponder(req Request) string {
	subject := "stream"
	content := req.Payload()
	if req.Command == "SCAN" {
		subject = req.Path
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return subject + ": lstat() failed: No such file or directory. ERROR\n"
		}
		content = data
	}
	if strings.Contains(string(content), "EICAR-STANDARD-ANTIVIRUS-TEST-FILE") {
		return subject + ": Eicar-Test-Signature FOUND\n"
	}
	return subject + ": OK\n"
}
