package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/clamd"
	"github.com/DevHatRo/clamav-gateway-go/internal/quarantine"
	"github.com/DevHatRo/clamav-gateway-go/internal/testutil"
)

// --- helpers ---

func tcpConfig(t *testing.T, addr string) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig()
	cfg.Mode = ModeNativeTCP
	cfg.Host = host
	cfg.Port = port
	cfg.Timeout = 2 * time.Second
	cfg.QuarantinePath = filepath.Join(t.TempDir(), "quarantine")
	return cfg
}

func newGateway(t *testing.T, cfg Config, opts ...Option) *Gateway {
	t.Helper()
	g, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeScanner struct {
	available bool
	probes    atomic.Int32
	scan      func(r io.Reader) (clamd.Verdict, error)
}

func (f *fakeScanner) IsAvailable(context.Context) bool {
	f.probes.Add(1)
	return f.available
}

func (f *fakeScanner) ScanPath(_ context.Context, path string) (clamd.Verdict, error) {
	file, err := os.Open(path)
	if err != nil {
		return clamd.Verdict{}, err
	}
	defer file.Close()
	return f.scan(file)
}

func (f *fakeScanner) ScanStream(_ context.Context, r io.Reader) (clamd.Verdict, error) {
	return f.scan(r)
}

// --- scan tests ---

func TestScanFile(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
	g := newGateway(t, tcpConfig(t, d.Addr()))

	t.Run("clean", func(t *testing.T) {
		path := writeFile(t, "hello.txt", "hello world")
		result := g.ScanFile(context.Background(), path)
		if result.Status != clamav.StatusClean {
			t.Fatalf("status = %s (%s), want CLEAN", result.Status, result.ErrorDetail)
		}
		if result.Subject != path || result.SizeBytes != 11 {
			t.Errorf("subject/size = %q/%d", result.Subject, result.SizeBytes)
		}
		if result.VirusName != "" {
			t.Errorf("clean result has virus name %q", result.VirusName)
		}
		if result.ScannedAt.IsZero() {
			t.Error("scannedAt not set")
		}
	})

	t.Run("infected", func(t *testing.T) {
		path := writeFile(t, "eicar.com", testutil.EICAR)
		result := g.ScanFile(context.Background(), path)
		if result.Status != clamav.StatusInfected {
			t.Fatalf("status = %s (%s), want INFECTED", result.Status, result.ErrorDetail)
		}
		if result.VirusName != "Eicar-Test-Signature" {
			t.Errorf("virus = %q", result.VirusName)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		result := g.ScanFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
		if result.Status != clamav.StatusError {
			t.Fatalf("status = %s, want ERROR", result.Status)
		}
		if !strings.Contains(result.ErrorDetail, "not found") {
			t.Errorf("detail = %q", result.ErrorDetail)
		}
	})

	t.Run("directory", func(t *testing.T) {
		result := g.ScanFile(context.Background(), t.TempDir())
		if result.Status != clamav.StatusError {
			t.Fatalf("status = %s, want ERROR", result.Status)
		}
	})
}

func TestScanTooLargeOpensNoSocket(t *testing.T) {
	d := testutil.NewFakeDaemon(t, nil)
	cfg := tcpConfig(t, d.Addr())
	cfg.MaxFileSize = 10
	g := newGateway(t, cfg)

	path := writeFile(t, "big.bin", "01234567890")
	if got := g.ScanFile(context.Background(), path); got.Status != clamav.StatusTooLarge {
		t.Errorf("file status = %s, want TOO_LARGE", got.Status)
	}
	if got := g.ScanBuffer(context.Background(), make([]byte, 11), "big.bin"); got.Status != clamav.StatusTooLarge {
		t.Errorf("buffer status = %s, want TOO_LARGE", got.Status)
	}
	if got := g.ScanBuffer(context.Background(), make([]byte, 10), "ok.bin"); got.Status != clamav.StatusClean {
		t.Errorf("buffer at limit status = %s, want CLEAN", got.Status)
	}

	requests := d.Requests()
	if len(requests) != 1 {
		t.Errorf("requests = %d, want 1 (only the at-limit buffer)", len(requests))
	}
}

func TestScanFileCache(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
	g := newGateway(t, tcpConfig(t, d.Addr()))
	path := writeFile(t, "doc.txt", "same content")

	first := g.ScanFile(context.Background(), path)
	second := g.ScanFile(context.Background(), path)

	if n := len(d.Requests()); n != 1 {
		t.Fatalf("daemon requests = %d, want 1", n)
	}
	if first.Status != second.Status || first.VirusName != second.VirusName || !first.ScannedAt.Equal(second.ScannedAt) {
		t.Errorf("cached result differs:\n first  %+v\n second %+v", first, second)
	}
	if first.DurationMs != second.DurationMs {
		t.Errorf("cached durationMs = %d, want %d", second.DurationMs, first.DurationMs)
	}

	t.Run("identical content under another path", func(t *testing.T) {
		other := writeFile(t, "copy.txt", "same content")
		g.ScanFile(context.Background(), other)
		if n := len(d.Requests()); n != 1 {
			t.Errorf("daemon requests = %d, want 1", n)
		}
	})

	t.Run("buffers bypass the cache", func(t *testing.T) {
		g.ScanBuffer(context.Background(), []byte("same content"), "doc.txt")
		g.ScanBuffer(context.Background(), []byte("same content"), "doc.txt")
		if n := len(d.Requests()); n != 3 {
			t.Errorf("daemon requests = %d, want 3", n)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if got := g.Statistics(context.Background()).CacheSize; got != 1 {
			t.Errorf("cache size = %d, want 1", got)
		}
		if err := g.ClearCache(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := g.Statistics(context.Background()).CacheSize; got != 0 {
			t.Errorf("cache size after clear = %d, want 0", got)
		}
		g.ScanFile(context.Background(), path)
		if n := len(d.Requests()); n != 4 {
			t.Errorf("daemon requests = %d, want 4", n)
		}
	})
}

func TestScanFileCacheExpiry(t *testing.T) {
	d := testutil.NewFakeDaemon(t, nil)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cfg := tcpConfig(t, d.Addr())
	cfg.CacheTTL = time.Minute
	g := newGateway(t, cfg, WithClock(clock))
	path := writeFile(t, "a.txt", "a")

	g.ScanFile(context.Background(), path)
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	g.ScanFile(context.Background(), path)

	if n := len(d.Requests()); n != 2 {
		t.Errorf("daemon requests = %d, want 2 after ttl", n)
	}
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name     string
		fallback Fallback
		want     clamav.Status
	}{
		{"allow", FallbackAllow, clamav.StatusSkipped},
		{"reject", FallbackReject, clamav.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tcpConfig(t, testutil.ClosedAddr(t))
			cfg.FallbackBehavior = tt.fallback
			g := newGateway(t, cfg)

			path := writeFile(t, "f.txt", "content")
			for _, result := range []clamav.ScanResult{
				g.ScanFile(context.Background(), path),
				g.ScanBuffer(context.Background(), []byte("content"), "f.txt"),
			} {
				if result.Status != tt.want {
					t.Errorf("status = %s, want %s", result.Status, tt.want)
				}
				if !strings.Contains(result.ErrorDetail, "fallback") {
					t.Errorf("detail = %q, want fallback explanation", result.ErrorDetail)
				}
			}
		})
	}
}

func TestAvailabilityRetries(t *testing.T) {
	scanner := &fakeScanner{available: false}
	cfg := tcpConfig(t, "127.0.0.1:3310")
	cfg.ConnectionRetries = 2
	g := newGateway(t, cfg, WithScanner(scanner), WithRetryDelay(time.Millisecond))

	result := g.ScanBuffer(context.Background(), []byte("x"), "x")
	if result.Status != clamav.StatusSkipped {
		t.Fatalf("status = %s, want SKIPPED", result.Status)
	}
	if got := scanner.probes.Load(); got != 3 {
		t.Errorf("probes = %d, want 3", got)
	}
}

func TestDisabledGateway(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)

	for _, tt := range []struct {
		name   string
		modify func(*Config)
	}{
		{"enabled=false", func(c *Config) { c.Enabled = false }},
		{"mode disabled", func(c *Config) { c.Mode = ModeDisabled }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tcpConfig(t, d.Addr())
			tt.modify(&cfg)
			g := newGateway(t, cfg)

			path := writeFile(t, "eicar.com", testutil.EICAR)
			results := []clamav.ScanResult{
				g.ScanFile(context.Background(), path),
				g.ScanFile(context.Background(), "/does/not/exist"),
				g.ScanBuffer(context.Background(), []byte(testutil.EICAR), "eicar.com"),
				g.ScanBuffer(context.Background(), nil, "empty"),
			}
			for i, r := range results {
				if r.Status != clamav.StatusSkipped {
					t.Errorf("result %d status = %s, want SKIPPED", i, r.Status)
				}
				if r.DurationMs > 50 {
					t.Errorf("result %d durationMs = %d", i, r.DurationMs)
				}
			}
			if g.IsAvailable(context.Background()) {
				t.Error("disabled gateway reports available")
			}
			if g.ScanOnUpload() {
				t.Error("disabled gateway asks for upload scans")
			}
		})
	}

	if n := d.Connections(); n != 0 {
		t.Errorf("connections = %d, want 0", n)
	}
}

func TestScanBufferFraming(t *testing.T) {
	d := testutil.NewFakeDaemon(t, nil)
	g := newGateway(t, tcpConfig(t, d.Addr()))

	data := bytes.Repeat([]byte{'a'}, 3000)
	result := g.ScanBuffer(context.Background(), data, "a.txt")
	if result.Status != clamav.StatusClean {
		t.Fatalf("status = %s (%s)", result.Status, result.ErrorDetail)
	}

	requests := d.Requests()
	if len(requests) != 1 || requests[0].Command != "INSTREAM" {
		t.Fatalf("requests = %+v", requests)
	}
	var lengths []uint32
	for _, f := range requests[0].Frames {
		lengths = append(lengths, f.Length)
	}
	if len(lengths) != 3 || lengths[0] != 2048 || lengths[1] != 952 || lengths[2] != 0 {
		t.Errorf("frame lengths = %v, want [2048 952 0]", lengths)
	}
	if !bytes.Equal(requests[0].Payload(), data) {
		t.Error("payload differs")
	}
}

func TestScanBufferMissingContent(t *testing.T) {
	d := testutil.NewFakeDaemon(t, nil)
	g := newGateway(t, tcpConfig(t, d.Addr()))

	if got := g.ScanBuffer(context.Background(), nil, "x"); got.Status != clamav.StatusError {
		t.Errorf("nil buffer status = %s, want ERROR", got.Status)
	}
	if got := g.ScanBuffer(context.Background(), []byte{}, "empty"); got.Status != clamav.StatusClean {
		t.Errorf("empty buffer status = %s, want CLEAN", got.Status)
	}
}

func TestFileTransfer(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		transfer Transfer
		want     string
	}{
		{"native default", ModeNativeTCP, "", "SCAN"},
		{"docker default", ModeDocker, "", "INSTREAM"},
		{"forced stream", ModeNativeTCP, TransferStream, "INSTREAM"},
		{"forced path", ModeDocker, TransferPath, "SCAN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
			cfg := tcpConfig(t, d.Addr())
			cfg.Mode = tt.mode
			cfg.FileTransfer = tt.transfer
			g := newGateway(t, cfg)

			path := writeFile(t, "eicar.com", testutil.EICAR)
			if got := g.ScanFile(context.Background(), path); got.Status != clamav.StatusInfected {
				t.Fatalf("status = %s (%s)", got.Status, got.ErrorDetail)
			}
			requests := d.Requests()
			if len(requests) != 1 || requests[0].Command != tt.want {
				t.Fatalf("requests = %+v, want one %s", requests, tt.want)
			}
			if tt.want == "SCAN" && !filepath.IsAbs(requests[0].Path) {
				t.Errorf("SCAN path %q is not absolute", requests[0].Path)
			}
		})
	}
}

func TestUnixSocketMode(t *testing.T) {
	d := testutil.NewUnixFakeDaemon(t, testutil.EICARResponder)
	cfg := DefaultConfig()
	cfg.Mode = ModeNativeSocket
	cfg.SocketPath = d.Addr()
	cfg.QuarantinePath = filepath.Join(t.TempDir(), "q")
	g := newGateway(t, cfg)

	if !g.IsAvailable(context.Background()) {
		t.Fatal("expected daemon to be available")
	}
	path := writeFile(t, "ok.txt", "fine")
	if got := g.ScanFile(context.Background(), path); got.Status != clamav.StatusClean {
		t.Errorf("status = %s (%s)", got.Status, got.ErrorDetail)
	}
}

func TestDaemonResponses(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		strict bool
		want   clamav.Status
		detail string
	}{
		{"ok", "stream: OK\n", false, clamav.StatusClean, ""},
		{"error", "INSTREAM size limit exceeded. ERROR\n", false, clamav.StatusError, "size limit exceeded"},
		{"unrecognized lenient", "stream: ???\n", false, clamav.StatusClean, ""},
		{"unrecognized strict", "stream: ???\n", true, clamav.StatusError, "unrecognized"},
		{"empty lenient", "", false, clamav.StatusClean, ""},
		{"empty strict", "", true, clamav.StatusError, "unrecognized"},
		{"found without name", "FOUND\n", false, clamav.StatusInfected, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testutil.NewFakeDaemon(t, testutil.Reply(tt.reply))
			cfg := tcpConfig(t, d.Addr())
			cfg.StrictResponses = tt.strict
			g := newGateway(t, cfg)

			result := g.ScanBuffer(context.Background(), []byte("data"), "data.bin")
			if result.Status != tt.want {
				t.Fatalf("status = %s (%s), want %s", result.Status, result.ErrorDetail, tt.want)
			}
			if !strings.Contains(result.ErrorDetail, tt.detail) {
				t.Errorf("detail = %q, want to contain %q", result.ErrorDetail, tt.detail)
			}
			if (result.Status == clamav.StatusInfected) != (result.VirusName != "") {
				t.Errorf("virus name %q inconsistent with status %s", result.VirusName, result.Status)
			}
		})
	}
}

func TestScanTimeout(t *testing.T) {
	d := testutil.NewFakeDaemon(t, nil)
	d.SetDelay(time.Second)
	cfg := tcpConfig(t, d.Addr())
	cfg.Timeout = 100 * time.Millisecond
	g := newGateway(t, cfg)

	result := g.ScanBuffer(context.Background(), []byte("slow"), "slow.bin")
	if result.Status != clamav.StatusError {
		t.Fatalf("status = %s, want ERROR", result.Status)
	}
	if !strings.Contains(result.ErrorDetail, "timed out") {
		t.Errorf("detail = %q", result.ErrorDetail)
	}
}

func TestScanRecoversPanics(t *testing.T) {
	scanner := &fakeScanner{available: true, scan: func(io.Reader) (clamd.Verdict, error) {
		panic("boom")
	}}
	cfg := tcpConfig(t, "127.0.0.1:3310")
	g := newGateway(t, cfg, WithScanner(scanner))

	result := g.ScanBuffer(context.Background(), []byte("x"), "x")
	if result.Status != clamav.StatusError || !strings.Contains(result.ErrorDetail, "boom") {
		t.Errorf("result = %+v", result)
	}
	path := writeFile(t, "x", "x")
	if got := g.ScanFile(context.Background(), path); got.Status != clamav.StatusError {
		t.Errorf("file status = %s, want ERROR", got.Status)
	}
}

// --- quarantine tests ---

func TestQuarantineRoundTrip(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
	cfg := tcpConfig(t, d.Addr())
	cfg.RemoveInfected = true
	g := newGateway(t, cfg)

	path := writeFile(t, "eicar.com", testutil.EICAR)
	result := g.ScanFile(context.Background(), path)
	if result.Status != clamav.StatusInfected {
		t.Fatalf("status = %s (%s)", result.Status, result.ErrorDetail)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original still present: %v", err)
	}

	entries, err := os.ReadDir(cfg.QuarantinePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("quarantine dir has %d entries, want 2", len(entries))
	}

	names, err := g.ListQuarantinedFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || !strings.HasSuffix(names[0], "_eicar.com") {
		t.Fatalf("names = %v", names)
	}

	record, err := g.QuarantineMetadata(context.Background(), names[0])
	if err != nil || record == nil {
		t.Fatalf("metadata = %v, %v", record, err)
	}
	if record.OriginalPath != path {
		t.Errorf("originalPath = %q, want %q", record.OriginalPath, path)
	}
	want, _ := json.Marshal(result)
	got, _ := json.Marshal(record.ScanResult)
	if !bytes.Equal(want, got) {
		t.Errorf("sidecar scanResult = %s\nwant %s", got, want)
	}

	existed, err := g.DeleteQuarantinedFile(context.Background(), names[0])
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v", existed, err)
	}
	existed, err = g.DeleteQuarantinedFile(context.Background(), names[0])
	if err != nil || existed {
		t.Errorf("second delete = %v, %v", existed, err)
	}
	if record, _ := g.QuarantineMetadata(context.Background(), names[0]); record != nil {
		t.Errorf("metadata after delete = %+v", record)
	}
}

func TestCachedInfectionSkipsQuarantine(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
	g := newGateway(t, tcpConfig(t, d.Addr()))

	path := writeFile(t, "eicar.com", testutil.EICAR)
	g.ScanFile(context.Background(), path)
	second := g.ScanFile(context.Background(), path)
	if second.Status != clamav.StatusInfected {
		t.Fatalf("status = %s", second.Status)
	}

	names, _ := g.ListQuarantinedFiles(context.Background())
	if len(names) != 1 {
		t.Errorf("quarantined %d times, want 1", len(names))
	}
}

func TestQuarantineFailureKeepsVerdict(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)
	cfg := tcpConfig(t, d.Addr())
	// A regular file where the directory should be makes MkdirAll fail.
	cfg.QuarantinePath = writeFile(t, "blocker", "")
	g := newGateway(t, cfg)

	result := g.ScanBuffer(context.Background(), []byte(testutil.EICAR), "eicar.com")
	if result.Status != clamav.StatusInfected {
		t.Errorf("status = %s, want INFECTED", result.Status)
	}
}

func TestNotifyOnInfection(t *testing.T) {
	d := testutil.NewFakeDaemon(t, testutil.EICARResponder)

	for _, enabled := range []bool{true, false} {
		t.Run(strconv.FormatBool(enabled), func(t *testing.T) {
			cfg := tcpConfig(t, d.Addr())
			cfg.NotifyOnInfection = enabled

			var got []clamav.QuarantineRecord
			notifier := quarantine.NotifierFunc(func(_ context.Context, r clamav.QuarantineRecord) error {
				got = append(got, r)
				return nil
			})
			g := newGateway(t, cfg, WithNotifier(notifier))

			g.ScanBuffer(context.Background(), []byte(testutil.EICAR), "upload.bin")
			g.ScanBuffer(context.Background(), []byte("clean"), "clean.bin")

			want := 0
			if enabled {
				want = 1
			}
			if len(got) != want {
				t.Fatalf("notifications = %d, want %d", len(got), want)
			}
			if enabled && got[0].ScanResult.VirusName != "Eicar-Test-Signature" {
				t.Errorf("record = %+v", got[0])
			}
		})
	}
}

// --- stats tests ---

func TestServiceInfo(t *testing.T) {
	cfg := tcpConfig(t, "127.0.0.1:3310")
	cfg.MaxFileSize = 1024
	cfg.RemoveInfected = true
	cfg.FallbackBehavior = FallbackReject
	g := newGateway(t, cfg, WithScanner(&fakeScanner{}))

	info := g.ServiceInfo(context.Background())
	if !info.Enabled || info.Mode != ModeNativeTCP {
		t.Errorf("enabled/mode = %v/%s", info.Enabled, info.Mode)
	}
	if info.ConnectionDescriptor != "tcp://127.0.0.1:3310" {
		t.Errorf("descriptor = %q", info.ConnectionDescriptor)
	}
	want := PolicySnapshot{MaxFileSize: 1024, ScanOnUpload: true, RemoveInfected: true, FallbackBehavior: FallbackReject}
	if info.Config != want {
		t.Errorf("config = %+v, want %+v", info.Config, want)
	}

	stats := g.Statistics(context.Background())
	if stats.CacheSize != 0 || stats.Config != want {
		t.Errorf("stats = %+v", stats)
	}
}
