package gateway

import (
	"context"
	"io"
	"log/slog"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/clamd"
	"github.com/DevHatRo/clamav-gateway-go/internal/metrics"
	"github.com/DevHatRo/clamav-gateway-go/internal/quarantine"
)

const defaultRetryDelay = 200 * time.Millisecond

// Scanner is the daemon client used by the gateway. *clamd.Client implements it.
type Scanner interface {
	IsAvailable(ctx context.Context) bool
	ScanPath(ctx context.Context, path string) (clamd.Verdict, error)
	ScanStream(ctx context.Context, r io.Reader) (clamd.Verdict, error)
}

// Cache stores verdicts by content hash. Lookup returns nil on a miss.
type Cache interface {
	Lookup(ctx context.Context, hash string) (*clamav.ScanResult, error)
	Store(ctx context.Context, hash string, result clamav.ScanResult) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Notifier is told about quarantined artifacts when NotifyOnInfection is set.
type Notifier = quarantine.Notifier

// Mirror replicates quarantine pairs to secondary storage.
type Mirror = quarantine.Mirror

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithScanner replaces the clamd client built from the configuration.
func WithScanner(s Scanner) Option {
	return func(g *Gateway) { g.scanner = s }
}

// WithCache replaces the in-memory LRU cache.
func WithCache(c Cache) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithNotifier sets the infection notifier. It is only used when
// NotifyOnInfection is enabled.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithMirror replicates quarantined artifacts through m.
func WithMirror(m Mirror) Option {
	return func(g *Gateway) { g.mirror = m }
}

// WithMetrics records scan, cache and quarantine metrics.
func WithMetrics(r *metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRetryDelay sets the pause between availability probes when
// ConnectionRetries is positive.
func WithRetryDelay(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.retryDelay = d
		}
	}
}
