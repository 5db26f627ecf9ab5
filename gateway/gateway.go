package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/clamd"
	"github.com/DevHatRo/clamav-gateway-go/internal/cache"
	"github.com/DevHatRo/clamav-gateway-go/internal/metrics"
	"github.com/DevHatRo/clamav-gateway-go/internal/quarantine"
)

const tracerName = "github.com/DevHatRo/clamav-gateway-go/gateway"

var errUnavailable = errors.New("clamd unavailable")

// Gateway applies the scanning policy. It is safe for concurrent use.
type Gateway struct {
	cfg        Config
	scanner    Scanner
	cache      Cache
	store      *quarantine.Store
	notifier   Notifier
	mirror     Mirror
	metrics    *metrics.Recorder
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	retryDelay time.Duration
}

// New creates a Gateway from cfg. Unless replaced by options, it dials clamd
// at cfg.Endpoint() and caches verdicts in a bounded in-memory LRU.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.scanner == nil && !cfg.Disabled() {
		network, address := cfg.Endpoint()
		client, err := clamd.NewClient(network, address, clamd.WithTimeout(cfg.Timeout))
		if err != nil {
			return nil, err
		}
		g.scanner = client
	}

	if g.cache == nil {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = cache.DefaultTTL
		}
		c, err := cache.NewMemoryCache(cfg.CacheCapacity, ttl, cache.WithClock(g.now))
		if err != nil {
			return nil, err
		}
		g.cache = c
	}

	storeOpts := []quarantine.Option{
		quarantine.WithRemoveOriginal(cfg.RemoveInfected),
		quarantine.WithLogger(g.logger),
		quarantine.WithClock(g.now),
	}
	if cfg.NotifyOnInfection {
		n := g.notifier
		if n == nil {
			n = quarantine.NopNotifier{}
		}
		storeOpts = append(storeOpts, quarantine.WithNotifier(n))
	}
	if g.mirror != nil {
		storeOpts = append(storeOpts, quarantine.WithMirror(g.mirror))
	}
	quarantinePath := cfg.QuarantinePath
	if quarantinePath == "" {
		quarantinePath = DefaultQuarantineDir
	}
	store, err := quarantine.New(quarantinePath, storeOpts...)
	if err != nil {
		return nil, err
	}
	g.store = store

	return g, nil
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config { return g.cfg }

// ScanOnUpload reports whether upload pipelines should scan every upload.
func (g *Gateway) ScanOnUpload() bool {
	return g.cfg.ScanOnUpload && !g.cfg.Disabled()
}

// IsAvailable probes the daemon once. A disabled gateway is never available.
func (g *Gateway) IsAvailable(ctx context.Context) bool {
	if g.cfg.Disabled() {
		return false
	}
	return g.scanner.IsAvailable(ctx)
}

// ScanFile scans the file at path. It never fails: every outcome is a status.
// A cached verdict for identical content is returned verbatim and does not
// trigger quarantine again.
func (g *Gateway) ScanFile(ctx context.Context, path string) (result clamav.ScanResult) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway.ScanFile",
		trace.WithAttributes(attribute.String("clamav.subject", path)))

	final := false
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic during file scan", "path", path, "panic", r)
			result = g.errorResult(path, 0, start, fmt.Sprintf("internal error: %v", r))
			final = false
		}
		if !final {
			result.DurationMs = g.elapsed(start)
		}
		g.finish(span, metrics.SourceFile, result)
	}()

	result, final = g.scanFile(ctx, path, start)
	return result
}

// scanFile reports final when the result already carries its duration, which
// is the case for cache hits and daemon verdicts. Daemon verdicts are stamped
// before they are cached and quarantined so all three copies agree.
func (g *Gateway) scanFile(ctx context.Context, path string, start time.Time) (clamav.ScanResult, bool) {
	if g.cfg.Disabled() {
		return g.skipped(path, 0, start, "virus scanning is disabled"), false
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return g.errorResult(path, 0, start, "file not found: "+path), false
	}
	if err != nil {
		return g.errorResult(path, 0, start, "failed to stat file: "+err.Error()), false
	}
	if !info.Mode().IsRegular() {
		return g.errorResult(path, 0, start, "not a regular file: "+path), false
	}
	size := info.Size()

	if g.tooLarge(size) {
		return g.tooLargeResult(path, size, start), false
	}

	hash, err := cache.HashFile(path)
	if err != nil {
		return g.errorResult(path, size, start, "failed to hash file: "+err.Error()), false
	}
	if hit := g.lookup(ctx, hash); hit != nil {
		return *hit, true
	}

	if !g.available(ctx) {
		return g.fallback(path, size, start), false
	}

	verdict, err := g.scanFileContent(ctx, path)
	if err != nil {
		return g.errorResult(path, size, start, err.Error()), false
	}

	result := g.resultFromVerdict(path, size, start, verdict)
	result.DurationMs = g.elapsed(start)
	if result.Status == clamav.StatusClean || result.Status == clamav.StatusInfected {
		if err := g.cache.Store(ctx, hash, result); err != nil {
			g.logger.Warn("failed to cache scan result", "path", path, "error", err)
		}
	}

	if result.IsInfected() {
		record, err := g.store.QuarantineFile(ctx, path, result)
		g.recordQuarantine(path, record, err)
	}
	return result, true
}

func (g *Gateway) scanFileContent(ctx context.Context, path string) (clamd.Verdict, error) {
	if g.cfg.Transfer() == TransferStream {
		f, err := os.Open(path)
		if err != nil {
			return clamd.Verdict{}, clamav.NewValidationError("failed to open file", err)
		}
		defer f.Close()
		return g.scanner.ScanStream(ctx, f)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return clamd.Verdict{}, clamav.NewValidationError("failed to resolve path", err)
	}
	return g.scanner.ScanPath(ctx, abs)
}

// ScanBuffer scans an in-memory payload. name is the logical file name used
// for the result subject and the quarantine artifact. Buffers are never cached.
func (g *Gateway) ScanBuffer(ctx context.Context, data []byte, name string) (result clamav.ScanResult) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway.ScanBuffer",
		trace.WithAttributes(attribute.String("clamav.subject", name), attribute.Int("clamav.size", len(data))))

	final := false
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic during buffer scan", "name", name, "panic", r)
			result = g.errorResult(name, int64(len(data)), start, fmt.Sprintf("internal error: %v", r))
			final = false
		}
		if !final {
			result.DurationMs = g.elapsed(start)
		}
		g.finish(span, metrics.SourceBuffer, result)
	}()

	result, final = g.scanBuffer(ctx, data, name, start)
	return result
}

func (g *Gateway) scanBuffer(ctx context.Context, data []byte, name string, start time.Time) (clamav.ScanResult, bool) {
	size := int64(len(data))
	if g.cfg.Disabled() {
		return g.skipped(name, size, start, "virus scanning is disabled"), false
	}
	if data == nil {
		return g.errorResult(name, 0, start, "no content provided"), false
	}
	if g.tooLarge(size) {
		return g.tooLargeResult(name, size, start), false
	}
	if !g.available(ctx) {
		return g.fallback(name, size, start), false
	}

	verdict, err := g.scanner.ScanStream(ctx, bytes.NewReader(data))
	if err != nil {
		return g.errorResult(name, size, start, err.Error()), false
	}

	result := g.resultFromVerdict(name, size, start, verdict)
	if result.IsInfected() {
		result.DurationMs = g.elapsed(start)
		record, err := g.store.QuarantineBytes(ctx, data, name, result)
		g.recordQuarantine(name, record, err)
		return result, true
	}
	return result, false
}

// available probes the daemon, retrying ConnectionRetries times with a
// constant delay.
func (g *Gateway) available(ctx context.Context) bool {
	if g.cfg.ConnectionRetries <= 0 {
		return g.scanner.IsAvailable(ctx)
	}
	backoff := retry.WithMaxRetries(uint64(g.cfg.ConnectionRetries), retry.NewConstant(g.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if g.scanner.IsAvailable(ctx) {
			return nil
		}
		return retry.RetryableError(errUnavailable)
	})
	return err == nil
}

func (g *Gateway) lookup(ctx context.Context, hash string) *clamav.ScanResult {
	hit, err := g.cache.Lookup(ctx, hash)
	if err != nil {
		g.logger.Warn("cache lookup failed", "hash", hash, "error", err)
		hit = nil
	}
	g.metrics.CacheLookup(hit != nil)
	if hit != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("clamav.cached", true))
	}
	return hit
}

func (g *Gateway) elapsed(start time.Time) int64 {
	return g.now().Sub(start).Milliseconds()
}

func (g *Gateway) resultFromVerdict(subject string, size int64, start time.Time, v clamd.Verdict) clamav.ScanResult {
	switch v.Kind {
	case clamd.VerdictInfected:
		name := v.VirusName
		if name == "" {
			name = "Unknown"
		}
		return clamav.ScanResult{
			Status:    clamav.StatusInfected,
			VirusName: name,
			Subject:   subject,
			SizeBytes: size,
			ScannedAt: start.UTC(),
		}
	case clamd.VerdictError:
		return g.errorResult(subject, size, start, v.Raw)
	case clamd.VerdictUnrecognized:
		if g.cfg.StrictResponses {
			err := v.Err()
			g.logger.Error("rejecting unrecognized clamd response", "subject", subject, "error", err)
			return g.errorResult(subject, size, start, err.Error())
		}
		g.logger.Warn("unrecognized clamd response treated as clean", "subject", subject, "response", v.Raw)
	}
	return clamav.ScanResult{
		Status:    clamav.StatusClean,
		Subject:   subject,
		SizeBytes: size,
		ScannedAt: start.UTC(),
	}
}

func (g *Gateway) fallback(subject string, size int64, start time.Time) clamav.ScanResult {
	descriptor := g.cfg.ConnectionDescriptor()
	if g.cfg.FallbackBehavior == FallbackAllow {
		g.logger.Warn("clamd unavailable, allowing content", "subject", subject, "clamd", descriptor)
		return g.skipped(subject, size, start,
			fmt.Sprintf("clamd unavailable at %s; fallback policy allows unscanned content", descriptor))
	}
	g.logger.Warn("clamd unavailable, rejecting content", "subject", subject, "clamd", descriptor)
	return g.errorResult(subject, size, start,
		fmt.Sprintf("clamd unavailable at %s; fallback policy rejects unscanned content", descriptor))
}

func (g *Gateway) tooLarge(size int64) bool {
	return g.cfg.MaxFileSize > 0 && size > g.cfg.MaxFileSize
}

func (g *Gateway) tooLargeResult(subject string, size int64, start time.Time) clamav.ScanResult {
	return clamav.ScanResult{
		Status:      clamav.StatusTooLarge,
		Subject:     subject,
		SizeBytes:   size,
		ScannedAt:   start.UTC(),
		ErrorDetail: fmt.Sprintf("size %d exceeds the %d byte limit", size, g.cfg.MaxFileSize),
	}
}

func (g *Gateway) skipped(subject string, size int64, start time.Time, detail string) clamav.ScanResult {
	return clamav.ScanResult{
		Status:      clamav.StatusSkipped,
		Subject:     subject,
		SizeBytes:   size,
		ScannedAt:   start.UTC(),
		ErrorDetail: detail,
	}
}

func (g *Gateway) errorResult(subject string, size int64, start time.Time, detail string) clamav.ScanResult {
	return clamav.ScanResult{
		Status:      clamav.StatusError,
		Subject:     subject,
		SizeBytes:   size,
		ScannedAt:   start.UTC(),
		ErrorDetail: detail,
	}
}

func (g *Gateway) recordQuarantine(subject string, record *clamav.QuarantineRecord, err error) {
	g.metrics.Quarantine(err == nil)
	if err != nil {
		g.logger.Error("quarantine failed, infected verdict stands", "subject", subject, "error", err)
		return
	}
	g.logger.Warn("infected content quarantined",
		"subject", subject, "quarantine", record.Name, "virus", record.ScanResult.VirusName)
}

func (g *Gateway) finish(span trace.Span, source string, result clamav.ScanResult) {
	defer span.End()

	span.SetAttributes(attribute.String("clamav.status", string(result.Status)))
	if result.VirusName != "" {
		span.SetAttributes(attribute.String("clamav.virus", result.VirusName))
	}
	if result.Status == clamav.StatusError {
		span.SetStatus(codes.Error, result.ErrorDetail)
	}

	g.metrics.ObserveScan(source, result.Status, time.Duration(result.DurationMs)*time.Millisecond)
	g.logger.Debug("scan finished",
		"source", source,
		"subject", result.Subject,
		"status", result.Status,
		"duration_ms", result.DurationMs)
}
