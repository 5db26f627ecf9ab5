// Package adminhttp exposes the gateway's administrative and scan operations
// over HTTP.
package adminhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/gateway"
)

const defaultMultipartMemory = 32 << 20

// Service is the gateway surface served over HTTP. *gateway.Gateway implements it.
type Service interface {
	IsAvailable(ctx context.Context) bool
	ScanBuffer(ctx context.Context, data []byte, name string) clamav.ScanResult
	ServiceInfo(ctx context.Context) gateway.ServiceInfo
	Statistics(ctx context.Context) gateway.Statistics
	ClearCache(ctx context.Context) error
	ListQuarantinedFiles(ctx context.Context) ([]string, error)
	QuarantineMetadata(ctx context.Context, name string) (*clamav.QuarantineRecord, error)
	DeleteQuarantinedFile(ctx context.Context, name string) (bool, error)
}

// Options configures the router.
type Options struct {
	// ServiceName names the otelhttp server spans.
	ServiceName string
	Logger      *slog.Logger
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// MaxUploadBytes caps request bodies on the scan endpoint. Zero means no cap.
	MaxUploadBytes int64
}

type handler struct {
	svc       Service
	logger    *slog.Logger
	maxUpload int64
}

// Router builds the HTTP handler with health, readiness, metrics and API routes.
func Router(svc Service, opts Options) http.Handler {
	h := &handler{svc: svc, logger: opts.Logger, maxUpload: opts.MaxUploadBytes}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	name := opts.ServiceName
	if name == "" {
		name = "clamav-gateway"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.info)
		r.Get("/stats", h.stats)
		r.Delete("/cache", h.clearCache)
		r.Post("/scan", h.scan)
		r.Get("/quarantine", h.listQuarantine)
		r.Get("/quarantine/{name}", h.getQuarantine)
		r.Delete("/quarantine/{name}", h.deleteQuarantine)
	})

	return otelhttp.NewHandler(r, name)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		h.logger.Info("http request", attrs...)
	})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if !h.svc.ServiceInfo(r.Context()).Enabled {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scanning disabled"))
		return
	}
	if !h.svc.IsAvailable(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("clamd unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.ServiceInfo(r.Context()))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Statistics(r.Context()))
}

func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) scan(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		if r.ContentLength > h.maxUpload {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", h.maxUpload))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("multipart field \"file\" is required: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	result := h.svc.ScanBuffer(r.Context(), data, header.Filename)
	respondJSON(w, scanStatusCode(result.Status), result)
}

func scanStatusCode(status clamav.Status) int {
	switch status {
	case clamav.StatusInfected:
		return http.StatusNotAcceptable
	case clamav.StatusTooLarge:
		return http.StatusRequestEntityTooLarge
	case clamav.StatusError:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func (h *handler) listQuarantine(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListQuarantinedFiles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": names})
}

func (h *handler) getQuarantine(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	record, err := h.svc.QuarantineMetadata(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("quarantined file %q not found", name))
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *handler) deleteQuarantine(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existed, err := h.svc.DeleteQuarantinedFile(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, fmt.Errorf("quarantined file %q not found", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
