// Package metrics exposes Prometheus collectors for the scanning gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

const namespace = "clamav_gateway"

// Scan sources.
const (
	SourceFile   = "file"
	SourceBuffer = "buffer"
)

// Recorder groups the gateway collectors. A nil *Recorder records nothing.
type Recorder struct {
	scans        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	quarantines  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan requests by final status and source.",
		}, []string{"status", "source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of scan requests.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"result"}),
		quarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quarantine_total",
			Help:      "Quarantine attempts by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(r.scans, r.duration, r.cacheLookups, r.quarantines)
	}
	return r
}

// ObserveScan records one finished scan.
func (r *Recorder) ObserveScan(source string, status clamav.Status, d time.Duration) {
	if r == nil {
		return
	}
	r.scans.WithLabelValues(string(status), source).Inc()
	r.duration.WithLabelValues(source).Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	r.cacheLookups.WithLabelValues("miss").Inc()
}

// Quarantine records a quarantine attempt.
func (r *Recorder) Quarantine(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.quarantines.WithLabelValues("ok").Inc()
		return
	}
	r.quarantines.WithLabelValues("failed").Inc()
}
