package gateway

import (
	"context"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// PolicySnapshot is the policy-relevant part of the configuration.
type PolicySnapshot struct {
	MaxFileSize      int64    `json:"maxFileSize"`
	ScanOnUpload     bool     `json:"scanOnUpload"`
	RemoveInfected   bool     `json:"removeInfected"`
	FallbackBehavior Fallback `json:"fallbackBehavior"`
}

// ServiceInfo describes the gateway for administrative reporting.
type ServiceInfo struct {
	Enabled              bool           `json:"enabled"`
	Mode                 Mode           `json:"mode"`
	ConnectionDescriptor string         `json:"connectionDescriptor"`
	CacheSize            int            `json:"cacheSize"`
	Config               PolicySnapshot `json:"config"`
}

// Statistics is the cache size together with the policy snapshot.
type Statistics struct {
	CacheSize int            `json:"cacheSize"`
	Config    PolicySnapshot `json:"config"`
}

// ServiceInfo returns a read-only snapshot of the gateway.
func (g *Gateway) ServiceInfo(ctx context.Context) ServiceInfo {
	return ServiceInfo{
		Enabled:              !g.cfg.Disabled(),
		Mode:                 g.cfg.Mode,
		ConnectionDescriptor: g.cfg.ConnectionDescriptor(),
		CacheSize:            g.cacheSize(ctx),
		Config:               g.policy(),
	}
}

// Statistics returns the cache size and policy snapshot.
func (g *Gateway) Statistics(ctx context.Context) Statistics {
	return Statistics{
		CacheSize: g.cacheSize(ctx),
		Config:    g.policy(),
	}
}

// ClearCache empties the result cache.
func (g *Gateway) ClearCache(ctx context.Context) error {
	if err := g.cache.Clear(ctx); err != nil {
		return clamav.NewServiceError("failed to clear result cache", err)
	}
	g.logger.Info("result cache cleared")
	return nil
}

// ListQuarantinedFiles returns the names of quarantined artifacts.
func (g *Gateway) ListQuarantinedFiles(context.Context) ([]string, error) {
	names, err := g.store.List()
	if err != nil {
		return nil, clamav.NewQuarantineError("failed to list quarantine", err)
	}
	return names, nil
}

// QuarantineMetadata returns the record for name, or nil if there is none.
func (g *Gateway) QuarantineMetadata(_ context.Context, name string) (*clamav.QuarantineRecord, error) {
	record, err := g.store.Metadata(name)
	if err != nil {
		return nil, clamav.NewQuarantineError("failed to read quarantine metadata", err)
	}
	return record, nil
}

// DeleteQuarantinedFile removes an artifact and its metadata. It reports
// whether anything existed.
func (g *Gateway) DeleteQuarantinedFile(ctx context.Context, name string) (bool, error) {
	existed, err := g.store.Delete(ctx, name)
	if err != nil {
		return existed, clamav.NewQuarantineError("failed to delete quarantined file", err)
	}
	if existed {
		g.logger.Info("quarantined file deleted", "quarantine", name)
	}
	return existed, nil
}

func (g *Gateway) cacheSize(ctx context.Context) int {
	n, err := g.cache.Size(ctx)
	if err != nil {
		g.logger.Warn("failed to read cache size", "error", err)
		return 0
	}
	return n
}

func (g *Gateway) policy() PolicySnapshot {
	return PolicySnapshot{
		MaxFileSize:      g.cfg.MaxFileSize,
		ScanOnUpload:     g.cfg.ScanOnUpload,
		RemoveInfected:   g.cfg.RemoveInfected,
		FallbackBehavior: g.cfg.FallbackBehavior,
	}
}
