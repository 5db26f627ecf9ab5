package clamav

import "time"

// Status is the outcome of a scan attempt.
type Status string

const (
	StatusClean    Status = "CLEAN"
	StatusInfected Status = "INFECTED"
	StatusError    Status = "ERROR"
	StatusSkipped  Status = "SKIPPED"
	StatusTooLarge Status = "TOO_LARGE"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusClean, StatusInfected, StatusError, StatusSkipped, StatusTooLarge:
		return true
	}
	return false
}

// ScanResult represents the result of a virus scan.
// VirusName is set if and only if Status is StatusInfected.
type ScanResult struct {
	// Status is the verdict.
	Status Status `json:"status"`
	// VirusName is the signature reported by the daemon for infected content.
	VirusName string `json:"virusName,omitempty"`
	// Subject is the scanned path or the logical name of a scanned buffer.
	Subject string `json:"subject"`
	// SizeBytes is the size of the scanned content.
	SizeBytes int64 `json:"sizeBytes"`
	// ScannedAt is when the scan started.
	ScannedAt time.Time `json:"scannedAt"`
	// DurationMs is the wall time spent producing the result.
	DurationMs int64 `json:"durationMs"`
	// ErrorDetail explains ERROR results and policy-driven outcomes.
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// IsInfected returns true if the scan found a virus.
func (r *ScanResult) IsInfected() bool {
	return r.Status == StatusInfected
}

// IsClean returns true if the content was scanned and found clean.
func (r *ScanResult) IsClean() bool {
	return r.Status == StatusClean
}

// Allowed reports whether the scanned content may be accepted by an upload
// pipeline. Clean and skipped content is allowed, everything else is not.
func (r *ScanResult) Allowed() bool {
	return r.Status == StatusClean || r.Status == StatusSkipped
}

// QuarantineRecord is the metadata sidecar written next to a quarantined artifact.
type QuarantineRecord struct {
	// ID uniquely identifies the quarantine event.
	ID string `json:"id"`
	// Name is the artifact file name inside the quarantine directory.
	Name string `json:"name"`
	// OriginalPath is the path (or buffer name) the artifact was taken from.
	OriginalPath string `json:"originalPath"`
	// ScanResult is the verdict that triggered quarantine.
	ScanResult ScanResult `json:"scanResult"`
	// QuarantinedAt is when the artifact was copied into quarantine.
	QuarantinedAt time.Time `json:"quarantinedAt"`
}
