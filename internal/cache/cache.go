// Package cache stores recent scan verdicts keyed by content hash.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// DefaultTTL is how long a verdict stays valid.
const DefaultTTL = time.Hour

// ResultCache is a content-hash keyed store of scan verdicts.
// Lookup returns nil for missing or expired entries. Expired entries are
// never swept; they are overwritten by the next Store for the same hash.
type ResultCache interface {
	Lookup(ctx context.Context, hash string) (*clamav.ScanResult, error)
	Store(ctx context.Context, hash string, result clamav.ScanResult) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Entry is a cached verdict and the time it was produced.
type Entry struct {
	Result    clamav.ScanResult `json:"result"`
	ScannedAt time.Time         `json:"scannedAt"`
}

// Valid reports whether the entry is still inside the ttl window at now.
func (e Entry) Valid(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.ScannedAt) < ttl
}

// HashFile streams the file at path through SHA-256 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the hex SHA-256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
