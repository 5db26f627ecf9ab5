// Package quarantine persists infected artifacts next to a JSON metadata sidecar.
//
// Each quarantine writes a pair into the quarantine directory:
//
//	<epoch-ms>_<base>        opaque copy of the original bytes
//	<epoch-ms>_<base>.json   clamav.QuarantineRecord
//
// Copy, sidecar write and removal of the original are not transactional. A
// crash between the copy and the removal leaves both files in place, so the
// guarantee is at-least-once.
package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// SidecarSuffix is appended to an artifact name to form its metadata file name.
const SidecarSuffix = ".json"

// Store manages the quarantine directory. It is safe for concurrent use;
// quarantines of the same original are serialized.
type Store struct {
	dir            string
	removeOriginal bool
	notifier       Notifier
	mirror         Mirror
	logger         *slog.Logger
	now            func() time.Time
	locks          keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithRemoveOriginal deletes the original file after it has been copied.
func WithRemoveOriginal(remove bool) Option {
	return func(s *Store) { s.removeOriginal = remove }
}

// WithNotifier enables infection notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithMirror replicates every pair through m.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the logger used for side-effect failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store rooted at dir. The directory is created lazily.
func New(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, clamav.NewValidationError("quarantine directory is required", nil)
	}
	s := &Store{
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the quarantine directory.
func (s *Store) Dir() string { return s.dir }

// QuarantineFile copies the file at path into quarantine and, if configured,
// removes the original. Failing to remove the original is logged only.
func (s *Store) QuarantineFile(ctx context.Context, path string, result clamav.ScanResult) (*clamav.QuarantineRecord, error) {
	unlock := s.locks.Lock(path)
	defer unlock()

	src, err := os.Open(path)
	if err != nil {
		return nil, clamav.NewQuarantineError("failed to open infected file: "+path, err)
	}
	defer src.Close()

	record, err := s.store(ctx, path, result, src)
	if err != nil {
		return nil, err
	}

	if s.removeOriginal {
		_ = src.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("failed to remove infected original",
				"path", path, "quarantine", record.Name, "error", err)
		}
	}

	s.afterStore(ctx, record)
	return record, nil
}

// QuarantineBytes stores an in-memory payload under its logical name.
func (s *Store) QuarantineBytes(ctx context.Context, data []byte, name string, result clamav.ScanResult) (*clamav.QuarantineRecord, error) {
	unlock := s.locks.Lock("buffer:" + name)
	defer unlock()

	record, err := s.store(ctx, name, result, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	s.afterStore(ctx, record)
	return record, nil
}

func (s *Store) store(_ context.Context, originalPath string, result clamav.ScanResult, src io.Reader) (*clamav.QuarantineRecord, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, clamav.NewQuarantineError("failed to create quarantine directory", err)
	}

	now := s.now()
	dst, name, err := s.createArtifact(now, originalPath)
	if err != nil {
		return nil, clamav.NewQuarantineError("failed to create quarantine artifact", err)
	}
	artifactPath := filepath.Join(s.dir, name)

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(artifactPath)
		return nil, clamav.NewQuarantineError("failed to copy infected content", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(artifactPath)
		return nil, clamav.NewQuarantineError("failed to copy infected content", err)
	}

	record := &clamav.QuarantineRecord{
		ID:            uuid.NewString(),
		Name:          name,
		OriginalPath:  originalPath,
		ScanResult:    result,
		QuarantinedAt: now.UTC(),
	}
	sidecar, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		_ = os.Remove(artifactPath)
		return nil, clamav.NewQuarantineError("failed to encode quarantine metadata", err)
	}
	if err := os.WriteFile(artifactPath+SidecarSuffix, sidecar, 0o600); err != nil {
		_ = os.Remove(artifactPath)
		return nil, clamav.NewQuarantineError("failed to write quarantine metadata", err)
	}

	return record, nil
}

// afterStore runs the optional mirror and notifier. Their failures never
// undo the quarantine.
func (s *Store) afterStore(ctx context.Context, record *clamav.QuarantineRecord) {
	if s.mirror != nil {
		sidecar, _ := json.MarshalIndent(record, "", "  ")
		if err := s.mirror.Put(ctx, record.Name, filepath.Join(s.dir, record.Name), sidecar); err != nil {
			s.logger.Error("failed to mirror quarantined artifact", "quarantine", record.Name, "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyInfection(ctx, *record); err != nil {
			s.logger.Error("infection notification failed", "quarantine", record.Name, "error", err)
		}
	}
}

// createArtifact opens a new artifact file named after now and the original's
// base name. A collision within the same millisecond gets a random infix.
func (s *Store) createArtifact(now time.Time, originalPath string) (*os.File, string, error) {
	base := filepath.Base(originalPath)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "unnamed"
	}
	ms := now.UnixMilli()

	name := fmt.Sprintf("%d_%s", ms, base)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		name = fmt.Sprintf("%d_%s_%s", ms, uuid.NewString()[:8], base)
		f, err = os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}

// List returns the quarantined artifact names, sidecars excluded, sorted.
// A missing directory is an empty quarantine.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			present[e.Name()] = struct{}{}
		}
	}

	names := make([]string, 0, len(entries)/2)
	for name := range present {
		if strings.HasSuffix(name, SidecarSuffix) {
			if _, ok := present[strings.TrimSuffix(name, SidecarSuffix)]; ok {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Metadata reads the sidecar for name. It returns nil, nil when there is none.
func (s *Store) Metadata(name string) (*clamav.QuarantineRecord, error) {
	if !validName(name) {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name+SidecarSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record clamav.QuarantineRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode quarantine metadata %s: %w", name, err)
	}
	return &record, nil
}

// Delete removes the artifact and its sidecar. It reports whether either existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if !validName(name) {
		return false, nil
	}
	existed := false
	for _, p := range []string{filepath.Join(s.dir, name), filepath.Join(s.dir, name+SidecarSuffix)} {
		err := os.Remove(p)
		switch {
		case err == nil:
			existed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return existed, err
		}
	}

	if existed && s.mirror != nil {
		if err := s.mirror.Delete(ctx, name); err != nil {
			s.logger.Error("failed to delete mirrored artifact", "quarantine", name, "error", err)
		}
	}
	return existed, nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && name == filepath.Base(name)
}
