package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, capacity int, clock *fakeClock) *MemoryCache {
	t.Helper()
	c, err := NewMemoryCache(capacity, time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	return c
}

func TestMemoryCacheLookup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, 10, clock)

	if got, _ := c.Lookup(ctx, "missing"); got != nil {
		t.Fatalf("expected miss, got %+v", got)
	}

	stored := clamav.ScanResult{Status: clamav.StatusInfected, VirusName: "Eicar", Subject: "/a", ScannedAt: clock.Now()}
	if err := c.Store(ctx, "h1", stored); err != nil {
		t.Fatalf("Store: %v", err)
	}

	t.Run("fresh entry hits", func(t *testing.T) {
		clock.Advance(59 * time.Minute)
		got, err := c.Lookup(ctx, "h1")
		if err != nil || got == nil {
			t.Fatalf("expected hit, got %v, %v", got, err)
		}
		if *got != stored {
			t.Errorf("got %+v, want %+v", *got, stored)
		}
	})

	t.Run("stale entry misses but is not evicted", func(t *testing.T) {
		clock.Advance(time.Minute)
		if got, _ := c.Lookup(ctx, "h1"); got != nil {
			t.Fatalf("expected stale miss, got %+v", got)
		}
		if n, _ := c.Size(ctx); n != 1 {
			t.Errorf("Size = %d, want 1", n)
		}
	})

	t.Run("store overwrites stale entry", func(t *testing.T) {
		fresh := clamav.ScanResult{Status: clamav.StatusClean, Subject: "/a", ScannedAt: clock.Now()}
		_ = c.Store(ctx, "h1", fresh)
		got, _ := c.Lookup(ctx, "h1")
		if got == nil || got.Status != clamav.StatusClean {
			t.Fatalf("expected fresh clean entry, got %+v", got)
		}
		if n, _ := c.Size(ctx); n != 1 {
			t.Errorf("Size = %d, want 1", n)
		}
	})
}

func TestMemoryCacheLookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(t, 10, clock)
	_ = c.Store(ctx, "h", clamav.ScanResult{Status: clamav.StatusClean, ScannedAt: clock.Now()})

	got, _ := c.Lookup(ctx, "h")
	got.Status = clamav.StatusError

	again, _ := c.Lookup(ctx, "h")
	if again.Status != clamav.StatusClean {
		t.Error("mutating a lookup result must not change the cache")
	}
}

func TestMemoryCacheCapacity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(t, 2, clock)

	for _, h := range []string{"a", "b", "c"} {
		_ = c.Store(ctx, h, clamav.ScanResult{Status: clamav.StatusClean, ScannedAt: clock.Now()})
	}
	if n, _ := c.Size(ctx); n != 2 {
		t.Fatalf("Size = %d, want 2", n)
	}
	if got, _ := c.Lookup(ctx, "a"); got != nil {
		t.Error("least recently used entry should have been evicted")
	}
}

func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(t, 10, clock)
	_ = c.Store(ctx, "a", clamav.ScanResult{Status: clamav.StatusClean, ScannedAt: clock.Now()})

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := c.Size(ctx); n != 0 {
		t.Errorf("Size = %d, want 0", n)
	}
}

func TestNewMemoryCacheDefaults(t *testing.T) {
	c, err := NewMemoryCache(0, 0)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}

	fromReader, _ := HashReader(strings.NewReader("hello"))
	if fromReader != want {
		t.Errorf("HashReader = %s, want %s", fromReader, want)
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
