package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memIndex is an in-memory Index for tests.
type memIndex struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]*Entry)}
}

func (m *memIndex) PutEntry(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.Fingerprint] = &cp
	return nil
}

func (m *memIndex) GetEntry(_ context.Context, fp string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memIndex) TouchEntry(_ context.Context, fp string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[fp]; ok {
		e.LastUsedAt = usedAt
	}
	return nil
}

func (m *memIndex) DeleteEntry(_ context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fp)
	return nil
}

func (m *memIndex) ListEntries(_ context.Context) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func writeArtifact(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o755); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	return path
}

func TestGetOrBuildSingleFlight(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: filepath.Join(dir, "cache")}, newMemIndex())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	var builds int32
	artifact := writeArtifact(t, dir, "runner", []byte("binary-bytes"))
	build := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(20 * time.Millisecond)
		return artifact, nil
	}

	const n = 10
	var wg sync.WaitGroup
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.GetOrBuild(context.Background(), "fp-1", "linux/amd64/gnu", build)
			if err != nil {
				t.Errorf("GetOrBuild failed: %v", err)
				return
			}
			entries[i] = e
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&builds); got != 1 {
		t.Fatalf("Expected exactly 1 build for concurrent requests, got: %d", got)
	}
	for i := 1; i < n; i++ {
		if entries[i] == nil || entries[i].Checksum != entries[0].Checksum {
			t.Fatal("Expected all callers to receive the same artifact")
		}
	}
}

func TestGetOrBuildCacheHit(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: filepath.Join(dir, "cache")}, newMemIndex())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	var builds int32
	artifact := writeArtifact(t, dir, "runner", []byte("binary-bytes"))
	build := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&builds, 1)
		return artifact, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := c.GetOrBuild(context.Background(), "fp-1", "", build); err != nil {
			t.Fatalf("GetOrBuild failed: %v", err)
		}
	}
	if builds != 1 {
		t.Fatalf("Expected 1 build across repeated lookups, got: %d", builds)
	}
}

func TestLookupPurgesCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	idx := newMemIndex()
	c, err := New(Config{Dir: filepath.Join(dir, "cache")}, idx)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	artifact := writeArtifact(t, dir, "runner", []byte("original"))
	entry, err := c.GetOrBuild(context.Background(), "fp-1", "", func(ctx context.Context) (string, error) {
		return artifact, nil
	})
	if err != nil {
		t.Fatalf("GetOrBuild failed: %v", err)
	}

	// Corrupt the stored binary behind the index's back.
	if err := os.WriteFile(entry.Path, []byte("tampered"), 0o755); err != nil {
		t.Fatalf("Failed to corrupt artifact: %v", err)
	}

	got, err := c.Lookup(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != nil {
		t.Fatal("Expected corrupt entry to be reported as a miss")
	}
	if e, _ := idx.GetEntry(context.Background(), "fp-1"); e != nil {
		t.Fatal("Expected corrupt entry to be purged from the index")
	}

	// The next build repopulates the entry.
	var rebuilds int32
	if _, err := c.GetOrBuild(context.Background(), "fp-1", "", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&rebuilds, 1)
		return artifact, nil
	}); err != nil {
		t.Fatalf("Rebuild after corruption failed: %v", err)
	}
	if rebuilds != 1 {
		t.Fatalf("Expected 1 rebuild after corruption, got: %d", rebuilds)
	}
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	idx := newMemIndex()
	c, err := New(Config{Dir: filepath.Join(dir, "cache"), MaxBytes: 25}, idx)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	for i, fp := range []string{"fp-old", "fp-mid", "fp-new"} {
		artifact := writeArtifact(t, dir, fp, []byte("0123456789")) // 10 bytes each
		if _, err := c.GetOrBuild(context.Background(), fp, "", func(ctx context.Context) (string, error) {
			return artifact, nil
		}); err != nil {
			t.Fatalf("GetOrBuild %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct last-used times
	}

	if e, _ := idx.GetEntry(context.Background(), "fp-old"); e != nil {
		t.Fatal("Expected oldest entry to be evicted")
	}
	if e, _ := idx.GetEntry(context.Background(), "fp-new"); e == nil {
		t.Fatal("Expected newest entry to survive eviction")
	}
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: filepath.Join(dir, "cache")}, newMemIndex())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	artifact := writeArtifact(t, dir, "runner", []byte("bytes"))
	entry, err := c.GetOrBuild(context.Background(), "fp-1", "", func(ctx context.Context) (string, error) {
		return artifact, nil
	})
	if err != nil {
		t.Fatalf("GetOrBuild failed: %v", err)
	}

	if err := c.Invalidate(context.Background(), "fp-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Fatal("Expected cached binary to be removed")
	}
	got, err := c.Lookup(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != nil {
		t.Fatal("Expected invalidated entry to be a miss")
	}
}
