// Package cache stores compiled runner binaries keyed by content
// fingerprint so identical compilation inputs never build twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/errdefs"
)

// Entry describes one cached binary.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	Triple      string    `json:"triple"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Index persists cache metadata across runs.
type Index interface {
	// PutEntry inserts or replaces an entry.
	PutEntry(ctx context.Context, e *Entry) error
	// GetEntry returns the entry for a fingerprint, or nil when absent.
	GetEntry(ctx context.Context, fingerprint string) (*Entry, error)
	// TouchEntry updates an entry's last-used time.
	TouchEntry(ctx context.Context, fingerprint string, usedAt time.Time) error
	// DeleteEntry removes an entry.
	DeleteEntry(ctx context.Context, fingerprint string) error
	// ListEntries returns all entries ordered by last-used time, oldest
	// first.
	ListEntries(ctx context.Context) ([]*Entry, error)
}

// BuildFunc produces a binary for a fingerprint and returns the path of the
// built artifact. The cache copies the artifact into its own storage.
type BuildFunc func(ctx context.Context) (string, error)

// flight tracks one in-progress build so concurrent requests for the same
// fingerprint share its result.
type flight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is a size-bounded, fingerprint-keyed binary store with a
// single-flight build registry.
type Cache struct {
	dir      string
	index    Index
	maxBytes int64

	mu       sync.Mutex
	inflight map[string]*flight
}

// Config controls cache behavior.
type Config struct {
	// Dir is the directory cached binaries live in.
	Dir string
	// MaxBytes bounds total artifact size; 0 disables eviction.
	MaxBytes int64
}

// New opens a cache over the given directory and index.
func New(cfg Config, index Index) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		dir:      cfg.Dir,
		index:    index,
		maxBytes: cfg.MaxBytes,
		inflight: make(map[string]*flight),
	}, nil
}

// GetOrBuild returns the cached binary for the fingerprint, building it at
// most once. When N callers race on a cold fingerprint, one runs build and
// the rest block until it completes and then share the same entry.
func (c *Cache) GetOrBuild(ctx context.Context, fingerprint, triple string, build BuildFunc) (*Entry, error) {
	c.mu.Lock()

	if fl, ok := c.inflight[fingerprint]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.entry, fl.err
		case <-ctx.Done():
			return nil, errdefs.NewTransient("cache wait cancelled").
				WithCode(errdefs.CodeCancelled)
		}
	}

	if entry, err := c.lookupLocked(ctx, fingerprint); err != nil {
		c.mu.Unlock()
		return nil, err
	} else if entry != nil {
		c.mu.Unlock()
		return entry, nil
	}

	fl := &flight{done: make(chan struct{})}
	c.inflight[fingerprint] = fl
	c.mu.Unlock()

	entry, err := c.runBuild(ctx, fingerprint, triple, build)

	c.mu.Lock()
	fl.entry, fl.err = entry, err
	delete(c.inflight, fingerprint)
	close(fl.done)
	c.mu.Unlock()

	return entry, err
}

// Lookup returns the cached entry for a fingerprint without building,
// or nil on a miss. Corrupt entries are purged and reported as misses.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(ctx, fingerprint)
}

// lookupLocked validates an index hit against the on-disk artifact. A
// missing or checksum-mismatched file means local corruption; the entry is
// deleted and the lookup reports a miss so the caller rebuilds.
func (c *Cache) lookupLocked(ctx context.Context, fingerprint string) (*Entry, error) {
	entry, err := c.index.GetEntry(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("cache index lookup failed: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	sum, err := fileChecksum(entry.Path)
	if err != nil || sum != entry.Checksum {
		log.Warn().
			Str("fingerprint", fingerprint).
			Str("path", entry.Path).
			Msg("Cached binary failed checksum validation, purging entry")
		_ = os.Remove(entry.Path)
		if delErr := c.index.DeleteEntry(ctx, fingerprint); delErr != nil {
			return nil, fmt.Errorf("failed to purge corrupt cache entry: %w", delErr)
		}
		return nil, nil
	}

	now := time.Now().UTC()
	entry.LastUsedAt = now
	if err := c.index.TouchEntry(ctx, fingerprint, now); err != nil {
		return nil, fmt.Errorf("failed to update cache entry: %w", err)
	}
	return entry, nil
}

// runBuild executes the build and stores the artifact under the cache
// directory.
func (c *Cache) runBuild(ctx context.Context, fingerprint, triple string, build BuildFunc) (*Entry, error) {
	artifactPath, err := build(ctx)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(c.dir, fingerprint)
	size, checksum, err := copyFile(artifactPath, dst)
	if err != nil {
		return nil, errdefs.NewPermanent(
			fmt.Sprintf("failed to store cached binary: %v", err)).
			WithCode(errdefs.CodeCacheCorruption)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Fingerprint: fingerprint,
		Path:        dst,
		Checksum:    checksum,
		Size:        size,
		Triple:      triple,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := c.index.PutEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record cache entry: %w", err)
	}

	if err := c.evict(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache eviction failed")
	}

	log.Debug().
		Str("fingerprint", fingerprint).
		Int64("size", size).
		Msg("Binary stored in cache")
	return entry, nil
}

// Invalidate removes a fingerprint's entry and artifact.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.index.GetEntry(ctx, fingerprint)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	_ = os.Remove(entry.Path)
	return c.index.DeleteEntry(ctx, fingerprint)
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.index.ListEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(e.Path)
		if err := c.index.DeleteEntry(ctx, e.Fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// Entries lists all cache entries, oldest first.
func (c *Cache) Entries(ctx context.Context) ([]*Entry, error) {
	return c.index.ListEntries(ctx)
}

// evict drops least-recently-used entries until the cache fits its size
// bound. Entries with an in-flight build are never evicted.
func (c *Cache) evict(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}
	entries, err := c.index.ListEntries(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if total <= c.maxBytes {
			break
		}
		if _, busy := c.inflight[e.Fingerprint]; busy {
			continue
		}
		if err := c.index.DeleteEntry(ctx, e.Fingerprint); err != nil {
			return err
		}
		_ = os.Remove(e.Path)
		total -= e.Size
		log.Debug().
			Str("fingerprint", e.Fingerprint).
			Int64("size", e.Size).
			Msg("Evicted cache entry")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
