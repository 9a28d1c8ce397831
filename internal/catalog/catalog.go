// Package catalog resolves human-entered item names to catalog ids.
//
// The catalog is an explicit cache object: it is loaded on first use,
// expires after a TTL and can be refreshed or invalidated on demand. A name
// that is not in the catalog is a normal outcome, not an error.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/torn"
)

// DefaultTTL is how long a loaded catalog is trusted.
const DefaultTTL = 6 * time.Hour

// Source fetches the full item listing.
type Source interface {
	FetchItems(ctx context.Context, key string) ([]torn.Item, error)
}

// Catalog caches the item listing.
type Catalog struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	byID     map[int64]torn.Item
	byName   map[string]torn.Item
	loadedAt time.Time
}

// New creates an empty catalog over src.
func New(src Source, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{src: src, ttl: ttl, now: time.Now}
}

// Refresh reloads the listing from the source.
func (c *Catalog) Refresh(ctx context.Context, key string) error {
	items, err := c.src.FetchItems(ctx, key)
	if err != nil {
		return fmt.Errorf("catalog: refresh: %w", err)
	}
	byID := make(map[int64]torn.Item, len(items))
	byName := make(map[string]torn.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
		byName[strings.ToLower(it.Name)] = it
	}

	c.mu.Lock()
	c.byID, c.byName, c.loadedAt = byID, byName, c.now()
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached listing; the next lookup reloads it.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.byID, c.byName, c.loadedAt = nil, nil, time.Time{}
	c.mu.Unlock()
}

// Len returns the number of cached items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Catalog) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID != nil && c.now().Sub(c.loadedAt) < c.ttl
}

func (c *Catalog) ensure(ctx context.Context, key string) error {
	if c.fresh() {
		return nil
	}
	return c.Refresh(ctx, key)
}

// Resolve looks up name ignoring case. ok is false when the catalog has no
// such item; err is only set when the catalog could not be loaded.
func (c *Catalog) Resolve(ctx context.Context, key, name string) (torn.Item, bool, error) {
	if err := c.ensure(ctx, key); err != nil {
		return torn.Item{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return it, ok, nil
}

// ResolveRefs fills in missing ids of refs. Unresolvable names keep ID 0 so
// name-based matching still applies.
func (c *Catalog) ResolveRefs(ctx context.Context, key string, refs []model.ItemRef) ([]model.ItemRef, error) {
	out := make([]model.ItemRef, len(refs))
	copy(out, refs)
	for i, ref := range out {
		if ref.ID != 0 || ref.Name == "" {
			continue
		}
		it, ok, err := c.Resolve(ctx, key, ref.Name)
		if err != nil {
			return refs, err
		}
		if ok {
			out[i] = model.ItemRef{ID: it.ID, Name: it.Name}
		}
	}
	return out, nil
}

// Name returns the cached name of id without touching the source.
func (c *Catalog) Name(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.byID[id]
	return it.Name, ok
}

// Suggest returns up to n cached names closest to name by edit distance.
func (c *Catalog) Suggest(name string, n int) []string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || n <= 0 {
		return nil
	}
	type scored struct {
		name string
		dist int
	}
	c.mu.RLock()
	all := make([]scored, 0, len(c.byName))
	for lower, it := range c.byName {
		all = append(all, scored{it.Name, levenshtein.ComputeDistance(name, lower)})
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].name < all[j].name
	})
	out := make([]string, 0, n)
	for _, s := range all {
		if len(out) == n {
			break
		}
		out = append(out, s.name)
	}
	return out
}
