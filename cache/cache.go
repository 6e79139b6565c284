package cache

import (
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

var (
	DefaultFoundPathTTL   = 5 * time.Minute
	DefaultMissingPathTTL = 30 * time.Second
)

// PathEntry memoizes one on-disk lookup for a track key. Positive and
// negative results share the shape; a negative entry has an empty path.
type PathEntry struct {
	Path string
}

func (e PathEntry) Found() bool {
	return e.Path != ""
}

type Cache struct {
	Paths PathsCache
}

func New() *Cache {
	pathsCache := ccache.New(
		ccache.Configure[PathEntry]().
			MaxSize(10_000).
			GetsPerPromote(3).
			PercentToPrune(1),
	)

	return &Cache{
		Paths: PathsCache{
			c:     pathsCache,
			group: singleflight.Group{},
		},
	}
}

type PathsCache struct {
	c     *ccache.Cache[PathEntry]
	group singleflight.Group
}

// Fetch returns the path entry for a track key, running lookup at most
// once across concurrent callers of the same key. Hits are served from
// the cache until the entry's TTL (short for negative entries) expires.
func (c *PathsCache) Fetch(k string, lookup func() (string, error)) (PathEntry, error) {
	if item := c.c.Get(k); nil != item && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := c.group.Do(k, func() (any, error) {
		if item := c.c.Get(k); nil != item && !item.Expired() {
			return item.Value(), nil
		}

		path, err := lookup()
		if nil != err {
			return PathEntry{}, fmt.Errorf("lookup track path: %w", err)
		}

		entry := PathEntry{Path: path}
		c.c.Set(k, entry, lo.Ternary(entry.Found(), DefaultFoundPathTTL, DefaultMissingPathTTL))

		return entry, nil
	})
	if nil != err {
		return PathEntry{}, err
	}

	return v.(PathEntry), nil //nolint:forcetypeassert
}

// Peek reports the live entry for a track key without running a lookup.
func (c *PathsCache) Peek(k string) (PathEntry, bool) {
	if item := c.c.Get(k); nil != item && !item.Expired() {
		return item.Value(), true
	}

	return PathEntry{}, false //nolint:exhaustruct
}

func (c *PathsCache) Invalidate(k string) {
	c.c.Delete(k)
}
