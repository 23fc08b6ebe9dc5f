package xpath

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds how many distinct filter strings are kept
// compiled; subscription filters repeat heavily across diffs and
// operational reads, so this avoids re-parsing the same handful of
// strings on every event.
const defaultCacheSize = 1024

// Cache compiles filter strings and memoizes the result.
type Cache struct {
	compiled *lru.Cache[string, *Filter]
}

// NewCache creates a Cache with the default capacity.
func NewCache() *Cache {
	c, err := lru.New[string, *Filter](defaultCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCacheSize never is.
		panic(err)
	}
	return &Cache{compiled: c}
}

// Compile returns the compiled Filter for raw, compiling and caching it on
// first use.
func (c *Cache) Compile(raw string) (*Filter, error) {
	if f, ok := c.compiled.Get(raw); ok {
		return f, nil
	}
	f, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	c.compiled.Add(raw, f)
	return f, nil
}
