package stats

import "sync/atomic"

// Cache holds the current State. Writers replace it wholesale.
type Cache struct {
	current atomic.Pointer[State]
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// Load returns the current state, or nil before the first successful cycle
func (c *Cache) Load() *State {
	return c.current.Load()
}

// Store replaces the current state
func (c *Cache) Store(s *State) {
	c.current.Store(s)
}
