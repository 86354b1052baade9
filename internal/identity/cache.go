package identity

import (
	"sync"

	"github.com/fieldsync/fieldsync/internal/syncmodel"
)

// Cache is the client-side read-mostly copy of acknowledged identity
// mappings. It follows the same immutability rule as the server table: a
// client id never remaps to a different server id.
type Cache struct {
	mu       sync.RWMutex
	mappings map[syncmodel.ClientID]syncmodel.ServerID
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{mappings: make(map[syncmodel.ClientID]syncmodel.ServerID)}
}

// Resolve returns the cached server id for the client id.
func (c *Cache) Resolve(clientID syncmodel.ClientID) (syncmodel.ServerID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	serverID, ok := c.mappings[clientID]
	if !ok {
		return "", ErrUnresolvedReference
	}
	return serverID, nil
}

// Register stores a mapping delivered by the server. Re-registering the same
// pair is a no-op; a different server id fails with ErrConflictingMapping.
func (c *Cache) Register(clientID syncmodel.ClientID, serverID syncmodel.ServerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.mappings[clientID]
	if ok {
		if existing == serverID {
			return nil
		}
		return ErrConflictingMapping
	}
	c.mappings[clientID] = serverID
	return nil
}

// Len reports the number of cached mappings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mappings)
}
