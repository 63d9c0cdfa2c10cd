// Package secrets memoizes derived pair secrets per counterparty.
// Entries live only in process memory and are invalidated on rotation.
package secrets

import (
	"sync"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
)

type Cache struct {
	mu sync.RWMutex
	m  map[domain.UserID][]byte
}

func New() *Cache {
	return &Cache{m: make(map[domain.UserID][]byte)}
}

func (c *Cache) Get(contact domain.UserID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.m[contact]
	return s, ok
}

func (c *Cache) Put(contact domain.UserID, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[contact] = secret
}

// Invalidate wipes and drops the cached secret for contact.
func (c *Cache) Invalidate(contact domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.m[contact]; ok {
		crypto.Wipe(s)
		delete(c.m, contact)
	}
}
