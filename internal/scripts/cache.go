// Package scripts holds the Lua scripts registered with the Redis connection.
//
// Every script is addressed by the SHA-1 hex digest of its body. Redis uses
// the same digest for SCRIPT LOAD and EVALSHA, so the values computed here are
// compared verbatim against what the server reports.
package scripts

import (
	"crypto/sha1" //nolint:gosec // Redis addresses scripts by SHA-1
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateName is returned when a script name is registered twice.
	ErrDuplicateName = errors.New("script already registered")
	// ErrUnknownScript is returned when resolving a name that was never registered.
	ErrUnknownScript = errors.New("unknown script")
)

// Registration is an immutable script entry.
type Registration struct {
	Name    string `json:"name"`
	Content string `json:"-"`
	Digest  string `json:"digest"`
}

// Cache is the ordered set of registered scripts. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	ordered []Registration
	byName  map[string]int
}

// NewCache creates an empty script cache.
func NewCache() *Cache {
	return &Cache{
		byName: make(map[string]int),
	}
}

// Digest returns the lowercase hex SHA-1 of content.
func Digest(content string) string {
	sum := sha1.Sum([]byte(content)) //nolint:gosec // see package doc
	return hex.EncodeToString(sum[:])
}

// Register stores a script under name. Names are unique: a second
// registration with the same name fails with ErrDuplicateName, even when the
// content is identical.
func (c *Cache) Register(name, content string) (Registration, error) {
	if name == "" {
		return Registration{}, errors.New("script name must not be empty")
	}

	reg := Registration{
		Name:    name,
		Content: content,
		Digest:  Digest(content),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return Registration{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	c.byName[name] = len(c.ordered)
	c.ordered = append(c.ordered, reg)
	return reg, nil
}

// Resolve returns the digest registered for name.
func (c *Cache) Resolve(name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	return c.ordered[idx].Digest, nil
}

// List returns a copy of all registrations in registration order.
func (c *Cache) List() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Registration, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of registered scripts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}
