// Package security mints and validates the short-lived bearer tokens the
// gateway hands out in exchange for the configured agent secret.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type session struct {
	issuedAt  time.Time
	expiresAt time.Time
}

// SessionCache holds active session tokens with a TTL. Capacity-bounded via
// LRU so a misbehaving client cannot grow it without bound; evicting the
// oldest session just forces that client to log in again.
type SessionCache struct {
	cache *lru.Cache[string, session]
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionCache(capacity int, ttl time.Duration) (*SessionCache, error) {
	if capacity <= 0 {
		capacity = 64
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	cache, err := lru.New[string, session](capacity)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &SessionCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Issue mints a fresh opaque token and records its session.
func (c *SessionCache) Issue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)
	now := c.now().UTC()
	c.cache.Add(token, session{issuedAt: now, expiresAt: now.Add(c.ttl)})
	return token, nil
}

// Validate reports whether the token names a live session. Expired entries
// are removed on sight.
func (c *SessionCache) Validate(token string) bool {
	if token == "" {
		return false
	}
	sess, ok := c.cache.Get(token)
	if !ok {
		return false
	}
	if c.now().UTC().After(sess.expiresAt) {
		c.cache.Remove(token)
		return false
	}
	return true
}

// Revoke drops a session token.
func (c *SessionCache) Revoke(token string) {
	c.cache.Remove(token)
}

// Len returns the number of cached sessions, live or expired.
func (c *SessionCache) Len() int {
	return c.cache.Len()
}

// SecretEquals compares a presented secret against the configured one in
// constant time.
func SecretEquals(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
