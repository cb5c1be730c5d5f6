// Package usercontext remembers slot values a user has given within a
// session so later conversations can reuse them.
package usercontext

import (
	"strings"
	"time"

	"taskdialog/internal/cache"
	"taskdialog/internal/domain"
)

const keyPrefix = "uctx:"

type Store struct {
	cache *cache.Cache
	ttl   time.Duration
}

func New(c *cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

func key(sessionID, slot string) string {
	return keyPrefix + sessionID + ":" + slot
}

func (s *Store) Recall(sessionID, slot string) (domain.SlotValue, bool) {
	if sessionID == "" || slot == "" {
		return domain.SlotValue{}, false
	}
	return cache.Get[domain.SlotValue](s.cache, key(sessionID, slot))
}

func (s *Store) Remember(sessionID string, value domain.SlotValue) {
	if sessionID == "" || value.Slot == "" {
		return
	}
	s.cache.Set(key(sessionID, value.Slot), value, s.ttl)
}

// Forget drops everything remembered for the session.
func (s *Store) Forget(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	return s.cache.DeletePrefix(keyPrefix + strings.TrimSpace(sessionID) + ":")
}
