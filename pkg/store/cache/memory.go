package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache. Expired entries are swept by the go-cache
// janitor every cleanupInterval.
type Memory struct {
	store *gocache.Cache
}

var (
	_ Cache         = (*Memory)(nil)
	_ PrefixClearer = (*Memory)(nil)
)

func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Memory{store: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.store.Set(key, value, ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.store.Flush()
	return nil
}

func (m *Memory) ClearPrefix(_ context.Context, prefix string) error {
	for key := range m.store.Items() {
		if strings.HasPrefix(key, prefix) {
			m.store.Delete(key)
		}
	}
	return nil
}

// ItemCount reports the number of live entries.
func (m *Memory) ItemCount() int {
	return m.store.ItemCount()
}
