package cache

import (
	"context"
	"time"
)

// Namespaced prefixes every key with an application id so tenants can share
// one backend.
type Namespaced struct {
	inner     Cache
	namespace string
}

var (
	_ Cache         = (*Namespaced)(nil)
	_ PrefixClearer = (*Namespaced)(nil)
)

func NewNamespaced(inner Cache, namespace string) *Namespaced {
	return &Namespaced{inner: inner, namespace: namespace}
}

func (n *Namespaced) key(k string) string { return n.namespace + ":" + k }

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.key(key))
}

func (n *Namespaced) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.inner.Put(ctx, n.key(key), value, ttl)
}

func (n *Namespaced) Del(ctx context.Context, key string) error {
	return n.inner.Del(ctx, n.key(key))
}

// Clear drops only this namespace when the backend supports prefix removal.
func (n *Namespaced) Clear(ctx context.Context) error {
	if pc, ok := n.inner.(PrefixClearer); ok {
		return pc.ClearPrefix(ctx, n.key(""))
	}
	return n.inner.Clear(ctx)
}

func (n *Namespaced) ClearPrefix(ctx context.Context, prefix string) error {
	if pc, ok := n.inner.(PrefixClearer); ok {
		return pc.ClearPrefix(ctx, n.key(prefix))
	}
	return n.inner.Clear(ctx)
}
