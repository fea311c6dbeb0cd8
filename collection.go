package crm

import (
	"sync"

	"github.com/samber/lo"
)

// Collection is an ordered, identity-keyed list of entities held client-side.
// Items with an empty key are never deduplicated.
type Collection[T any] struct {
	mu    sync.RWMutex
	key   func(T) string
	items []T
}

// NewCollection returns an empty collection keyed by key.
func NewCollection[T any](key func(T) string) *Collection[T] {
	return &Collection[T]{key: key}
}

// Replace swaps the whole contents, as after an initial load.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]T(nil), items...)
}

// Items returns a copy of the current contents in order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.items...)
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, _, ok := c.find(id)
	return item, ok
}

func (c *Collection[T]) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Prepend inserts item at the front without checking for an existing entry.
func (c *Collection[T]) Prepend(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]T{item}, c.items...)
}

// Upsert replaces the entry with the same key in place, or prepends item.
// It reports whether item was inserted.
func (c *Collection[T]) Upsert(item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, idx, ok := c.find(c.key(item)); ok {
		c.items[idx] = item
		return false
	}
	c.items = append([]T{item}, c.items...)
	return true
}

// Update applies fn to the entry with the given key. It reports whether the entry exists.
func (c *Collection[T]) Update(id string, fn func(T) T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, idx, ok := c.find(id)
	if !ok {
		return false
	}
	c.items[idx] = fn(item)
	return true
}

func (c *Collection[T]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, _, ok := c.find(id); !ok {
		return false
	}
	c.items = lo.Reject(c.items, func(item T, _ int) bool { return c.key(item) == id })
	return true
}

// Filter returns the entries matching pred, in order.
func (c *Collection[T]) Filter(pred func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Filter(c.items, func(item T, _ int) bool { return pred(item) })
}

func (c *Collection[T]) find(id string) (T, int, bool) {
	if id == "" {
		var zero T
		return zero, -1, false
	}
	return lo.FindIndexOf(c.items, func(item T) bool { return c.key(item) == id })
}
