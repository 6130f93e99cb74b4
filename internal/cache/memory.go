package cache

import (
	"container/list"
	"context"
	"sync"
)

// InMemoryCache is an LRU object store bounded by entry count. It holds
// one reference to every stored object.
type InMemoryCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front is most recently used
	maxEntries int
}

func NewInMemoryCache(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &InMemoryCache{
		items:      make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*Object).Retain(), true
}

// Set stores obj under its key, replacing and releasing any previous
// object.
func (c *InMemoryCache) Set(ctx context.Context, obj *Object) error {
	key := obj.Key.String()
	obj.Retain()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		old := el.Value.(*Object)
		el.Value = obj
		c.order.MoveToFront(el)
		old.Release()
		return nil
	}

	c.items[key] = c.order.PushFront(obj)
	for c.order.Len() > c.maxEntries {
		c.removeElement(c.order.Back())
	}
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close releases every stored object.
func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		el.Value.(*Object).Release()
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

func (c *InMemoryCache) removeElement(el *list.Element) {
	obj := c.order.Remove(el).(*Object)
	delete(c.items, obj.Key.String())
	obj.Release()
}
