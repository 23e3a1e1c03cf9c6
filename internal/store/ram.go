package store

import (
	"sync"

	"edgerouter/internal/isr"
)

type ramItem struct {
	key     string
	ent     *isr.CacheEntry
	encoded []byte
	prev    *ramItem
	next    *ramItem
}

func (it *ramItem) size() int64 { return int64(len(it.encoded)) }

// ramCache is a byte-bounded LRU. Evicted items spill to the disk tier.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Peek(key string) (*isr.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return it.ent, true
}

func (c *ramCache) Get(key string) (*isr.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size()
}

// Put reports false when the entry is larger than the whole tier.
func (c *ramCache) Put(key string, ent *isr.CacheEntry, encoded []byte, disk *diskCache, overflow *rateLimitedLogger) bool {
	sz := int64(len(encoded))
	if c.maxBytes > 0 && sz > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size()
		it.ent, it.encoded = ent, encoded
		c.moveToFront(it)
		return true
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictToDiskLocked(disk)
		if c.total+sz > c.maxBytes && overflow != nil {
			overflow.Warn("RAM tier overflow, evicting to disk")
		}
	}

	it := &ramItem{key: key, ent: ent, encoded: encoded}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	return true
}

// evictToDiskLocked moves the least recently used tenth to disk.
func (c *ramCache) evictToDiskLocked(disk *diskCache) {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		if disk != nil {
			disk.PutAsync(it.key, it.encoded)
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size()
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
