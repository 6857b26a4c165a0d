package offline

import "sync"

type ramItem struct {
	key  string
	ent  CachedResponse
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU kept in front of the leveldb buckets.
// maxBytes <= 0 disables it.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CachedResponse, bool) {
	if c.maxBytes <= 0 {
		return CachedResponse{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CachedResponse{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent CachedResponse) {
	if c.maxBytes <= 0 {
		return
	}
	sz := entrySize(key, ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sz > c.maxBytes {
		// Too big to hold; an older copy must not shadow the disk entry.
		if it, ok := c.items[key]; ok {
			c.dropLocked(it)
		}
		return
	}

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	if c.total > c.maxBytes && c.overflowLog != nil {
		c.overflowLog.Printf("RAM cache over %s, evicting", formatBytes(uint64(c.maxBytes)))
	}
	c.evictLocked()
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

// DeleteFunc removes every entry whose key satisfies fn.
func (c *ramCache) DeleteFunc(fn func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if fn(k) {
			c.dropLocked(it)
		}
	}
}

func (c *ramCache) evictLocked() {
	for c.total > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
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

func entrySize(key string, ent CachedResponse) int64 {
	n := len(key) + len(ent.Body) + 64
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}
