package agentgate

import (
	"container/list"
	"sync"
)

// nonceCache is a bounded, O(1) LRU set of seen command_ids, replacing the
// unbounded-ish Python set with imprecise ~10%-oversize eviction the
// original agent used. Capacity is fixed at construction; the least recently
// seen entry is evicted the moment a new one would exceed it.
type nonceCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newNonceCache(capacity int) *nonceCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &nonceCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// SeenOrAdd reports whether id was already present; a repeat sighting marks
// id as most recently seen. If not present, it records id as seen and, if the
// cache is now over capacity, evicts the least recently seen entry.
func (c *nonceCache) SeenOrAdd(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return true
	}

	el := c.order.PushFront(id)
	c.index[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return false
}

// Len reports the current number of tracked nonces, for tests.
func (c *nonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
