// Package piececache is a small in-memory LRU of recently-read piece
// bytes, sitting in front of the disk engine so a piece requested by
// several peers in quick succession is only read off disk once.
package piececache

import (
	"container/list"
	"sync"
)

// Cache holds up to a configured number of pieces' worth of bytes,
// evicting the least recently used entry once full.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ll       *list.List
	items    map[uint32]*list.Element
}

type cacheEntry struct {
	index uint32
	data  []byte
}

// New returns a cache that holds at most maxBytes of piece data.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[uint32]*list.Element),
	}
}

// Get returns the cached bytes for index, if present, marking it most
// recently used.
func (c *Cache) Get(index uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[index]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*cacheEntry).data, true
}

// Put inserts or refreshes index's bytes, evicting least-recently-used
// entries as needed to stay within maxBytes.
func (c *Cache) Put(index uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[index]; ok {
		old := e.Value.(*cacheEntry)
		c.curBytes += int64(len(data)) - int64(len(old.data))
		old.data = data
		c.ll.MoveToFront(e)
	} else {
		e := c.ll.PushFront(&cacheEntry{index: index, data: data})
		c.items[index] = e
		c.curBytes += int64(len(data))
	}
	for c.curBytes > c.maxBytes {
		back := c.ll.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*cacheEntry)
		if ent.index == index && c.ll.Len() == 1 {
			break
		}
		c.ll.Remove(back)
		delete(c.items, ent.index)
		c.curBytes -= int64(len(ent.data))
	}
}

// Remove drops index's entry, if present (e.g. after invalidation).
func (c *Cache) Remove(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[index]; ok {
		c.ll.Remove(e)
		delete(c.items, index)
		c.curBytes -= int64(len(e.Value.(*cacheEntry).data))
	}
}

// Len returns the number of pieces currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
