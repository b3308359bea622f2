package store

import "sync"

// recordCache is a bounded least-recently-used cache of run records. It
// owns the records it holds; callers clone on the way out.
type recordCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry
	// sentinels: head.next is the most recently used entry
	head, tail *entry
}

type entry struct {
	rec        *Record
	prev, next *entry
}

func newRecordCache(capacity int) *recordCache {
	head, tail := &entry{}, &entry{}
	head.next, tail.prev = tail, head
	return &recordCache{
		capacity: capacity,
		entries:  make(map[string]*entry, capacity),
		head:     head,
		tail:     tail,
	}
}

func (c *recordCache) get(runID string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[runID]
	if !ok {
		return nil, false
	}
	c.unlink(e)
	c.pushFront(e)
	return e.rec, true
}

func (c *recordCache) put(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[rec.RunID]; ok {
		e.rec = rec
		c.unlink(e)
		c.pushFront(e)
		return
	}
	if len(c.entries) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.entries, victim.rec.RunID)
	}
	e := &entry{rec: rec}
	c.entries[rec.RunID] = e
	c.pushFront(e)
}

func (c *recordCache) remove(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[runID]; ok {
		c.unlink(e)
		delete(c.entries, runID)
	}
}

func (c *recordCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head.next, c.tail.prev = c.tail, c.head
	c.entries = make(map[string]*entry, c.capacity)
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *recordCache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (c *recordCache) pushFront(e *entry) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}
