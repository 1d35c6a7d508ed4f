package dedup

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultSuppression is how long a repeated ID is ignored.
	DefaultSuppression = 5 * time.Minute
	// DefaultRetention is how long an ID is remembered at all.
	DefaultRetention = 10 * time.Minute
)

type entry struct {
	id string
	at time.Time
}

// SeenCache remembers recently accepted message IDs for one mailbox.
// IDs are only unique within a mailbox session, so a cache must never be
// shared between mailboxes.
//
// Entries are kept in acceptance order, which makes eviction a walk from
// the front that stops at the first entry still inside the retention window.
type SeenCache struct {
	mu          sync.Mutex
	order       *list.List
	ids         map[string]*list.Element
	suppression time.Duration
	retention   time.Duration
}

// NewSeenCache creates a cache with the given windows. Zero values select
// DefaultSuppression and DefaultRetention.
func NewSeenCache(suppression, retention time.Duration) *SeenCache {
	if suppression <= 0 {
		suppression = DefaultSuppression
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SeenCache{
		order:       list.New(),
		ids:         make(map[string]*list.Element),
		suppression: suppression,
		retention:   retention,
	}
}

// Evict drops every entry accepted more than the retention window before now
// and returns how many were removed.
func (c *SeenCache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.at) <= c.retention {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.ids, e.id)
		n++
		el = next
	}
	return n
}

// Seen reports whether id was accepted within the suppression window.
func (c *SeenCache) Seen(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.ids[id]
	if !ok {
		return false
	}
	return now.Sub(el.Value.(*entry).at) <= c.suppression
}

// Record stores id as accepted at now. Recording an ID that is already
// present refreshes its timestamp.
func (c *SeenCache) Record(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.ids[id]; ok {
		el.Value.(*entry).at = now
		c.order.MoveToBack(el)
		return
	}
	c.ids[id] = c.order.PushBack(&entry{id: id, at: now})
}

// Len returns the number of remembered IDs.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
