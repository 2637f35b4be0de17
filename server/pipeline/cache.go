package pipeline

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	event      *EventInfo
	lastAccess time.Time
}

// EventCache holds the events that we're busy with.
// An entry expires after a period of inactivity. Expired entries are dropped lazily
// when they are looked up, and by Sweep.
type EventCache struct {
	lock   sync.Mutex
	events map[int64]*cacheEntry
	expiry time.Duration
	now    func() time.Time
}

func NewEventCache(expiry time.Duration) *EventCache {
	return &EventCache{
		events: map[int64]*cacheEntry{},
		expiry: expiry,
		now:    time.Now,
	}
}

// SetExpiry changes the inactivity period (eg after a config reload)
func (c *EventCache) SetExpiry(expiry time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.expiry = expiry
}

// GetOrCreate returns the cached event, or creates it with create().
// An existing event is never replaced.
func (c *EventCache) GetOrCreate(id int64, create func() *EventInfo) (ev *EventInfo, created bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	if e := c.lookup(id, now); e != nil {
		return e.event, false
	}
	ev = create()
	c.events[id] = &cacheEntry{event: ev, lastAccess: now}
	return ev, true
}

// Get returns the cached event, or nil
func (c *EventCache) Get(id int64) *EventInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	if e := c.lookup(id, c.now()); e != nil {
		return e.event
	}
	return nil
}

// lookup must be called with the lock held
func (c *EventCache) lookup(id int64, now time.Time) *cacheEntry {
	e := c.events[id]
	if e == nil {
		return nil
	}
	if now.Sub(e.lastAccess) > c.expiry {
		delete(c.events, id)
		return nil
	}
	e.lastAccess = now
	return e
}

// Sweep removes expired events, and returns the number removed
func (c *EventCache) Sweep() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	n := 0
	for id, e := range c.events {
		if now.Sub(e.lastAccess) > c.expiry {
			delete(c.events, id)
			n++
		}
	}
	return n
}

func (c *EventCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.events)
}

// All returns the cached events, ordered by ID
func (c *EventCache) All() []*EventInfo {
	c.lock.Lock()
	all := make([]*EventInfo, 0, len(c.events))
	for _, e := range c.events {
		all = append(all, e.event)
	}
	c.lock.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
