// ABOUTME: TTL and size bounded set of completed message uuids
// ABOUTME: Operators consult it to acknowledge redelivered work without re-dispatching

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a Completed set when no size is given.
const DefaultMaxEntries = 10000

type entry struct {
	completed time.Time
	element   *list.Element
}

// Completed tracks uuids whose processing finished. Entries expire after the
// TTL; when full, the oldest completion is forgotten first.
type Completed struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	max     int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Completed set and starts its expiry sweeper.
func New(ttl time.Duration, max int) *Completed {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	c := &Completed{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Done reports whether uuid completed within the TTL.
func (c *Completed) Done(uuid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[uuid]
	return ok && c.now().Sub(e.completed) < c.ttl
}

// Complete records uuid as finished.
func (c *Completed) Complete(uuid string) {
	if uuid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[uuid]; ok {
		e.completed = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.max {
		c.forgetOldest()
	}
	c.entries[uuid] = &entry{completed: now, element: c.order.PushBack(uuid)}
}

// Forget removes uuid so a later delivery is processed again.
func (c *Completed) Forget(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[uuid]; ok {
		c.order.Remove(e.element)
		delete(c.entries, uuid)
	}
}

// Len returns the number of tracked uuids, expired ones included until swept.
func (c *Completed) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Completed) forgetOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	uuid, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, uuid)
}

func (c *Completed) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Completions are appended in
// time order, so the walk stops at the first live entry.
func (c *Completed) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		uuid, _ := front.Value.(string)
		e := c.entries[uuid]
		if now.Sub(e.completed) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, uuid)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Completed) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
