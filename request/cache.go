// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package request

import (
	"errors"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/rpch/rpch/core/queue"
)

// MaxID bounds request ids, keeping the wire segment header short.
const MaxID = 1e6

// ErrDuplicateID is returned when adding a request whose id is in use.
var ErrDuplicateID = errors.New("request: duplicate request id")

type cacheEntry struct {
	req *Request
	qe  *queue.Entry[uint64]
}

// Cache holds in-flight requests keyed by id, ordered by deadline.  It is
// not safe for concurrent use; the owner serializes access.
type Cache struct {
	reqs      map[uint64]*cacheEntry
	deadlines *queue.PriorityQueue[uint64]
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		reqs:      make(map[uint64]*cacheEntry),
		deadlines: queue.New[uint64](),
	}
}

// NewID returns a random unused id below MaxID.  inUse reports ids that are
// taken elsewhere, such as partial entries of the segment cache, and may be
// nil.
func (c *Cache) NewID(inUse func(uint64) bool) uint64 {
	r := rand.NewMath()
	for {
		id := uint64(r.Int63n(MaxID))
		if _, ok := c.reqs[id]; ok {
			continue
		}
		if inUse != nil && inUse(id) {
			continue
		}
		return id
	}
}

// Add registers req.
func (c *Cache) Add(req *Request) error {
	if _, ok := c.reqs[req.ID]; ok {
		return ErrDuplicateID
	}
	c.reqs[req.ID] = &cacheEntry{
		req: req,
		qe:  c.deadlines.Enqueue(uint64(req.Deadline.UnixNano()), req.ID),
	}
	return nil
}

// Get returns the request with the given id.
func (c *Cache) Get(id uint64) (*Request, bool) {
	e, ok := c.reqs[id]
	if !ok {
		return nil, false
	}
	return e.req, true
}

// Take removes and returns the request with the given id.
func (c *Cache) Take(id uint64) (*Request, bool) {
	e, ok := c.reqs[id]
	if !ok {
		return nil, false
	}
	delete(c.reqs, id)
	c.deadlines.Remove(e.qe)
	return e.req, true
}

// Expire removes and returns every request whose deadline is not after
// now, in deadline order.
func (c *Cache) Expire(now time.Time) []*Request {
	var out []*Request
	for _, qe := range c.deadlines.PopBefore(uint64(now.UnixNano()) + 1) {
		if e, ok := c.reqs[qe.Value]; ok && e.qe == qe {
			delete(c.reqs, qe.Value)
			out = append(out, e.req)
		}
	}
	return out
}

// Drain removes and returns every request.
func (c *Cache) Drain() []*Request {
	out := make([]*Request, 0, len(c.reqs))
	for c.deadlines.Len() > 0 {
		qe := c.deadlines.Pop()
		if e, ok := c.reqs[qe.Value]; ok {
			delete(c.reqs, qe.Value)
			out = append(out, e.req)
		}
	}
	return out
}

// Len returns the number of in-flight requests.
func (c *Cache) Len() int {
	return len(c.reqs)
}
