// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package segment

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCacheConflict is returned when a segment disagrees with the segments
// already cached for its request about the total segment count.
var ErrCacheConflict = errors.New("segment: total count conflicts with cached segments")

// Status is the outcome of ingesting a segment.
type Status int

const (
	// StatusDuplicate means a segment with the same index was already
	// cached; the new one was dropped.
	StatusDuplicate Status = iota

	// StatusAdded means the segment was stored and the entry is still
	// incomplete.
	StatusAdded

	// StatusCompleted means the segment completed its entry, which was
	// reassembled and removed from the cache.
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusDuplicate:
		return "duplicate"
	case StatusAdded:
		return "added"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("[unknown status: %d]", int(s))
	}
}

// Result is returned by Cache.Ingest.
type Result struct {
	Status Status

	// RequestID and Payload are only set when Status is StatusCompleted.
	RequestID uint64
	Payload   string
}

type entry struct {
	segments   map[int]*Segment
	total      int
	receivedAt time.Time
}

// Cache accumulates inbound segments keyed by request id.  It is safe for
// concurrent use.
type Cache struct {
	sync.Mutex

	entries map[uint64]*entry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[uint64]*entry),
	}
}

// Ingest adds seg to the cache.  Segments that Decode would reject fail
// with ErrMalformedSegment.  Completion reassembles the body in index order
// and deletes the entry under the same lock, so a completed entry can never
// also be swept.
func (c *Cache) Ingest(seg *Segment, now time.Time) (Result, error) {
	if err := seg.validate(); err != nil {
		return Result{}, err
	}

	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[seg.RequestID]
	if !ok {
		e = &entry{
			segments:   make(map[int]*Segment),
			total:      seg.TotalCount,
			receivedAt: now,
		}
		c.entries[seg.RequestID] = e
	}

	if e.total != seg.TotalCount {
		return Result{}, fmt.Errorf("%w: %v, cached total %d", ErrCacheConflict, seg, e.total)
	}
	if _, dup := e.segments[seg.Index]; dup {
		return Result{Status: StatusDuplicate}, nil
	}
	e.segments[seg.Index] = seg

	if len(e.segments) < e.total {
		return Result{Status: StatusAdded}, nil
	}

	delete(c.entries, seg.RequestID)
	var b strings.Builder
	for i := 0; i < e.total; i++ {
		b.WriteString(e.segments[i].Body)
	}
	return Result{
		Status:    StatusCompleted,
		RequestID: seg.RequestID,
		Payload:   b.String(),
	}, nil
}

// SweepExpired removes every entry whose first segment arrived before
// now - maxAge, and returns how many were removed.
func (c *Cache) SweepExpired(maxAge time.Duration, now time.Time) int {
	c.Lock()
	defer c.Unlock()

	cutoff := now.Add(-maxAge)
	n := 0
	for id, e := range c.entries {
		if e.receivedAt.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Has returns true iff an incomplete entry exists for requestID.
func (c *Cache) Has(requestID uint64) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.entries[requestID]
	return ok
}

// Remove drops any partial entry for requestID.
func (c *Cache) Remove(requestID uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.entries, requestID)
}

// Len returns the number of incomplete entries.
func (c *Cache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.entries)
}
