// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a min-heap priority queue keyed by a uint64
// priority, typically a deadline in Unix milliseconds.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64

	index int
}

// PriorityQueue is a priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	h entryHeap[T]
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	return h[i].Priority < h[j].Priority
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*Entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Enqueue inserts the provided value into the queue with the specified
// priority, and returns the entry so that it may later be removed.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) *Entry[T] {
	e := &Entry[T]{
		Value:    value,
		Priority: priority,
	}
	heap.Push(&q.h, e)
	return e
}

// Peek returns the entry with the lowest priority if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the entry with the lowest priority if any.
func (q *PriorityQueue[T]) Pop() *Entry[T] {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry[T])
}

// PopBefore removes and returns every entry with a priority strictly lower
// than limit, in priority order.
func (q *PriorityQueue[T]) PopBefore(limit uint64) []*Entry[T] {
	var out []*Entry[T]
	for e := q.Peek(); e != nil && e.Priority < limit; e = q.Peek() {
		out = append(out, q.Pop())
	}
	return out
}

// Remove removes the given entry from the queue.  Removing an entry that
// was already popped or removed is a no-op.
func (q *PriorityQueue[T]) Remove(e *Entry[T]) {
	if e == nil || e.index < 0 || e.index >= len(q.h) || q.h[e.index] != e {
		return
	}
	heap.Remove(&q.h, e.index)
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.h)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}
