// priority_queue_test.go - Tests for priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	deadlines := []uint64{1700000004000, 1700000000000, 1700000003000, 1700000001000, 1700000002000}

	q := New[int]()
	for i, d := range deadlines {
		q.Enqueue(d, i)
	}
	require.Equal(len(deadlines), q.Len(), "Queue length (full)")

	prev := uint64(0)
	for q.Len() > 0 {
		peeked := q.Peek()
		ent := q.Pop()
		require.Equal(peeked, ent)
		require.GreaterOrEqual(ent.Priority, prev)
		require.Equal(deadlines[ent.Value], ent.Priority)
		prev = ent.Priority
	}

	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Pop(), "Pop() (empty)")
}

func TestPriorityQueueRemove(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[string]()
	a := q.Enqueue(10, "a")
	b := q.Enqueue(20, "b")
	c := q.Enqueue(20, "c")
	q.Enqueue(30, "d")

	q.Remove(b)
	q.Remove(b)
	require.Equal(3, q.Len())

	expired := q.PopBefore(21)
	require.Len(expired, 2)
	require.Equal("a", expired[0].Value)
	require.Equal("c", expired[1].Value)

	// Entries that already left the queue are ignored.
	q.Remove(a)
	q.Remove(c)
	require.Equal(1, q.Len())
	require.Equal("d", q.Peek().Value)
	require.Empty(q.PopBefore(30))
}
