// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestSingleOutcome(t *testing.T) {
	require := require.New(t)

	now := time.Now()
	r := New(7, "https://provider", `{"id":1}`, "entry12345", "exit67890", nil, now, time.Second)
	require.Equal(now.Add(time.Second), r.Deadline)
	require.Equal("request[id: 7, entry: .2345, exit: .7890]", r.String())

	var wg sync.WaitGroup
	wins := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			wins <- r.Resolve(&Response{RequestID: 7, Body: "ok"})
		}()
		go func() {
			defer wg.Done()
			wins <- r.Reject(errors.New("late"))
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	require.Equal(1, n)

	<-r.Done()
	resp, err := r.Result()
	require.True((resp == nil) != (err == nil))
}

func TestRequestWait(t *testing.T) {
	require := require.New(t)

	r := New(1, "p", "{}", "e", "x", nil, time.Now(), time.Minute)
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelFn()
	_, err := r.Wait(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	go r.Resolve(&Response{RequestID: 1, Body: "done"})
	resp, err := r.Wait(context.Background())
	require.NoError(err)
	require.Equal("done", resp.Body)
}

func TestCache(t *testing.T) {
	require := require.New(t)

	t0 := time.Unix(1700000000, 0)
	c := NewCache()
	r1 := New(1, "p", "{}", "e", "x", nil, t0, 3*time.Second)
	r2 := New(2, "p", "{}", "e", "x", nil, t0, 1*time.Second)
	r3 := New(3, "p", "{}", "e", "x", nil, t0, 2*time.Second)
	for _, r := range []*Request{r1, r2, r3} {
		require.NoError(c.Add(r))
	}
	require.ErrorIs(c.Add(r1), ErrDuplicateID)
	require.Equal(3, c.Len())

	got, ok := c.Get(3)
	require.True(ok)
	require.Same(r3, got)

	taken, ok := c.Take(3)
	require.True(ok)
	require.Same(r3, taken)
	_, ok = c.Take(3)
	require.False(ok)

	require.Empty(c.Expire(t0))
	expired := c.Expire(t0.Add(3 * time.Second))
	require.Len(expired, 2)
	require.Same(r2, expired[0])
	require.Same(r1, expired[1])
	require.Equal(0, c.Len())
	require.Empty(c.Expire(t0.Add(time.Hour)))
}

func TestCacheNewID(t *testing.T) {
	require := require.New(t)

	c := NewCache()
	for i := 0; i < 100; i++ {
		id := c.NewID(func(id uint64) bool { return id%2 == 0 })
		require.Less(id, uint64(MaxID))
		require.Equal(uint64(1), id%2)
		_, ok := c.Get(id)
		require.False(ok)
		require.NoError(c.Add(New(id, "p", "{}", "e", "x", nil, time.Now(), time.Minute)))
	}
}

func TestCacheDrain(t *testing.T) {
	require := require.New(t)

	t0 := time.Unix(1700000000, 0)
	c := NewCache()
	r1 := New(1, "p", "{}", "e", "x", nil, t0, 2*time.Second)
	r2 := New(2, "p", "{}", "e", "x", nil, t0, 1*time.Second)
	require.NoError(c.Add(r1))
	require.NoError(c.Add(r2))

	drained := c.Drain()
	require.Equal([]*Request{r2, r1}, drained)
	require.Equal(0, c.Len())
	require.Empty(c.Drain())
}
