// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package countstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s CounterStore) {
	require := require.New(t)
	ctx := context.Background()

	c, err := s.GetCounter(ctx, "exit1")
	require.NoError(err)
	require.Zero(c)

	require.NoError(s.SetCounter(ctx, "exit1", 1700000000123))
	require.NoError(s.SetCounter(ctx, "exit2", 7))

	c, err = s.GetCounter(ctx, "exit1")
	require.NoError(err)
	require.Equal(uint64(1700000000123), c)

	c, err = s.GetCounter(ctx, "exit2")
	require.NoError(err)
	require.Equal(uint64(7), c)

	_, err = s.GetCounter(ctx, "")
	require.ErrorIs(err, ErrInvalidPeer)
	require.ErrorIs(s.SetCounter(ctx, "", 1), ErrInvalidPeer)

	canceled, cancelFn := context.WithCancel(ctx)
	cancelFn()
	_, err = s.GetCounter(canceled, "exit1")
	require.ErrorIs(err, context.Canceled)
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestBoltStore(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "counters.db")
	s, err := NewBoltStore(f)
	require.NoError(err)
	testStore(t, s)
	require.NoError(s.Close())

	// Counters survive a reopen.
	s, err = NewBoltStore(f)
	require.NoError(err)
	defer s.Close()
	c, err := s.GetCounter(context.Background(), "exit1")
	require.NoError(err)
	require.Equal(uint64(1700000000123), c)
}
