// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package nodes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReliabilityScore(t *testing.T) {
	require := require.New(t)

	r := NewReliability(4, 10)
	require.Zero(r.Score("unknown"))
	require.Equal(StatusFresh, r.Status("unknown"))

	r.Add("peer", ResultSuccess)
	r.Add("peer", ResultNone)
	r.Add("peer", ResultSuccess)
	require.Equal(0.2, r.Score("peer"))
	require.Equal(StatusFresh, r.Status("peer"))

	r.Add("peer", ResultSuccess)
	require.Equal(StatusNonFresh, r.Status("peer"))
	require.Equal(0.75, r.Score("peer"))

	r.Add("peer", ResultDishonest)
	require.Zero(r.Score("peer"))
}

func TestReliabilityBoundedHistory(t *testing.T) {
	require := require.New(t)

	r := NewReliability(2, 4)
	r.Add("peer", ResultDishonest)
	r.Add("peer", ResultNone)
	require.Zero(r.Score("peer"))

	// The dishonest result ages out of the history.
	for i := 0; i < 3; i++ {
		r.Add("peer", ResultSuccess)
	}
	require.Equal(0.75, r.Score("peer"))
	r.Add("peer", ResultSuccess)
	// Six requests were sent, the score only counts the last four.
	require.Equal(1.0, r.Score("peer"))
}
