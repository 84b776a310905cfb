// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package segment

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	require := require.New(t)

	s := &Segment{RequestID: 123456, Index: 2, TotalCount: 5, Body: "deadbeef"}
	raw := Encode(s)
	require.Equal("123456|2|5|deadbeef", raw)

	got, err := Decode(raw)
	require.NoError(err)
	require.Equal(s, got)
}

func TestDecodeBodyWithDelimiter(t *testing.T) {
	got, err := Decode("7|0|1|a|b|c")
	require.NoError(t, err)
	require.Equal(t, "a|b|c", got.Body)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"1|0|1",
		"x|0|1|body",
		"1|y|1|body",
		"1|0|z|body",
		"1|-1|2|body",
		"1|0|-2|body",
		"-1|0|1|body",
		"1|0|0|body",
		"1|3|3|body",
		"1|4|3|body",
		"7|0|50000000|ab",
		fmt.Sprintf("7|0|%d|ab", MaxTotalCount+1),
	} {
		_, err := Decode(raw)
		require.ErrorIs(t, err, ErrMalformedSegment, "raw: %q", raw)
	}
}

func TestDecodeMaxTotalCount(t *testing.T) {
	s, err := Decode(fmt.Sprintf("7|%d|%d|ab", MaxTotalCount-1, MaxTotalCount))
	require.NoError(t, err)
	require.Equal(t, MaxTotalCount, s.TotalCount)

	// An envelope of the largest size still fits.
	require.GreaterOrEqual(t, MaxTotalCount*MaxSegmentBody, 2*MaxEnvelopeSize)
}

func TestSlice(t *testing.T) {
	require := require.New(t)

	require.Equal(400, MaxBytes)
	require.Equal(383, MaxSegmentBody)

	segs := Slice(42, "")
	require.Len(segs, 1)
	require.Equal("", segs[0].Body)
	require.Equal(1, segs[0].TotalCount)

	for _, n := range []int{1, 383, 384, 766, 767, 2000} {
		payload := strings.Repeat("ab", n)[:n]
		segs := Slice(42, payload)
		want := (n + MaxSegmentBody - 1) / MaxSegmentBody
		require.Len(segs, want, "n=%d", n)

		var b strings.Builder
		for i, s := range segs {
			require.Equal(i, s.Index)
			require.Equal(want, s.TotalCount)
			require.LessOrEqual(len(s.Body), MaxSegmentBody)
			require.LessOrEqual(len(Encode(s)), MaxBytes)
			b.WriteString(s.Body)
		}
		require.Equal(payload, b.String())
	}
}
