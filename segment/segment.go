// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package segment implements the wire segment codec and the reassembly
// cache for inbound segments.
//
// A segment travels over the mixnet as a single string
//
//	<requestId>|<index>|<totalCount>|<body>
//
// where body is a slice of the hex encoded envelope.  The whole string never
// exceeds MaxBytes.
package segment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxBytes is the largest wire segment the mixnet carries.
	MaxBytes = 400

	// MaxSegmentOverhead is the space reserved for the header fields and
	// delimiters.
	MaxSegmentOverhead = 17

	// MaxSegmentBody is the largest body a segment may carry.
	MaxSegmentBody = MaxBytes - MaxSegmentOverhead

	// MaxEnvelopeSize bounds a sealed envelope before hex encoding.
	MaxEnvelopeSize = 16 << 20

	// MaxTotalCount is the most segments a hex encoded envelope of
	// MaxEnvelopeSize can be sliced into.
	MaxTotalCount = (2*MaxEnvelopeSize + MaxSegmentBody - 1) / MaxSegmentBody

	delimiter = "|"
)

// ErrMalformedSegment is returned when a raw string is not a valid segment.
var ErrMalformedSegment = errors.New("segment: malformed segment")

// Segment is one slice of a hex encoded envelope.
type Segment struct {
	RequestID  uint64
	Index      int
	TotalCount int
	Body       string
}

// String returns a short description of the segment suitable for logging.
func (s *Segment) String() string {
	return fmt.Sprintf("segment[rId: %d, nr: %d, total: %d]", s.RequestID, s.Index, s.TotalCount)
}

// Encode returns the wire representation of s.
func Encode(s *Segment) string {
	var b strings.Builder
	b.Grow(MaxSegmentOverhead + len(s.Body))
	b.WriteString(strconv.FormatUint(s.RequestID, 10))
	b.WriteString(delimiter)
	b.WriteString(strconv.Itoa(s.Index))
	b.WriteString(delimiter)
	b.WriteString(strconv.Itoa(s.TotalCount))
	b.WriteString(delimiter)
	b.WriteString(s.Body)
	return b.String()
}

// Decode parses a wire segment.  The body is everything after the third
// delimiter, so it may itself contain the delimiter.
func Decode(raw string) (*Segment, error) {
	parts := strings.SplitN(raw, delimiter, 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedSegment, len(parts))
	}

	rid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: request id: %v", ErrMalformedSegment, err)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrMalformedSegment, err)
	}
	total, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: total count: %v", ErrMalformedSegment, err)
	}

	s := &Segment{
		RequestID:  rid,
		Index:      idx,
		TotalCount: total,
		Body:       parts[3],
	}
	if err = s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segment) validate() error {
	switch {
	case s.Index < 0 || s.TotalCount < 0:
		return fmt.Errorf("%w: negative field", ErrMalformedSegment)
	case s.TotalCount == 0:
		return fmt.Errorf("%w: zero total count", ErrMalformedSegment)
	case s.TotalCount > MaxTotalCount:
		return fmt.Errorf("%w: total count %d exceeds %d", ErrMalformedSegment, s.TotalCount, MaxTotalCount)
	case s.Index >= s.TotalCount:
		return fmt.Errorf("%w: index %d out of range %d", ErrMalformedSegment, s.Index, s.TotalCount)
	}
	return nil
}

// Slice splits hexPayload into segments of at most MaxSegmentBody bytes.  An
// empty payload yields a single segment with an empty body.
func Slice(requestID uint64, hexPayload string) []*Segment {
	total := (len(hexPayload) + MaxSegmentBody - 1) / MaxSegmentBody
	if total == 0 {
		total = 1
	}

	segs := make([]*Segment, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxSegmentBody
		end := min(start+MaxSegmentBody, len(hexPayload))
		segs = append(segs, &Segment{
			RequestID:  requestID,
			Index:      i,
			TotalCount: total,
			Body:       hexPayload[start:end],
		})
	}
	return segs
}
