// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope wraps the crypto capability used to seal request
// payloads for an exit node and to open its responses.
//
// Every request carries a counter that strictly increases across calls, and
// every response counter is checked against the last one accepted from the
// same exit node.  Accepted counters are persisted through a CounterStore.
package envelope

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rpch/rpch/countstore"
)

var (
	// ErrCounterReplay is returned when a response counter is not greater
	// than the last accepted counter for the exit node.
	ErrCounterReplay = errors.New("envelope: response counter replayed or stale")

	// ErrDecrypt is returned when a response fails to authenticate.
	ErrDecrypt = errors.New("envelope: failed to decrypt response")

	// ErrMalformed is returned when a response is not valid hex or is too
	// short to be an envelope.
	ErrMalformed = errors.New("envelope: malformed response")

	// ErrInvalidIdentity is returned by Boxer.Box when the recipient
	// identity can not be used to seal a request.
	ErrInvalidIdentity = errors.New("envelope: invalid recipient identity")
)

// BoxError is returned when a request payload can not be sealed.
type BoxError struct {
	Err error
}

func (e *BoxError) Error() string {
	return fmt.Sprintf("envelope: failed to box request: %v", e.Err)
}

func (e *BoxError) Unwrap() error {
	return e.Err
}

// Session is the opaque per-request crypto state produced by boxing.  It
// is needed to open the matching response.
type Session interface {
	// Request returns the sealed request envelope.
	Request() []byte

	// Counter returns the request counter sealed into the envelope.
	Counter() uint64
}

// Boxer is the crypto capability.
type Boxer interface {
	// Box seals payload for the recipient identified by recipientID and
	// recipientIdentity.
	Box(payload []byte, senderID, recipientID string, recipientIdentity []byte, counter uint64) (Session, error)

	// Unbox opens a response sealed for session, and returns the plaintext
	// and the response counter.  It must fail with ErrCounterReplay if the
	// counter is not greater than lastCounter.
	Unbox(session Session, data []byte, lastCounter uint64) ([]byte, uint64, error)
}

// Adapter builds request envelopes and opens response envelopes.
type Adapter struct {
	boxer Boxer
	store countstore.CounterStore
	clock func() time.Time

	mu          sync.Mutex
	lastCounter uint64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the clock used to derive request counters.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		a.clock = clock
	}
}

// NewAdapter returns an Adapter using boxer and store.
func NewAdapter(boxer Boxer, store countstore.CounterStore, opts ...Option) *Adapter {
	a := &Adapter{
		boxer: boxer,
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// nextCounter returns the current Unix millisecond time, bumped past the
// previously issued counter when the clock has not advanced.
func (a *Adapter) nextCounter() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := uint64(a.clock().UnixMilli())
	if c <= a.lastCounter {
		c = a.lastCounter + 1
	}
	a.lastCounter = c
	return c
}

// BoxRequest seals payload for the exit node recipientID.
func (a *Adapter) BoxRequest(payload []byte, senderID, recipientID string, recipientIdentity []byte) (Session, error) {
	s, err := a.boxer.Box(payload, senderID, recipientID, recipientIdentity, a.nextCounter())
	if err != nil {
		return nil, &BoxError{Err: err}
	}
	if s == nil {
		return nil, &BoxError{Err: errors.New("boxer returned no session")}
	}
	return s, nil
}

// UnboxResponse opens the hex encoded response rawHex sent by peerID.  On
// success the response counter is persisted before the plaintext is
// returned.  Callers must serialize calls for the same peerID.
func (a *Adapter) UnboxResponse(ctx context.Context, session Session, rawHex string, peerID string) ([]byte, error) {
	data, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	last, err := a.store.GetCounter(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to read counter for %s: %w", peerID, err)
	}

	plaintext, counter, err := a.boxer.Unbox(session, data, last)
	switch {
	case err == nil:
	case errors.Is(err, ErrCounterReplay), errors.Is(err, ErrMalformed), errors.Is(err, ErrDecrypt):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if counter <= last {
		return nil, fmt.Errorf("%w: got %d, last %d", ErrCounterReplay, counter, last)
	}

	if err = a.store.SetCounter(ctx, peerID, counter); err != nil {
		return nil, fmt.Errorf("envelope: failed to store counter for %s: %w", peerID, err)
	}
	return plaintext, nil
}

// RequestHex returns the hex encoding of the sealed request, the form that
// is sliced into segments.
func RequestHex(s Session) string {
	return hex.EncodeToString(s.Request())
}
