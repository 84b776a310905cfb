// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package request models in-flight requests, their responses and the cache
// that expires them by deadline.
package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rpch/rpch/envelope"
)

// Response is the result of a request that completed its round trip.
type Response struct {
	RequestID uint64
	Body      string

	EntryID string
	ExitID  string

	// RTT is the time from request creation to the complete response.
	RTT time.Duration
}

// Request is one in-flight request.  It reaches exactly one terminal
// outcome, either resolved with a Response or rejected with an error.
type Request struct {
	ID        uint64
	Provider  string
	Body      string
	CreatedAt time.Time
	Deadline  time.Time
	EntryID   string
	ExitID    string
	Session   envelope.Session

	// Segments is the number of wire segments the request was sliced into.
	Segments int

	// SentAt is set once every segment was handed to the entry node.
	SentAt time.Time

	once   sync.Once
	doneCh chan struct{}
	resp   *Response
	err    error
}

// New creates a request that expires timeout after now.
func New(id uint64, provider, body, entryID, exitID string, session envelope.Session, now time.Time, timeout time.Duration) *Request {
	return &Request{
		ID:        id,
		Provider:  provider,
		Body:      body,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		EntryID:   entryID,
		ExitID:    exitID,
		Session:   session,
		doneCh:    make(chan struct{}),
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("request[id: %d, entry: %s, exit: %s]", r.ID, shortID(r.EntryID), shortID(r.ExitID))
}

// Resolve completes the request with resp.  It returns false if the request
// already reached a terminal outcome.
func (r *Request) Resolve(resp *Response) bool {
	ok := false
	r.once.Do(func() {
		r.resp = resp
		close(r.doneCh)
		ok = true
	})
	return ok
}

// Reject completes the request with err.  It returns false if the request
// already reached a terminal outcome.
func (r *Request) Reject(err error) bool {
	ok := false
	r.once.Do(func() {
		r.err = err
		close(r.doneCh)
		ok = true
	})
	return ok
}

// Done returns a channel that is closed once the request is resolved or
// rejected.
func (r *Request) Done() <-chan struct{} {
	return r.doneCh
}

// Result returns the terminal outcome.  It must only be called after Done
// is closed.
func (r *Request) Result() (*Response, error) {
	return r.resp, r.err
}

// Wait blocks until the request reaches its terminal outcome or ctx is
// done.
func (r *Request) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.doneCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return "." + id[len(id)-4:]
}
