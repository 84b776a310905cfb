// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"

	"github.com/rpch/rpch/nodes"
	"github.com/rpch/rpch/payload"
	"github.com/rpch/rpch/selector"
)

var (
	// ErrTimeout is returned when a request does not complete before its
	// deadline.
	ErrTimeout = errors.New("client: request timed out")

	// ErrNoEligibleNodes is returned when no entry/exit route became
	// available before the request deadline.
	ErrNoEligibleNodes = fmt.Errorf("client: no eligible nodes: %w", selector.ErrNoNodes)

	// ErrSendFailure is matched by every *SendError.
	ErrSendFailure = errors.New("client: failed to send request")

	// ErrShutdown is returned for requests pending when the client shuts
	// down, and for requests made afterwards.
	ErrShutdown = errors.New("client: shutdown")

	// ErrNotStarted is returned for requests made before Start.
	ErrNotStarted = errors.New("client: not started")
)

// SendError is returned when a segment of a request could not be handed to
// the entry node.
type SendError struct {
	RequestID uint64
	EntryID   string
	Err       error
}

func newSendError(requestID uint64, entryID string, err error) *SendError {
	return &SendError{RequestID: requestID, EntryID: entryID, Err: err}
}

func (e *SendError) Error() string {
	return fmt.Sprintf("client: failed to send request %d via %s: %v", e.RequestID, nodes.ShortID(e.EntryID), e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is matches ErrSendFailure.
func (e *SendError) Is(target error) bool {
	return target == ErrSendFailure
}

// RemoteError is returned when the round trip succeeded but the exit node
// reported a failure instead of an RPC response.
type RemoteError struct {
	Type   payload.RespType
	Status int
	Text   string
	Reason string

	// LastCounter is the counter the exit node last accepted, set for
	// payload.TypeCounterFail.
	LastCounter uint64
}

func newRemoteError(p *payload.RespPayload) *RemoteError {
	return &RemoteError{
		Type:        p.Type,
		Status:      p.Status,
		Text:        p.Text,
		Reason:      p.Reason,
		LastCounter: p.LastCounter,
	}
}

func (e *RemoteError) Error() string {
	switch e.Type {
	case payload.TypeHTTPError:
		return fmt.Sprintf("client: provider answered %d: %s", e.Status, e.Text)
	case payload.TypeCounterFail:
		return fmt.Sprintf("client: exit node rejected request counter (last accepted: %d)", e.LastCounter)
	default:
		return fmt.Sprintf("client: exit node error: %s", e.Reason)
	}
}
