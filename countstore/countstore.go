// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package countstore persists the last accepted response counter per exit
// node, so that replayed or stale responses are rejected across restarts.
package countstore

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidPeer is returned for an empty peer id.
var ErrInvalidPeer = errors.New("countstore: invalid peer id")

// CounterStore is the persistent counter store consulted when unboxing
// responses.  A peer without a stored counter has counter 0.
type CounterStore interface {
	GetCounter(ctx context.Context, peerID string) (uint64, error)
	SetCounter(ctx context.Context, peerID string, counter uint64) error
}

// MemStore is an in-memory CounterStore.
type MemStore struct {
	sync.RWMutex

	counters map[string]uint64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[string]uint64)}
}

// GetCounter implements CounterStore.
func (s *MemStore) GetCounter(ctx context.Context, peerID string) (uint64, error) {
	if peerID == "" {
		return 0, ErrInvalidPeer
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.RLock()
	defer s.RUnlock()
	return s.counters[peerID], nil
}

// SetCounter implements CounterStore.
func (s *MemStore) SetCounter(ctx context.Context, peerID string, counter uint64) error {
	if peerID == "" {
		return ErrInvalidPeer
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.counters[peerID] = counter
	return nil
}
