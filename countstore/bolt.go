// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package countstore

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	countersBucket = "counters"
	versionKey     = "version"

	storeVersion = 0
)

// BoltStore is a CounterStore backed by a bolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates (or loads) a counter store with the given file name.
func NewBoltStore(f string) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(countersBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("countstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// GetCounter implements CounterStore.
func (s *BoltStore) GetCounter(ctx context.Context, peerID string) (uint64, error) {
	if peerID == "" {
		return 0, ErrInvalidPeer
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var counter uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(countersBucket)).Get([]byte(peerID))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("countstore: corrupt counter for %s", peerID)
		}
		counter = binary.BigEndian.Uint64(raw)
		return nil
	})
	return counter, err
}

// SetCounter implements CounterStore.
func (s *BoltStore) SetCounter(ctx context.Context, peerID string, counter uint64) error {
	if peerID == "" {
		return ErrInvalidPeer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], counter)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(countersBucket)).Put([]byte(peerID), raw[:])
	})
}

// Close flushes and closes the database.
func (s *BoltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
