// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyedlock provides mutual exclusion keyed by arbitrary
// comparable values.
//
// A [Map] hands out one critical section per key. Holders of different
// keys never contend; holders of the same key queue in the order the
// runtime wakes them. Entries are created on first Lock and removed once
// no goroutine holds or waits for the key, so a Map keyed by peer
// identity keys or room IDs does not grow with the number of keys ever
// seen.
//
//	unlock, err := locks.Lock(ctx, senderKey)
//	if err != nil {
//		return err
//	}
//	defer unlock()
package keyedlock

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Map is a set of per-key locks. The zero value is not usable; call [New].
type Map[K comparable] struct {
	entries *xsync.MapOf[K, *entry]
}

// entry is a one-slot semaphore plus the number of goroutines holding
// or waiting on it. refs is only touched inside Compute.
type entry struct {
	slot chan struct{}
	refs int
}

// New returns an empty Map.
func New[K comparable]() *Map[K] {
	return &Map[K]{entries: xsync.NewMapOf[K, *entry]()}
}

// Lock blocks until the lock for key is held or ctx is done. The
// returned function releases the lock and may be called more than once.
func (m *Map[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	held := m.acquire(key)
	select {
	case held.slot <- struct{}{}:
		return m.unlocker(key, held), nil
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if nobody holds it.
func (m *Map[K]) TryLock(key K) (unlock func(), ok bool) {
	held := m.acquire(key)
	select {
	case held.slot <- struct{}{}:
		return m.unlocker(key, held), true
	default:
		m.release(key)
		return nil, false
	}
}

func (m *Map[K]) acquire(key K) *entry {
	held, _ := m.entries.Compute(key, func(existing *entry, loaded bool) (*entry, bool) {
		if !loaded {
			existing = &entry{slot: make(chan struct{}, 1)}
		}
		existing.refs++
		return existing, false
	})
	return held
}

func (m *Map[K]) unlocker(key K, held *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-held.slot
			m.release(key)
		})
	}
}

func (m *Map[K]) release(key K) {
	m.entries.Compute(key, func(existing *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		existing.refs--
		return existing, existing.refs == 0
	})
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int {
	return m.entries.Size()
}
