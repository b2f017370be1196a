// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

func addr(n int) telemetry.HardwareAddress {
	return telemetry.HardwareAddress{0x24, 0x6f, 0x28, 0x00, byte(n >> 8), byte(n)}
}

func newRegistry(t *testing.T, capacity int) *Registry {
	t.Helper()
	r, err := New(capacity, telemetry.NewManualClock(time.Unix(1000, 0)))
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{-1, 0, 1, 256} {
		_, err := New(c, telemetry.SystemClock{})
		assert.Error(t, err, "capacity %d", c)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newRegistry(t, 10)

	id, created, err := r.Resolve(addr(1))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, telemetry.Identity(1), id)

	again, created, err := r.Resolve(addr(1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, r.Len())
}

func TestResolveAssignsInFirstSeenOrder(t *testing.T) {
	r := newRegistry(t, 10)

	seen := map[telemetry.Identity]bool{}
	for i := 1; i <= 9; i++ {
		id, _, err := r.Resolve(addr(i))
		require.NoError(t, err)
		assert.Equal(t, telemetry.Identity(i), id)
		assert.False(t, seen[id], "identity %d handed out twice", id)
		seen[id] = true
	}

	entries := r.Entries()
	require.Len(t, entries, 9)
	for i, e := range entries {
		assert.Equal(t, addr(i+1), e.Address)
		assert.Equal(t, telemetry.Identity(i+1), e.Identity)
	}
}

func TestResolveFullLeavesStateUnchanged(t *testing.T) {
	r := newRegistry(t, 4)
	for i := 1; i <= 3; i++ {
		_, _, err := r.Resolve(addr(i))
		require.NoError(t, err)
	}
	before := r.Entries()

	_, _, err := r.Resolve(addr(99))
	assert.ErrorIs(t, err, ErrRegistryFull)

	_, ok := r.Lookup(addr(99))
	assert.False(t, ok)
	assert.Equal(t, before, r.Entries())

	// known addresses still resolve when full
	id, created, err := r.Resolve(addr(2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, telemetry.Identity(2), id)
}

func TestConcurrentFirstContactSameAddress(t *testing.T) {
	r := newRegistry(t, 10)

	const workers = 64
	ids := make([]telemetry.Identity, workers)
	var created int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, c, err := r.Resolve(addr(7))
			assert.NoError(t, err)
			ids[i] = id
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentDistinctAddressesNeverShareIdentity(t *testing.T) {
	r := newRegistry(t, telemetry.MaxCapacity)

	const workers = 300 // more than the registry can hold
	var (
		mu    sync.Mutex
		owner = map[telemetry.Identity]telemetry.HardwareAddress{}
		full  int
		wg    sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.Resolve(addr(i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrRegistryFull)
				full++
				return
			}
			prev, dup := owner[id]
			assert.False(t, dup, "identity %d given to %s and %s", id, prev, addr(i))
			owner[id] = addr(i)
		}(i)
	}
	wg.Wait()

	assert.Len(t, owner, telemetry.MaxCapacity-1)
	assert.Equal(t, workers-(telemetry.MaxCapacity-1), full)
	for id := range owner {
		assert.True(t, id >= 1 && int(id) < telemetry.MaxCapacity)
	}
}
