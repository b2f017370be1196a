// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package registry assigns each newly seen hardware address a small identity.
//
// Identities are handed out in first-seen order starting at 1 (0 belongs to the
// hub itself) and are never revoked or reused while the process runs.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// ErrRegistryFull is returned when every remote identity is taken.
var ErrRegistryFull = errors.New("registry: no identity left")

// Entry records one registered node.
type Entry struct {
	Address   telemetry.HardwareAddress `json:"address"`
	Identity  telemetry.Identity        `json:"id"`
	FirstSeen time.Time                 `json:"first_seen"`
}

// Registry maps hardware addresses to identities.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byAddr  map[telemetry.HardwareAddress]telemetry.Identity
	entries []Entry

	capacity int
	clock    telemetry.Clock
}

// New creates a registry for a store of the given capacity, leaving
// capacity-1 identities for remote nodes.
func New(capacity int, clock telemetry.Clock) (*Registry, error) {
	if capacity < 2 || capacity > telemetry.MaxCapacity {
		return nil, fmt.Errorf("registry: capacity must be 2-%d, got %d", telemetry.MaxCapacity, capacity)
	}
	return &Registry{
		byAddr:   make(map[telemetry.HardwareAddress]telemetry.Identity, capacity-1),
		entries:  make([]Entry, 0, capacity-1),
		capacity: capacity,
		clock:    clock,
	}, nil
}

// Resolve returns the identity of addr, assigning the next free one on first
// contact. created reports whether this call did the assignment.
// A full registry returns ErrRegistryFull and records nothing.
func (r *Registry) Resolve(addr telemetry.HardwareAddress) (id telemetry.Identity, created bool, err error) {
	r.mu.RLock()
	id, ok := r.byAddr[addr]
	r.mu.RUnlock()
	if ok {
		return id, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another first contact may have won the race
	if id, ok := r.byAddr[addr]; ok {
		return id, false, nil
	}
	if len(r.entries) >= r.capacity-1 {
		return 0, false, fmt.Errorf("%w: %d of %d identities in use (address %s)",
			ErrRegistryFull, len(r.entries), r.capacity-1, addr)
	}

	id = telemetry.Identity(len(r.entries) + 1)
	r.byAddr[addr] = id
	r.entries = append(r.entries, Entry{Address: addr, Identity: id, FirstSeen: r.clock.Now()})
	return id, true, nil
}

// Lookup returns the identity of addr without assigning one.
func (r *Registry) Lookup(addr telemetry.HardwareAddress) (telemetry.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// Entries returns a copy of all registrations in assignment order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity is the store capacity this registry was sized for.
func (r *Registry) Capacity() int { return r.capacity }
