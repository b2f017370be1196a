// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package store keeps the latest sample per identity.
//
// Each slot is an independent atomic pointer, so writers to different
// identities never contend and a reader always sees a whole sample.
// Nothing is ever expired: staleness is decided when a snapshot is rendered.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// DefaultFreshness is the age after which a slot is rendered as stale.
const DefaultFreshness = 200 * time.Millisecond

// ErrOutOfRange is returned for identities at or above the store capacity.
var ErrOutOfRange = errors.New("store: identity out of range")

type record struct {
	sample  telemetry.Sample
	written time.Time
}

// Store is a fixed-capacity table of latest samples indexed by identity.
type Store struct {
	slots     []atomic.Pointer[record]
	clock     telemetry.Clock
	freshness time.Duration
}

// New creates a store with capacity empty slots.
func New(capacity int, freshness time.Duration, clock telemetry.Clock) (*Store, error) {
	if capacity < 1 || capacity > telemetry.MaxCapacity {
		return nil, fmt.Errorf("store: capacity must be 1-%d, got %d", telemetry.MaxCapacity, capacity)
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Store{
		slots:     make([]atomic.Pointer[record], capacity),
		clock:     clock,
		freshness: freshness,
	}, nil
}

// Update replaces the slot for id. The sample is stamped with id so a slot
// never holds another identity's data.
// Later calls win even when they carry an older capture timestamp.
func (s *Store) Update(id telemetry.Identity, sample telemetry.Sample) error {
	if int(id) >= len(s.slots) {
		return fmt.Errorf("%w: %d (capacity %d)", ErrOutOfRange, id, len(s.slots))
	}
	sample.Identity = id
	s.slots[id].Store(&record{sample: sample, written: s.clock.Now()})
	return nil
}

// Entry is one populated slot as seen by a snapshot.
type Entry struct {
	Identity telemetry.Identity
	Sample   telemetry.Sample
	Age      time.Duration
}

// Snapshot is a point-in-time read of all populated slots in identity order.
type Snapshot []Entry

// Get returns the slot for id, if populated.
func (s *Store) Get(id telemetry.Identity) (Entry, bool) {
	if int(id) >= len(s.slots) {
		return Entry{}, false
	}
	rec := s.slots[id].Load()
	if rec == nil {
		return Entry{}, false
	}
	return Entry{Identity: id, Sample: rec.sample, Age: s.clock.Now().Sub(rec.written)}, true
}

// Snapshot reads every populated slot. Ages are measured against a single now.
func (s *Store) Snapshot() Snapshot {
	now := s.clock.Now()
	snap := make(Snapshot, 0, len(s.slots))
	for i := range s.slots {
		rec := s.slots[i].Load()
		if rec == nil {
			continue
		}
		snap = append(snap, Entry{
			Identity: telemetry.Identity(i),
			Sample:   rec.sample,
			Age:      now.Sub(rec.written),
		})
	}
	return snap
}

func (s *Store) Capacity() int { return len(s.slots) }

// Freshness is the staleness threshold used by Render.
func (s *Store) Freshness() time.Duration { return s.freshness }

// Fresh reports whether a sample of the given age is still presentable.
func Fresh(age, threshold time.Duration) bool {
	return age <= threshold
}
