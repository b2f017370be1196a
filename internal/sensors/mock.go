// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"sync"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

type mockSource struct {
	mono *telemetry.Monotonic

	mu    sync.Mutex
	value float32
}

// NewMockSource creates a synthetic source that ramps every axis by 0.1 per
// read, each axis offset from the previous one by 0.1.
func NewMockSource(mono *telemetry.Monotonic) Source {
	return &mockSource{mono: mono}
}

func (m *mockSource) Read() (telemetry.Sample, error) {
	m.mu.Lock()
	m.value += 0.1
	v := m.value
	m.mu.Unlock()

	return telemetry.Sample{
		Ax:        v,
		Ay:        v + 0.1,
		Az:        v + 0.2,
		Gx:        v + 0.3,
		Gy:        v + 0.4,
		Gz:        v + 0.5,
		Timestamp: m.mono.Millis(),
	}, nil
}

// FixedSource returns the same reading every time, timestamped at read.
type FixedSource struct {
	Sample telemetry.Sample
	Mono   *telemetry.Monotonic
}

func (f FixedSource) Read() (telemetry.Sample, error) {
	s := f.Sample
	if f.Mono != nil {
		s.Timestamp = f.Mono.Millis()
	}
	return s, nil
}
