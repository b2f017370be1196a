// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors provides the inertial sample sources a node can poll.
package sensors

import (
	"fmt"
	"log/slog"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Source produces one 6-axis reading per call, with Timestamp set to the
// capture time on the node's monotonic clock. Identity and Latency are left
// for the caller.
type Source interface {
	Read() (telemetry.Sample, error)
}

// Kinds accepted by New.
const (
	KindMock    = "mock"
	KindMPU9250 = "mpu9250"
)

// Options selects and wires a sensor.
type Options struct {
	Kind      string
	SPIDevice string // mpu9250 only
	CSPin     string // mpu9250 only

	// Full-scale selections, 0-3: ±2/4/8/16 g and ±250/500/1000/2000 °/s.
	AccelRange byte
	GyroRange  byte

	Logger *slog.Logger
}

// New builds the configured source.
func New(opts Options, mono *telemetry.Monotonic) (Source, error) {
	switch opts.Kind {
	case KindMock, "":
		return NewMockSource(mono), nil
	case KindMPU9250:
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return NewMPU9250Source(opts.SPIDevice, opts.CSPin, opts.AccelRange, opts.GyroRange, mono, logger)
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", opts.Kind)
	}
}
