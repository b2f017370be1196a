// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame layout, little-endian, no padding:
//
//	offset  size  field
//	0       4     ax float32
//	4       4     ay float32
//	8       4     az float32
//	12      4     gx float32
//	16      4     gy float32
//	20      4     gz float32
//	24      1     identity
//	25      4     timestamp uint32
//	29      4     latency uint32
const (
	FrameSize = 33

	identityOffset  = 24
	timestampOffset = 25
	latencyOffset   = 29
)

// Assignment messages are sent by the hub to tell a leaf its identity.
const (
	AssignmentSize  = 2
	assignmentMagic = 0xA5
)

var (
	// ErrSizeMismatch is returned when a frame is not exactly FrameSize bytes.
	ErrSizeMismatch = errors.New("telemetry: frame size mismatch")

	// ErrNotAssignment is returned for payloads that are not an assignment message.
	ErrNotAssignment = errors.New("telemetry: not an assignment message")
)

var byteOrder = binary.LittleEndian

// EncodeFrame serializes a sample into a new FrameSize buffer.
func EncodeFrame(s Sample) []byte {
	buf := make([]byte, FrameSize)
	axes := [6]float32{s.Ax, s.Ay, s.Az, s.Gx, s.Gy, s.Gz}
	for i, v := range axes {
		byteOrder.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	buf[identityOffset] = byte(s.Identity)
	byteOrder.PutUint32(buf[timestampOffset:], s.Timestamp)
	byteOrder.PutUint32(buf[latencyOffset:], s.Latency)
	return buf
}

// DecodeFrame parses a frame. Anything but exactly FrameSize bytes is rejected.
func DecodeFrame(b []byte) (Sample, error) {
	if len(b) != FrameSize {
		return Sample{}, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(b), FrameSize)
	}

	f := func(i int) float32 { return math.Float32frombits(byteOrder.Uint32(b[i*4:])) }
	return Sample{
		Ax:        f(0),
		Ay:        f(1),
		Az:        f(2),
		Gx:        f(3),
		Gy:        f(4),
		Gz:        f(5),
		Identity:  Identity(b[identityOffset]),
		Timestamp: byteOrder.Uint32(b[timestampOffset:]),
		Latency:   byteOrder.Uint32(b[latencyOffset:]),
	}, nil
}

// EncodeAssignment builds the hub's reply carrying the identity assigned to a leaf.
func EncodeAssignment(id Identity) []byte {
	return []byte{assignmentMagic, byte(id)}
}

// DecodeAssignment parses an assignment reply.
func DecodeAssignment(b []byte) (Identity, error) {
	if len(b) != AssignmentSize || b[0] != assignmentMagic {
		return 0, fmt.Errorf("%w: %d bytes", ErrNotAssignment, len(b))
	}
	return Identity(b[1]), nil
}
