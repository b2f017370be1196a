// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package channel carries frames between nodes over an unreliable medium.
//
// No implementation acknowledges, orders, or retries anything: a payload that
// does not arrive is simply gone.
package channel

import (
	"errors"
	"fmt"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

var (
	// ErrSendFailed wraps any transport error on Broadcast or Unicast.
	ErrSendFailed = errors.New("channel: send failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
)

// Handler receives inbound payloads. It may be called from any goroutine and
// must not block for long. The payload is owned by the handler.
type Handler func(src telemetry.HardwareAddress, payload []byte)

// Channel is a broadcast medium with best-effort addressed replies.
type Channel interface {
	// Broadcast sends payload to every listener.
	Broadcast(payload []byte) error
	// Unicast sends payload to a single node.
	Unicast(dst telemetry.HardwareAddress, payload []byte) error
	// Listen installs the inbound handler. It is called at most once.
	Listen(h Handler) error
	Close() error
}

func wrapSend(err error) error {
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}
