// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package role decides whether a node runs as the hub or as a leaf.
package role

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Role is fixed for the lifetime of a node.
type Role int

const (
	Leaf Role = iota
	Hub
)

func (r Role) String() string {
	if r == Hub {
		return "hub"
	}
	return "leaf"
}

// Mode is the configured ROLE value.
type Mode string

const (
	ModeHub  Mode = "hub"
	ModeLeaf Mode = "leaf"
	ModeAuto Mode = "auto"
)

// Prober reports whether a hub is already running on the medium.
type Prober interface {
	ProbeHub(ctx context.Context) (bool, error)
}

// Decide resolves mode into a role. In auto mode the prober gets at most
// timeout to find a running hub; if none answers, this node becomes the hub.
// A nil prober in auto mode means the medium cannot host leaves, so the node
// is a hub.
func Decide(ctx context.Context, mode Mode, prober Prober, timeout time.Duration, logger *slog.Logger) (Role, error) {
	switch mode {
	case ModeHub:
		return Hub, nil
	case ModeLeaf:
		return Leaf, nil
	case ModeAuto:
	default:
		return Leaf, fmt.Errorf("unknown role mode %q", mode)
	}

	if prober == nil {
		logger.Info("no hub probe available for this transport, starting as hub")
		return Hub, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := prober.ProbeHub(probeCtx)
	if err != nil {
		return Leaf, fmt.Errorf("probe for hub: %w", err)
	}
	if found {
		logger.Info("hub found, starting as leaf")
		return Leaf, nil
	}
	logger.Info("no hub answered, starting as hub", "waited", timeout)
	return Hub, nil
}
