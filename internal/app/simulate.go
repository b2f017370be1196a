// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relabs-tech/inertial_mesh/internal/aggregator"
	"github.com/relabs-tech/inertial_mesh/internal/channel"
	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/metrics"
	"github.com/relabs-tech/inertial_mesh/internal/registry"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/sensors"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// simulatedOUI prefixes the addresses of simulated nodes (locally administered).
var simulatedOUI = [3]byte{0x02, 0x1e, 0x55}

// SimulatedAddress is the address of simulated node i; 0 is the hub.
func SimulatedAddress(i int) telemetry.HardwareAddress {
	return telemetry.HardwareAddress{simulatedOUI[0], simulatedOUI[1], simulatedOUI[2], 0, byte(i >> 8), byte(i)}
}

// Simulation runs a hub and a number of mock leaves over an in-process bus,
// with the hub's web server on the configured port.
type Simulation struct {
	cfg    *config.Config
	logger *slog.Logger

	hub    *aggregator.Service
	leaves []*aggregator.Service
	web    *WebServer
}

// NewSimulation builds a hub and leaves leaf nodes. Every node uses the mock
// sensor regardless of SENSOR.
func NewSimulation(cfg *config.Config, leaves int, logger *slog.Logger) (*Simulation, error) {
	if leaves < 1 || leaves > cfg.StoreCapacity-1 {
		return nil, fmt.Errorf("simulation needs 1-%d leaves, got %d", cfg.StoreCapacity-1, leaves)
	}

	bus := channel.NewBus()
	mono := telemetry.NewMonotonic(telemetry.SystemClock{})
	m := metrics.New()

	reg, err := registry.New(cfg.StoreCapacity, mono.Clock())
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.StoreCapacity, cfg.FreshnessThreshold(), mono.Clock())
	if err != nil {
		return nil, err
	}

	sim := &Simulation{cfg: cfg, logger: logger.With("component", "simulation")}
	sim.hub, err = aggregator.New(aggregator.Deps{
		Role:     role.Hub,
		Self:     SimulatedAddress(0),
		Source:   sensors.NewMockSource(mono),
		Channel:  bus.Attach(SimulatedAddress(0)),
		Registry: reg,
		Store:    st,
		Mono:     mono,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	for i := 1; i <= leaves; i++ {
		addr := SimulatedAddress(i)
		leaf, err := aggregator.New(aggregator.Deps{
			Role:    role.Leaf,
			Self:    addr,
			Source:  sensors.NewMockSource(mono),
			Channel: bus.Attach(addr),
			Mono:    mono,
			Metrics: metrics.New(),
			Logger:  logger.With("leaf", i),
		})
		if err != nil {
			return nil, err
		}
		sim.leaves = append(sim.leaves, leaf)
	}

	sim.web = NewWebServer(cfg, sim.hub, m.Handler(), logger)
	return sim, nil
}

// Hub is the simulated hub's service.
func (s *Simulation) Hub() *aggregator.Service { return s.hub }

// Run samples on every node until ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	nodes := append([]*aggregator.Service{s.hub}, s.leaves...)
	for _, n := range nodes {
		if err := n.Start(); err != nil {
			return err
		}
	}
	if err := s.web.Start(); err != nil {
		return err
	}
	defer s.web.Close()

	s.logger.Info("simulation running", "leaves", len(s.leaves))

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *aggregator.Service) {
			defer wg.Done()
			_ = n.Run(ctx, s.cfg.SampleInterval())
		}(n)
	}
	wg.Wait()
	return nil
}
