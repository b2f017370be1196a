// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package aggregator runs the sampler and frame handler of a node.
//
// A hub keeps its own readings at identity 0 and stores every frame it hears
// under the identity registered for the sender's address. A leaf only samples
// and broadcasts, tagging its frames with the identity the hub handed it, or
// with telemetry.Unassigned until one arrives.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/channel"
	"github.com/relabs-tech/inertial_mesh/internal/metrics"
	"github.com/relabs-tech/inertial_mesh/internal/registry"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/sensors"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Sink receives every sample written to the store, after the write.
// Implementations must not block.
type Sink interface {
	Record(sample telemetry.Sample, at time.Time)
}

// Deps are the collaborators of a Service. Registry and Store are required
// for a hub; Channel is required for a leaf. Metrics, Sink and Logger are
// optional.
type Deps struct {
	Role     role.Role
	Self     telemetry.HardwareAddress
	Source   sensors.Source
	Channel  channel.Channel
	Registry *registry.Registry
	Store    *store.Store
	Mono     *telemetry.Monotonic
	Metrics  *metrics.Metrics
	Sink     Sink
	Logger   *slog.Logger
}

// Service is the per-node aggregation state machine.
type Service struct {
	deps   Deps
	logger *slog.Logger
	m      *metrics.Metrics

	// identity carried by outgoing frames (leaf only)
	assigned atomic.Uint32

	// sendFailing and sensorFailing collapse repeated per-tick errors into
	// one warning until the next success.
	sendFailing   atomic.Bool
	sensorFailing atomic.Bool
}

// New validates deps for the role.
func New(deps Deps) (*Service, error) {
	if deps.Source == nil {
		return nil, errors.New("aggregator: sensor source is required")
	}
	if deps.Mono == nil {
		return nil, errors.New("aggregator: monotonic clock is required")
	}
	switch deps.Role {
	case role.Hub:
		if deps.Registry == nil || deps.Store == nil {
			return nil, errors.New("aggregator: hub requires a registry and a store")
		}
		if deps.Registry.Capacity() != deps.Store.Capacity() {
			return nil, fmt.Errorf("aggregator: registry capacity %d does not match store capacity %d",
				deps.Registry.Capacity(), deps.Store.Capacity())
		}
	case role.Leaf:
		if deps.Channel == nil {
			return nil, errors.New("aggregator: leaf requires a channel")
		}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Service{
		deps:   deps,
		logger: deps.Logger.With("component", "aggregator", "role", deps.Role.String()),
		m:      deps.Metrics,
	}
	s.assigned.Store(uint32(telemetry.Unassigned))
	return s, nil
}

// Start installs the frame handler on the channel, if there is one.
func (s *Service) Start() error {
	if s.deps.Channel == nil {
		return nil
	}
	if err := s.deps.Channel.Listen(s.HandleFrame); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Run samples on every tick until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("sampler started", "interval", interval, "address", s.deps.Self)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return nil
		case <-ticker.C:
			// errors are already logged and counted
			_ = s.Tick()
		}
	}
}

// Tick takes one local reading and stores it (hub) or broadcasts it (leaf).
// A failed reading or send drops the sample.
func (s *Service) Tick() error {
	sample, err := s.deps.Source.Read()
	if err != nil {
		s.m.SensorErrors.Inc()
		if !s.sensorFailing.Swap(true) {
			s.logger.Warn("sensor read failed", "error", err)
		}
		return fmt.Errorf("read sensor: %w", err)
	}
	if s.sensorFailing.Swap(false) {
		s.logger.Info("sensor reads recovered")
	}

	if s.deps.Role == role.Hub {
		return s.storeLocal(sample)
	}
	return s.transmit(sample)
}

func (s *Service) storeLocal(sample telemetry.Sample) error {
	sample.Latency = s.deps.Mono.Millis() - sample.Timestamp
	if err := s.deps.Store.Update(telemetry.HubIdentity, sample); err != nil {
		return err
	}
	s.m.StoreUpdates.WithLabelValues(metrics.OriginLocal).Inc()
	s.record(telemetry.HubIdentity, sample)
	return nil
}

func (s *Service) transmit(sample telemetry.Sample) error {
	sample.Identity = s.Identity()
	sample.Latency = s.deps.Mono.Millis() - sample.Timestamp

	if err := s.deps.Channel.Broadcast(telemetry.EncodeFrame(sample)); err != nil {
		s.m.SendFailures.Inc()
		if !s.sendFailing.Swap(true) {
			s.logger.Warn("frame broadcast failed, dropping samples until it recovers", "error", err)
		}
		return err
	}
	if s.sendFailing.Swap(false) {
		s.logger.Info("frame broadcast recovered")
	}
	s.m.FramesSent.Inc()
	return nil
}

// HandleFrame is the channel handler. It never fails: anything that cannot
// be used is counted and dropped.
func (s *Service) HandleFrame(src telemetry.HardwareAddress, payload []byte) {
	if s.deps.Role == role.Hub {
		s.handleHubFrame(src, payload)
		return
	}
	s.handleLeafMessage(src, payload)
}

func (s *Service) handleHubFrame(src telemetry.HardwareAddress, payload []byte) {
	sample, err := telemetry.DecodeFrame(payload)
	if err != nil {
		s.m.FramesReceived.WithLabelValues(metrics.ResultDecodeError).Inc()
		s.logger.Debug("dropping undecodable frame", "src", src, "error", err)
		return
	}
	if !sample.Finite() {
		s.m.FramesReceived.WithLabelValues(metrics.ResultInvalid).Inc()
		s.logger.Debug("dropping frame with non-finite axes", "src", src)
		return
	}

	id, created, err := s.deps.Registry.Resolve(src)
	if err != nil {
		s.m.FramesReceived.WithLabelValues(metrics.ResultRegistryFull).Inc()
		s.logger.Warn("dropping frame from unregistered node", "src", src, "error", err)
		return
	}
	if created {
		s.m.RegisteredDevices.Set(float64(s.deps.Registry.Len()))
		s.logger.Info("node registered", "src", src, "identity", id)
	}

	claimed := sample.Identity
	sample.Timestamp = s.deps.Mono.Millis()

	if err := s.deps.Store.Update(id, sample); err != nil {
		s.m.FramesReceived.WithLabelValues(metrics.ResultOutOfRange).Inc()
		s.logger.Error("rejecting store write", "src", src, "identity", id, "error", err)
		return
	}
	s.m.FramesReceived.WithLabelValues(metrics.ResultStored).Inc()
	s.m.StoreUpdates.WithLabelValues(metrics.OriginRemote).Inc()
	s.record(id, sample)

	if claimed != id {
		s.assign(src, id)
	}
}

// assign tells src its identity. It is repeated on every frame until the
// node starts using it, so a lost reply costs one more frame.
func (s *Service) assign(src telemetry.HardwareAddress, id telemetry.Identity) {
	if s.deps.Channel == nil {
		return
	}
	if err := s.deps.Channel.Unicast(src, telemetry.EncodeAssignment(id)); err != nil {
		s.m.SendFailures.Inc()
		s.logger.Debug("assignment reply failed", "dst", src, "identity", id, "error", err)
		return
	}
	s.m.AssignmentsSent.Inc()
}

func (s *Service) handleLeafMessage(src telemetry.HardwareAddress, payload []byte) {
	id, err := telemetry.DecodeAssignment(payload)
	if err != nil || id == telemetry.HubIdentity || id == telemetry.Unassigned {
		// other leaves' frames share the medium
		s.m.FramesReceived.WithLabelValues(metrics.ResultIgnored).Inc()
		return
	}

	s.m.FramesReceived.WithLabelValues(metrics.ResultAssigned).Inc()
	if prev := telemetry.Identity(s.assigned.Swap(uint32(id))); prev != id {
		s.logger.Info("identity assigned by hub", "identity", id, "previous", prev, "hub", src)
	}
}

func (s *Service) record(id telemetry.Identity, sample telemetry.Sample) {
	if s.deps.Sink == nil {
		return
	}
	sample.Identity = id
	s.deps.Sink.Record(sample, s.deps.Mono.Clock().Now())
}

// Identity is the identity this node's readings are stored under:
// 0 on a hub, the assigned identity (or Unassigned) on a leaf.
func (s *Service) Identity() telemetry.Identity {
	if s.deps.Role == role.Hub {
		return telemetry.HubIdentity
	}
	return telemetry.Identity(s.assigned.Load())
}

func (s *Service) Role() role.Role { return s.deps.Role }

// Address is this node's own hardware address.
func (s *Service) Address() telemetry.HardwareAddress { return s.deps.Self }

// Document renders the store. A leaf keeps no store and always renders an
// empty document.
func (s *Service) Document() store.Document {
	s.m.SnapshotRenders.Inc()
	if s.deps.Store == nil {
		return store.Document{}
	}
	return s.deps.Store.Render()
}

// Devices lists the registered remote nodes; empty on a leaf.
func (s *Service) Devices() []registry.Entry {
	if s.deps.Registry == nil {
		return []registry.Entry{}
	}
	return s.deps.Registry.Entries()
}

// Capacity is the number of identities including the hub's, or 0 on a leaf.
func (s *Service) Capacity() int {
	if s.deps.Store == nil {
		return 0
	}
	return s.deps.Store.Capacity()
}
