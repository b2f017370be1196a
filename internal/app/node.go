// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package app composes the node processes started by the binaries in cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/aggregator"
	"github.com/relabs-tech/inertial_mesh/internal/channel"
	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/history"
	"github.com/relabs-tech/inertial_mesh/internal/metrics"
	"github.com/relabs-tech/inertial_mesh/internal/registry"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/sensors"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Node owns every component of one running node. Nothing below it reaches
// for globals: the sampler, the frame handler and the web server all share
// the service it builds.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	self    telemetry.HardwareAddress
	role    role.Role
	metrics *metrics.Metrics

	channel channel.Channel
	beacon  *role.MQTTBeacon
	history *history.Sink
	service *aggregator.Service
	web     *WebServer

	closers []io.Closer
}

// NewNode decides the role and builds the node. Nothing runs until Run.
func NewNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	self, err := cfg.Address()
	if err != nil {
		return nil, fmt.Errorf("node address: %w", err)
	}

	n := &Node{cfg: cfg, self: self, metrics: metrics.New()}

	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "inertial-mesh-" + self.Hex()
	}

	var prober role.Prober
	if cfg.Transport == config.TransportMQTT {
		n.beacon = role.NewMQTTBeacon(cfg.MQTTBroker, cfg.MQTTTopicPrefix, clientID, logger)
		prober = n.beacon
	}
	probeTimeout := time.Duration(cfg.RoleProbeMS) * time.Millisecond
	n.role, err = role.Decide(ctx, role.Mode(cfg.Role), prober, probeTimeout, logger)
	if err != nil {
		return nil, err
	}
	n.logger = logger.With("role", n.role.String(), "address", self.String())

	n.channel, err = openChannel(cfg, self, clientID, n.role, n.logger)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.channel)

	mono := telemetry.NewMonotonic(telemetry.SystemClock{})
	source, err := sensors.New(sensors.Options{
		Kind:       cfg.Sensor,
		SPIDevice:  cfg.IMUSPIDevice,
		CSPin:      cfg.IMUCSPin,
		AccelRange: cfg.IMUAccelRange,
		GyroRange:  cfg.IMUGyroRange,
		Logger:     n.logger,
	}, mono)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("sensor: %w", err)
	}

	deps := aggregator.Deps{
		Role:    n.role,
		Self:    self,
		Source:  source,
		Channel: n.channel,
		Mono:    mono,
		Metrics: n.metrics,
		Logger:  n.logger,
	}
	if n.role == role.Hub {
		if deps.Registry, err = registry.New(cfg.StoreCapacity, mono.Clock()); err != nil {
			n.Close()
			return nil, err
		}
		if deps.Store, err = store.New(cfg.StoreCapacity, cfg.FreshnessThreshold(), mono.Clock()); err != nil {
			n.Close()
			return nil, err
		}
		if cfg.InfluxEnabled {
			// an unreachable InfluxDB only disables history
			sink, err := history.Connect(cfg, self, n.logger)
			if err != nil {
				n.logger.Warn("history disabled", "error", err)
			} else {
				n.history = sink
				n.closers = append(n.closers, sink)
				deps.Sink = sink
			}
		}
	}

	n.service, err = aggregator.New(deps)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.web = NewWebServer(cfg, n.service, n.metrics.Handler(), n.logger)
	return n, nil
}

func openChannel(cfg *config.Config, self telemetry.HardwareAddress, clientID string, r role.Role, logger *slog.Logger) (channel.Channel, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		ch, err := channel.DialMQTT(channel.MQTTOptions{
			Broker:        cfg.MQTTBroker,
			ClientID:      clientID,
			TopicPrefix:   cfg.MQTTTopicPrefix,
			Self:          self,
			ReceiveFrames: r == role.Hub,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	case config.TransportSerial:
		if r != role.Hub {
			return nil, errors.New("the serial bridge can only be used by the hub")
		}
		ch, err := channel.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Role is the role decided at startup.
func (n *Node) Role() role.Role { return n.role }

// Run starts the frame handler, the web server and the display, then samples
// until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	if err := n.service.Start(); err != nil {
		return err
	}
	if n.role == role.Hub && n.beacon != nil {
		if err := n.beacon.Announce(n.self); err != nil {
			n.logger.Warn("hub beacon not published, leaves must be configured with ROLE=leaf", "error", err)
		} else {
			n.closers = append(n.closers, n.beacon)
		}
	}
	if err := n.web.Start(); err != nil {
		return err
	}
	n.closers = append(n.closers, n.web)

	if n.cfg.DisplayEnabled {
		go func() {
			if err := RunDisplay(ctx, n.cfg, n.service, n.logger); err != nil {
				n.logger.Warn("display stopped", "error", err)
			}
		}()
	}

	return n.service.Run(ctx, n.cfg.SampleInterval())
}

// Close releases everything in reverse order of acquisition.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			n.logger.Warn("close failed", "error", err)
		}
	}
	n.closers = nil
}
