// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package metrics holds the Prometheus collectors of a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inertial_mesh"

// Results of handling one inbound payload.
const (
	ResultStored       = "stored"
	ResultDecodeError  = "decode_error"
	ResultInvalid      = "invalid"
	ResultRegistryFull = "registry_full"
	ResultOutOfRange   = "out_of_range"
	ResultIgnored      = "ignored"
	ResultAssigned     = "assigned"
)

// Origins of a store update.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Metrics contains all node metrics, registered on a private registry.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesSent        prometheus.Counter
	SendFailures      prometheus.Counter
	AssignmentsSent   prometheus.Counter
	StoreUpdates      *prometheus.CounterVec
	RegisteredDevices prometheus.Gauge
	SensorErrors      prometheus.Counter
	SnapshotRenders   prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all collectors, plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Inbound payloads by handling result",
			},
			[]string{"result"},
		),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames handed to the broadcast channel",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "send_failures_total",
			Help:      "Samples discarded because the channel refused them",
		}),
		AssignmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "assignments_sent_total",
			Help:      "Identity assignment replies sent to leaves",
		}),
		StoreUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "updates_total",
				Help:      "Slot writes by sample origin",
			},
			[]string{"origin"},
		),
		RegisteredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Remote nodes holding an identity",
		}),
		SensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "read_errors_total",
			Help:      "Sampler ticks skipped because the sensor failed",
		}),
		SnapshotRenders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "renders_total",
			Help:      "Snapshot documents rendered for queries",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.FramesReceived,
		m.FramesSent,
		m.SendFailures,
		m.AssignmentsSent,
		m.StoreUpdates,
		m.RegisteredDevices,
		m.SensorErrors,
		m.SnapshotRenders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
