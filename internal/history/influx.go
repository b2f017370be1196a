// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package history mirrors stored samples into InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Measurement is the InfluxDB measurement holding IMU samples.
const Measurement = "imu"

const pingTimeout = 5 * time.Second

var (
	// ErrDisabled is returned by Connect when INFLUX_ENABLED is false.
	ErrDisabled = errors.New("history: disabled in configuration")

	// ErrConnectionFailed wraps ping failures.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Sink writes every sample it is given through the batching, non-blocking
// write API. Write errors surface asynchronously and are only logged.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	node     string
	logger   *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// Connect pings the server and opens the write API. node tags every point
// with the hub that recorded it.
func Connect(cfg *config.Config, node telemetry.HardwareAddress, logger *slog.Logger) (*Sink, error) {
	if !cfg.InfluxEnabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		cfg.InfluxURL,
		cfg.InfluxToken,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.InfluxBatchSize)).
			SetFlushInterval(uint(cfg.InfluxFlushIntervalMS)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.InfluxURL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.InfluxURL)
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket),
		node:     node.String(),
		logger:   logger.With("component", "history", "url", cfg.InfluxURL, "bucket", cfg.InfluxBucket),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())

	s.logger.Info("history sink connected")
	return s, nil
}

func (s *Sink) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		if s.failed.Add(1) == 1 {
			s.logger.Warn("history write failed", "error", err)
		} else {
			s.logger.Debug("history write failed", "error", err)
		}
	}
}

// Record queues one point. It never blocks on the network.
func (s *Sink) Record(sample telemetry.Sample, at time.Time) {
	s.writeAPI.WritePoint(newPoint(s.node, sample, at))
	s.written.Add(1)
}

func newPoint(node string, sample telemetry.Sample, at time.Time) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"node":     node,
			"identity": store.Key(sample.Identity),
		},
		map[string]interface{}{
			"ax": sample.Ax,
			"ay": sample.Ay,
			"az": sample.Az,
			"gx": sample.Gx,
			"gy": sample.Gy,
			"gz": sample.Gz,
			"t":  sample.Timestamp,
			"dt": sample.Latency,
		},
		at,
	)
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	s.logger.Info("history sink closed", "points", s.written.Load(), "write_errors", s.failed.Load())
	return nil
}
