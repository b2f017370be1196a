// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Full-scale selections 0-3 and their LSB per unit.
var (
	accelRangeG    = [4]int{2, 4, 8, 16}
	accelLSBPerG   = [4]float64{16384, 8192, 4096, 2048}
	gyroRangeDegS  = [4]int{250, 500, 1000, 2000}
	gyroLSBPerDegS = [4]float64{131, 65.5, 32.8, 16.4}
)

// scale converts raw counts for one accel/gyro range pair.
type scale struct {
	accel float64
	gyro  float64
}

func scaleFor(accelRange, gyroRange byte) (scale, error) {
	if int(accelRange) >= len(accelLSBPerG) {
		return scale{}, fmt.Errorf("accel range %d out of 0-3", accelRange)
	}
	if int(gyroRange) >= len(gyroLSBPerDegS) {
		return scale{}, fmt.Errorf("gyro range %d out of 0-3", gyroRange)
	}
	return scale{accel: accelLSBPerG[accelRange], gyro: gyroLSBPerDegS[gyroRange]}, nil
}

type mpu9250Source struct {
	imu   *mpu9250.MPU9250
	mono  *telemetry.Monotonic
	scale scale
}

// NewMPU9250Source initializes an MPU9250 over SPI with the given full-scale
// selections.
func NewMPU9250Source(spiDev, csPin string, accelRange, gyroRange byte, mono *telemetry.Monotonic, logger *slog.Logger) (Source, error) {
	sc, err := scaleFor(accelRange, gyroRange)
	if err != nil {
		return nil, fmt.Errorf("IMU: %w", err)
	}
	logger = logger.With("component", "sensors", "spi", spiDev)

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("IMU: periph host init: %w", err)
	}

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("IMU: CS pin %q not found", csPin)
	}

	tr, err := mpu9250.NewSpiTransport(spiDev, cs)
	if err != nil {
		return nil, fmt.Errorf("IMU: SPI transport (%s): %w", spiDev, err)
	}

	imu, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("IMU: device creation: %w", err)
	}

	if err := imu.Init(); err != nil {
		return nil, fmt.Errorf("IMU: initialization: %w", err)
	}

	if err := imu.SetAccelRange(accelRange); err != nil {
		return nil, fmt.Errorf("IMU: set accel range: %w", err)
	}
	if err := imu.SetGyroRange(gyroRange); err != nil {
		return nil, fmt.Errorf("IMU: set gyro range: %w", err)
	}
	logger.Info("IMU ranges set",
		"accel_range_g", accelRangeG[accelRange],
		"gyro_range_dps", gyroRangeDegS[gyroRange])

	// Self-test and calibration failures leave a usable, if less accurate, sensor.
	if _, err := imu.SelfTest(); err != nil {
		logger.Warn("IMU self-test failed", "error", err)
	}
	if err := imu.Calibrate(); err != nil {
		logger.Warn("IMU calibration failed", "error", err)
	} else {
		logger.Info("IMU calibration complete")
	}

	return &mpu9250Source{imu: imu, mono: mono, scale: sc}, nil
}

// Read captures accelerometer and gyroscope in g and deg/s.
func (s *mpu9250Source) Read() (telemetry.Sample, error) {
	ts := s.mono.Millis()

	ax, err := s.imu.GetAccelerationX()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU accel X: %w", err)
	}
	ay, err := s.imu.GetAccelerationY()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU accel Y: %w", err)
	}
	az, err := s.imu.GetAccelerationZ()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU accel Z: %w", err)
	}

	gx, err := s.imu.GetRotationX()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU gyro X: %w", err)
	}
	gy, err := s.imu.GetRotationY()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU gyro Y: %w", err)
	}
	gz, err := s.imu.GetRotationZ()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("IMU gyro Z: %w", err)
	}

	return s.scale.apply(ax, ay, az, gx, gy, gz, ts), nil
}

func (sc scale) apply(ax, ay, az, gx, gy, gz int16, ts uint32) telemetry.Sample {
	return telemetry.Sample{
		Ax:        float32(float64(ax) / sc.accel),
		Ay:        float32(float64(ay) / sc.accel),
		Az:        float32(float64(az) / sc.accel),
		Gx:        float32(float64(gx) / sc.gyro),
		Gy:        float32(float64(gy) / sc.gyro),
		Gz:        float32(float64(gz) / sc.gyro),
		Timestamp: ts,
	}
}
