// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

const (
	displayWidth  = 128
	displayHeight = 64
	lineHeight    = 13
)

// DisplayStatus is what the OLED status page shows.
type DisplayStatus struct {
	Role       role.Role
	Identity   telemetry.Identity
	Address    telemetry.HardwareAddress
	Registered int
	Capacity   int
	Fresh      int

	// Own reading, hub only.
	HaveLocal bool
	Ax, Ay    float32
	Gx, Gy    float32
}

func statusFrom(p SnapshotProvider) DisplayStatus {
	st := DisplayStatus{
		Role:       p.Role(),
		Identity:   p.Identity(),
		Address:    p.Address(),
		Registered: len(p.Devices()),
		Capacity:   p.Capacity(),
	}
	doc := p.Document()
	st.Fresh = doc.Len()
	for _, r := range doc.Readings {
		if r.Identity == telemetry.HubIdentity {
			st.HaveLocal = true
			st.Ax, st.Ay = r.Ax, r.Ay
			st.Gx, st.Gy = r.Gx, r.Gy
		}
	}
	return st
}

// statusLines lays the status out in four 18-column lines.
func statusLines(st DisplayStatus) []string {
	if st.Role == role.Leaf {
		id := "unassigned"
		if st.Identity != telemetry.Unassigned {
			id = fmt.Sprintf("d%d", st.Identity)
		}
		hex := st.Address.Hex()
		return []string{
			"LEAF " + id,
			"..." + hex[len(hex)-6:],
			"",
			"",
		}
	}

	lines := []string{
		fmt.Sprintf("HUB %d/%d nodes", st.Registered, st.Capacity-1),
		fmt.Sprintf("fresh: %d", st.Fresh),
	}
	if st.HaveLocal {
		lines = append(lines,
			fmt.Sprintf("A:%5.2f %5.2f", st.Ax, st.Ay),
			fmt.Sprintf("G:%6.1f %6.1f", st.Gx, st.Gy))
	} else {
		lines = append(lines, "Waiting...", "")
	}
	return lines
}

func drawLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, lineHeight*(i+1))
		drawer.DrawBytes([]byte(line))
	}
	return img
}

func showSplash(dev *ssd1306.Dev) error {
	img := drawLines([]string{"", " Inertial Mesh", "  starting..."})
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// RunDisplay refreshes the status page until ctx is done.
func RunDisplay(ctx context.Context, cfg *config.Config, p SnapshotProvider, logger *slog.Logger) error {
	logger = logger.With("component", "display")

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, cfg.DisplayI2CAddr, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	logger.Info("display initialized", "addr", fmt.Sprintf("0x%02X", cfg.DisplayI2CAddr))

	if err := showSplash(dev); err != nil {
		logger.Warn("error showing splash", "error", err)
	}

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = dev.Halt()
			return nil
		case <-ticker.C:
			img := drawLines(statusLines(statusFrom(p)))
			if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
				logger.Warn("error updating display", "error", err)
			}
		}
	}
}
