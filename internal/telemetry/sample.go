// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"strings"
)

// Identity is the compact slot number a hub hands out to a node.
type Identity uint8

const (
	// HubIdentity is always occupied by the hub's own sensor.
	HubIdentity Identity = 0

	// Unassigned tags frames from a leaf that has not yet been given an identity.
	Unassigned Identity = 0xFF

	// MaxCapacity is the largest store size that keeps Unassigned out of range.
	MaxCapacity = int(Unassigned)
)

// Sample is one 6-axis inertial reading.
type Sample struct {
	Ax float32 // accel, g
	Ay float32
	Az float32

	Gx float32 // gyro, deg/s
	Gy float32
	Gz float32

	Identity  Identity
	Timestamp uint32 // capture time, ms on the node's monotonic clock
	Latency   uint32 // capture to store (hub) or capture to send (leaf), ms
}

// Finite reports whether every axis is a real number. NaN and ±Inf cannot
// be rendered to JSON.
func (s Sample) Finite() bool {
	for _, v := range [...]float32{s.Ax, s.Ay, s.Az, s.Gx, s.Gy, s.Gz} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// HardwareAddress is the 6-byte link address of a node. It is never interpreted.
type HardwareAddress [6]byte

// BroadcastAddress reaches every listener on a radio bridge.
var BroadcastAddress = HardwareAddress{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String formats the address as aa:bb:cc:dd:ee:ff.
func (a HardwareAddress) String() string {
	return net.HardwareAddr(a[:]).String()
}

// Hex formats the address without separators, safe for MQTT topic levels.
func (a HardwareAddress) Hex() string {
	return hex.EncodeToString(a[:])
}

// MarshalText renders the address in its colon form for JSON documents.
func (a HardwareAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *HardwareAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseHardwareAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseHardwareAddress accepts both aa:bb:cc:dd:ee:ff and aabbccddeeff.
func ParseHardwareAddress(s string) (HardwareAddress, error) {
	var addr HardwareAddress
	s = strings.TrimSpace(s)

	if len(s) == 2*len(addr) {
		if _, err := hex.Decode(addr[:], []byte(s)); err != nil {
			return HardwareAddress{}, fmt.Errorf("invalid hardware address %q: %w", s, err)
		}
		return addr, nil
	}

	mac, err := net.ParseMAC(s)
	if err != nil {
		return HardwareAddress{}, fmt.Errorf("invalid hardware address %q: %w", s, err)
	}
	if len(mac) != len(addr) {
		return HardwareAddress{}, fmt.Errorf("invalid hardware address %q: want 6 bytes, got %d", s, len(mac))
	}
	copy(addr[:], mac)
	return addr, nil
}

// LocalHardwareAddress returns the MAC of the first non-loopback interface.
func LocalHardwareAddress() (HardwareAddress, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return HardwareAddress{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		var addr HardwareAddress
		copy(addr[:], iface.HardwareAddr)
		return addr, nil
	}
	return HardwareAddress{}, fmt.Errorf("no interface with a 6-byte hardware address")
}
