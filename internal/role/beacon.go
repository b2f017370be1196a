// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package role

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

const (
	beaconLevel   = "hub"
	beaconOnline  = "online"
	beaconOffline = "offline"

	beaconTimeout = 5 * time.Second
)

// BeaconTopic holds the retained hub presence message.
func BeaconTopic(prefix string) string {
	return prefix + "/" + beaconLevel
}

// BeaconPayload is what a live hub leaves on the beacon topic.
func BeaconPayload(self telemetry.HardwareAddress) []byte {
	return []byte(beaconOnline + " " + self.String())
}

// ParseBeacon reports whether payload announces a live hub.
func ParseBeacon(payload []byte) bool {
	fields := strings.Fields(string(payload))
	return len(fields) > 0 && fields[0] == beaconOnline
}

// MQTTBeacon announces and discovers the hub through a retained message. The
// broker clears the announcement through the last will when the hub drops.
type MQTTBeacon struct {
	broker   string
	prefix   string
	clientID string
	logger   *slog.Logger

	client mqtt.Client
}

// NewMQTTBeacon does not connect; ProbeHub and Announce open their own
// sessions.
func NewMQTTBeacon(broker, prefix, clientID string, logger *slog.Logger) *MQTTBeacon {
	return &MQTTBeacon{
		broker:   broker,
		prefix:   prefix,
		clientID: clientID,
		logger:   logger.With("component", "beacon"),
	}
}

// ProbeHub subscribes to the beacon topic and waits for the retained message
// until ctx is done.
func (b *MQTTBeacon) ProbeHub(ctx context.Context) (bool, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID(b.clientID + "-probe").
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect()); err != nil {
		return false, fmt.Errorf("connect %s: %w", b.broker, err)
	}
	defer client.Disconnect(100)

	found := make(chan bool, 1)
	topic := BeaconTopic(b.prefix)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case found <- ParseBeacon(msg.Payload()):
		default:
		}
	})
	if err := wait(token); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	select {
	case online := <-found:
		return online, nil
	case <-ctx.Done():
		return false, nil
	}
}

// Announce publishes the retained online message and keeps the session open
// so the last will can mark the hub offline if the process dies.
func (b *MQTTBeacon) Announce(self telemetry.HardwareAddress) error {
	topic := BeaconTopic(b.prefix)
	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID(b.clientID + "-beacon").
		SetAutoReconnect(true).
		SetWill(topic, beaconOffline, 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			// Restore the announcement after the broker fired the will.
			c.Publish(topic, 1, true, BeaconPayload(self))
		})

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", b.broker, err)
	}
	b.client = client
	b.logger.Info("hub announced", "topic", topic, "address", self)
	return nil
}

// Close withdraws the announcement.
func (b *MQTTBeacon) Close() error {
	if b.client == nil {
		return nil
	}
	err := wait(b.client.Publish(BeaconTopic(b.prefix), 1, true, beaconOffline))
	b.client.Disconnect(250)
	b.client = nil
	return err
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(beaconTimeout) {
		return fmt.Errorf("timeout after %v", beaconTimeout)
	}
	return token.Error()
}
