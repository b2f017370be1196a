// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_mesh/internal/channel"
	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// formatMessage renders one mesh message as a console line.
func formatMessage(prefix, topic string, payload []byte) string {
	rest := strings.TrimPrefix(topic, prefix+"/")
	kind, _, _ := strings.Cut(rest, "/")

	switch kind {
	case "frame":
		src, err := channel.TopicAddress(topic)
		if err != nil {
			return fmt.Sprintf("[????]  %s: %v", topic, err)
		}
		s, err := telemetry.DecodeFrame(payload)
		if err != nil {
			return fmt.Sprintf("[BAD ]  %s %d bytes: %v", src, len(payload), err)
		}
		id := fmt.Sprintf("d%d", s.Identity)
		if s.Identity == telemetry.Unassigned {
			id = "new"
		}
		return fmt.Sprintf(
			"[FRAME] %s %-4s ax=%6.2f ay=%6.2f az=%6.2f  gx=%7.2f gy=%7.2f gz=%7.2f  t=%d dt=%d",
			src, id, s.Ax, s.Ay, s.Az, s.Gx, s.Gy, s.Gz, s.Timestamp, s.Latency,
		)
	case "assign":
		dst, err := channel.TopicAddress(topic)
		if err != nil {
			return fmt.Sprintf("[????]  %s: %v", topic, err)
		}
		id, err := telemetry.DecodeAssignment(payload)
		if err != nil {
			return fmt.Sprintf("[BAD ]  assign to %s: %v", dst, err)
		}
		return fmt.Sprintf("[ASSGN] %s -> d%d", dst, id)
	case "hub":
		state := "offline"
		if role.ParseBeacon(payload) {
			state = string(payload)
		}
		return fmt.Sprintf("[HUB ]  %s", state)
	default:
		return fmt.Sprintf("[????]  %s (%d bytes)", topic, len(payload))
	}
}

// RunSniffer prints every frame, assignment and hub beacon seen on the
// broker until ctx is done.
func RunSniffer(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	prefix := cfg.MQTTTopicPrefix
	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "inertial-mesh-sniffer"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect %s: %w", cfg.MQTTBroker, token.Error())
	}
	defer client.Disconnect(250)
	logger.Info("sniffer connected", "broker", cfg.MQTTBroker)

	var mu sync.Mutex
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		line := formatMessage(prefix, msg.Topic(), msg.Payload())
		mu.Lock()
		fmt.Fprintln(out, line)
		mu.Unlock()
	}

	for _, topic := range []string{prefix + "/frame/+", prefix + "/assign/+", role.BeaconTopic(prefix)} {
		token := client.Subscribe(topic, 0, handler)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		logger.Info("sniffer subscribed", "topic", topic)
	}

	<-ctx.Done()
	logger.Info("sniffer shutting down")
	return nil
}
