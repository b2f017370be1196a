// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package channel

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

const (
	mqttConnectTimeout  = 10 * time.Second
	mqttPublishTimeout  = 2 * time.Second
	mqttDisconnectQuiet = 250 // ms

	frameLevel  = "frame"
	assignLevel = "assign"
)

// MQTTOptions configures a broker-backed channel.
//
// Frames are published to <prefix>/frame/<own-address> and replies to
// <prefix>/assign/<destination>, so the source address is always recoverable
// from the topic.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Self        telemetry.HardwareAddress

	// ReceiveFrames subscribes to every node's frames (hub). Without it only
	// replies addressed to Self are received (leaf).
	ReceiveFrames bool

	Logger *slog.Logger
}

// MQTTChannel uses a broker as the broadcast medium.
type MQTTChannel struct {
	client mqtt.Client
	opts   MQTTOptions
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler
}

// DialMQTT connects to the broker. Subscriptions made by Listen are restored
// on every reconnect.
func DialMQTT(opts MQTTOptions) (*MQTTChannel, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &MQTTChannel{
		opts:   opts,
		logger: opts.Logger.With("component", "mqtt", "broker", opts.Broker),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetOnConnectHandler(func(_ mqtt.Client) {
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "error", err)
		})

	c.client = mqtt.NewClient(clientOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("MQTT connect %s: timeout after %v", opts.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect %s: %w", opts.Broker, err)
	}
	c.logger.Info("connected to MQTT broker", "client_id", opts.ClientID)
	return c, nil
}

// FrameTopic is where addr publishes its frames.
func FrameTopic(prefix string, addr telemetry.HardwareAddress) string {
	return prefix + "/" + frameLevel + "/" + addr.Hex()
}

// AssignTopic is where the hub replies to addr.
func AssignTopic(prefix string, addr telemetry.HardwareAddress) string {
	return prefix + "/" + assignLevel + "/" + addr.Hex()
}

// TopicAddress extracts the node address from the last topic level.
func TopicAddress(topic string) (telemetry.HardwareAddress, error) {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return telemetry.HardwareAddress{}, fmt.Errorf("topic %q has no address level", topic)
	}
	return telemetry.ParseHardwareAddress(topic[i+1:])
}

func (c *MQTTChannel) Broadcast(payload []byte) error {
	return c.publish(FrameTopic(c.opts.TopicPrefix, c.opts.Self), payload)
}

func (c *MQTTChannel) Unicast(dst telemetry.HardwareAddress, payload []byte) error {
	return c.publish(AssignTopic(c.opts.TopicPrefix, dst), payload)
}

func (c *MQTTChannel) publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return wrapSend(fmt.Errorf("not connected"))
	}
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return wrapSend(fmt.Errorf("publish %s: timeout", topic))
	}
	if err := token.Error(); err != nil {
		return wrapSend(fmt.Errorf("publish %s: %w", topic, err))
	}
	return nil
}

func (c *MQTTChannel) Listen(h Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()

	for _, topic := range c.topics() {
		token := c.client.Subscribe(topic, 0, c.onMessage)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return fmt.Errorf("MQTT subscribe %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("MQTT subscribe %s: %w", topic, err)
		}
		c.logger.Info("subscribed", "topic", topic)
	}
	return nil
}

func (c *MQTTChannel) topics() []string {
	topics := []string{AssignTopic(c.opts.TopicPrefix, c.opts.Self)}
	if c.opts.ReceiveFrames {
		topics = append(topics, c.opts.TopicPrefix+"/"+frameLevel+"/+")
	}
	return topics
}

// resubscribe runs on every (re)connect; before Listen there is nothing to do.
func (c *MQTTChannel) resubscribe() {
	c.mu.RLock()
	listening := c.handler != nil
	c.mu.RUnlock()
	if !listening {
		return
	}
	for _, topic := range c.topics() {
		c.client.Subscribe(topic, 0, c.onMessage)
	}
}

func (c *MQTTChannel) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

func (c *MQTTChannel) dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
		}
	}()

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}

	src, err := TopicAddress(topic)
	if err != nil {
		c.logger.Debug("dropping message on unexpected topic", "topic", topic, "error", err)
		return
	}

	// Replies on our own assign topic carry the hub as source, which is not
	// encoded in the topic; report them as coming from the broadcast address.
	if strings.Contains(topic, "/"+assignLevel+"/") {
		src = telemetry.BroadcastAddress
	}
	h(src, payload)
}

func (c *MQTTChannel) Close() error {
	c.client.Disconnect(mqttDisconnectQuiet)
	return nil
}
