// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Roles accepted by ROLE.
const (
	RoleHub  = "hub"
	RoleLeaf = "leaf"
	RoleAuto = "auto"
)

// Transports accepted by TRANSPORT.
const (
	TransportMQTT   = "mqtt"
	TransportSerial = "serial"
)

// Config holds all node configuration values.
type Config struct {
	// Node
	Role        string
	NodeAddress string // aa:bb:cc:dd:ee:ff, empty = first NIC

	// Aggregation
	StoreCapacity        int
	FreshnessThresholdMS int
	SampleIntervalMS     int

	// Sensor
	Sensor        string // "mock" or "mpu9250"
	IMUSPIDevice  string
	IMUCSPin      string
	IMUAccelRange byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUGyroRange  byte // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s

	// Transport
	Transport       string
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	SerialPort      string
	SerialBaudRate  int
	RoleProbeMS     int

	// Web Server
	WebServerPort    int
	WebStaticDir     string
	WSPushIntervalMS int

	// Display
	DisplayEnabled        bool
	DisplayI2CBus         string // empty = first bus
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds

	// InfluxDB history
	InfluxEnabled         bool
	InfluxURL             string
	InfluxToken           string
	InfluxOrg             string
	InfluxBucket          string
	InfluxBatchSize       int
	InfluxFlushIntervalMS int

	// Logging
	LogLevel      string
	LogFormat     string // "text" or "json"
	LogFile       string // empty = stdout
	LogMaxSizeMB  int
	LogMaxBackups int
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a configuration with every optional key at its default.
func Default() *Config {
	return &Config{
		Role:                  RoleAuto,
		StoreCapacity:         10,
		FreshnessThresholdMS:  200,
		SampleIntervalMS:      10,
		Sensor:                "mock",
		IMUSPIDevice:          "/dev/spidev0.0",
		IMUCSPin:              "8",
		Transport:             TransportMQTT,
		MQTTBroker:            "tcp://localhost:1883",
		MQTTTopicPrefix:       "inertial/mesh",
		SerialPort:            "/dev/ttyUSB0",
		SerialBaudRate:        115200,
		RoleProbeMS:           2000,
		WebServerPort:         8080,
		WebStaticDir:          "web",
		WSPushIntervalMS:      100,
		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 500,
		InfluxURL:             "http://localhost:8086",
		InfluxOrg:             "relabs",
		InfluxBucket:          "inertial",
		InfluxBatchSize:       100,
		InfluxFlushIntervalMS: 1000,
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Node
	case "ROLE":
		switch value {
		case RoleHub, RoleLeaf, RoleAuto:
			c.Role = value
		default:
			return fmt.Errorf("ROLE must be hub, leaf or auto, got %q", value)
		}
	case "NODE_ADDRESS":
		if value != "" {
			if _, err := telemetry.ParseHardwareAddress(value); err != nil {
				return fmt.Errorf("invalid NODE_ADDRESS: %w", err)
			}
		}
		c.NodeAddress = value

	// Aggregation
	case "STORE_CAPACITY":
		n, err := intRange(key, value, 2, telemetry.MaxCapacity)
		if err != nil {
			return err
		}
		c.StoreCapacity = n
	case "FRESHNESS_THRESHOLD_MS":
		n, err := intRange(key, value, 1, 60_000)
		if err != nil {
			return err
		}
		c.FreshnessThresholdMS = n
	case "SAMPLE_INTERVAL_MS":
		n, err := intRange(key, value, 1, 60_000)
		if err != nil {
			return err
		}
		c.SampleIntervalMS = n

	// Sensor
	case "SENSOR":
		c.Sensor = value
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		n, err := intRange(key, value, 0, 3)
		if err != nil {
			return err
		}
		c.IMUAccelRange = byte(n)
	case "IMU_GYRO_RANGE":
		n, err := intRange(key, value, 0, 3)
		if err != nil {
			return err
		}
		c.IMUGyroRange = byte(n)

	// Transport
	case "TRANSPORT":
		switch value {
		case TransportMQTT, TransportSerial:
			c.Transport = value
		default:
			return fmt.Errorf("TRANSPORT must be mqtt or serial, got %q", value)
		}
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_TOPIC_PREFIX":
		c.MQTTTopicPrefix = strings.TrimSuffix(value, "/")
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		rate, err := intRange(key, value, 1, 4_000_000)
		if err != nil {
			return err
		}
		c.SerialBaudRate = rate
	case "ROLE_PROBE_TIMEOUT_MS":
		n, err := intRange(key, value, 0, 60_000)
		if err != nil {
			return err
		}
		c.RoleProbeMS = n

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := intRange(key, value, 0, 65535)
		if err != nil {
			return err
		}
		c.WebServerPort = port
	case "WEB_STATIC_DIR":
		c.WebStaticDir = value
	case "WS_PUSH_INTERVAL_MS":
		n, err := intRange(key, value, 10, 60_000)
		if err != nil {
			return err
		}
		c.WSPushIntervalMS = n

	// Display
	case "DISPLAY_ENABLED":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_ENABLED %q: %w", value, err)
		}
		c.DisplayEnabled = b
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		interval, err := intRange(key, value, 1, 60_000)
		if err != nil {
			return err
		}
		c.DisplayUpdateInterval = interval

	// InfluxDB history
	case "INFLUX_ENABLED":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid INFLUX_ENABLED %q: %w", value, err)
		}
		c.InfluxEnabled = b
	case "INFLUX_URL":
		c.InfluxURL = value
	case "INFLUX_TOKEN":
		c.InfluxToken = value
	case "INFLUX_ORG":
		c.InfluxOrg = value
	case "INFLUX_BUCKET":
		c.InfluxBucket = value
	case "INFLUX_BATCH_SIZE":
		n, err := intRange(key, value, 1, 100_000)
		if err != nil {
			return err
		}
		c.InfluxBatchSize = n
	case "INFLUX_FLUSH_INTERVAL_MS":
		n, err := intRange(key, value, 1, 600_000)
		if err != nil {
			return err
		}
		c.InfluxFlushIntervalMS = n

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = value
	case "LOG_FORMAT":
		c.LogFormat = value
	case "LOG_FILE":
		c.LogFile = value
	case "LOG_MAX_SIZE_MB":
		n, err := intRange(key, value, 1, 10_000)
		if err != nil {
			return err
		}
		c.LogMaxSizeMB = n
	case "LOG_MAX_BACKUPS":
		n, err := intRange(key, value, 0, 1000)
		if err != nil {
			return err
		}
		c.LogMaxBackups = n

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func intRange(key, value string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, lo, hi, n)
	}
	return n, nil
}

// validate checks cross-field requirements.
func (c *Config) validate() error {
	if c.Transport == TransportMQTT && c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required for the mqtt transport")
	}
	if c.Transport == TransportSerial {
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for the serial transport")
		}
		if c.Role == RoleLeaf {
			return fmt.Errorf("the serial bridge transport only supports ROLE=hub or auto")
		}
	}
	if c.InfluxEnabled && (c.InfluxURL == "" || c.InfluxBucket == "") {
		return fmt.Errorf("INFLUX_URL and INFLUX_BUCKET are required when INFLUX_ENABLED=true")
	}
	return nil
}

// FreshnessThreshold is FRESHNESS_THRESHOLD_MS as a duration.
func (c *Config) FreshnessThreshold() time.Duration {
	return time.Duration(c.FreshnessThresholdMS) * time.Millisecond
}

// SampleInterval is SAMPLE_INTERVAL_MS as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

// Address resolves NODE_ADDRESS, falling back to the first NIC's MAC.
func (c *Config) Address() (telemetry.HardwareAddress, error) {
	if c.NodeAddress != "" {
		return telemetry.ParseHardwareAddress(c.NodeAddress)
	}
	return telemetry.LocalHardwareAddress()
}

// InitGlobal initializes the global configuration from file.
// Only the first call has any effect. Entry points use it; everything
// below them receives *Config explicitly.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
