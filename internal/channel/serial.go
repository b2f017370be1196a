// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Serial bridge record:
//
//	sync[2] | addr[6] | len[1] | payload[len] | check[1]
//
// Inbound, addr is the radio source; outbound, the destination. check is the
// XOR of addr, len and payload. A reader that loses a byte scans forward to
// the next sync marker.
const (
	recordHeaderSize = 9
	recordOverhead   = recordHeaderSize + 1
	maxRecordPayload = 250
)

var recordSync = [2]byte{0xAA, 0x55}

const (
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 5 * time.Second
)

// SerialChannel talks to a radio bridge dongle over a UART. The dongle relays
// records to and from the air.
type SerialChannel struct {
	mu     sync.Mutex // guards port; serializes writes
	port   io.ReadWriteCloser
	reopen func() (io.ReadWriteCloser, error)
	logger *slog.Logger

	retryMin time.Duration
	retryMax time.Duration

	once   sync.Once
	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// OpenSerial opens the bridge's serial port. A port that fails while
// listening is reopened with backoff.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialChannel, error) {
	serialOpts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	open := func() (io.ReadWriteCloser, error) {
		return serial.Open(serialOpts)
	}

	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("open serial bridge %s: %w", portName, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("serial bridge opened", "component", "serial", "port", portName, "baud", baudRate)
	return newSerialChannel(port, open, logger), nil
}

// NewStreamChannel runs the bridge protocol over any byte stream. The stream
// is not reopened: the reader stops at EOF.
func NewStreamChannel(rw io.ReadWriteCloser, logger *slog.Logger) *SerialChannel {
	return newSerialChannel(rw, nil, logger)
}

func newSerialChannel(rw io.ReadWriteCloser, reopen func() (io.ReadWriteCloser, error), logger *slog.Logger) *SerialChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialChannel{
		port:     rw,
		reopen:   reopen,
		logger:   logger.With("component", "serial"),
		retryMin: minRetryDelay,
		retryMax: maxRetryDelay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *SerialChannel) Broadcast(payload []byte) error {
	return c.write(telemetry.BroadcastAddress, payload)
}

func (c *SerialChannel) Unicast(dst telemetry.HardwareAddress, payload []byte) error {
	return c.write(dst, payload)
}

func (c *SerialChannel) write(addr telemetry.HardwareAddress, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(payload) > maxRecordPayload {
		return wrapSend(fmt.Errorf("payload of %d bytes exceeds %d", len(payload), maxRecordPayload))
	}

	rec := encodeRecord(addr, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.port.Write(rec); err != nil {
		return wrapSend(err)
	}
	return nil
}

func encodeRecord(addr telemetry.HardwareAddress, payload []byte) []byte {
	rec := make([]byte, 0, recordOverhead+len(payload))
	rec = append(rec, recordSync[:]...)
	rec = append(rec, addr[:]...)
	rec = append(rec, byte(len(payload)))
	rec = append(rec, payload...)
	return append(rec, checksum(rec[len(recordSync):]))
}

func checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// Listen starts the reader goroutine. It runs until Close, or until a
// stream without reopen reaches EOF.
func (c *SerialChannel) Listen(h Handler) error {
	if c.closed.Load() {
		return ErrClosed
	}
	started := false
	c.once.Do(func() {
		started = true
		go c.readLoop(h)
	})
	if !started {
		return fmt.Errorf("serial bridge: already listening")
	}
	return nil
}

func (c *SerialChannel) readLoop(h Handler) {
	defer close(c.done)

	var dec recordDecoder
	chunk := make([]byte, 512)
	delay := c.retryMin

	for {
		c.mu.Lock()
		port := c.port
		c.mu.Unlock()

		n, err := port.Read(chunk)
		if n > 0 {
			dec.feed(chunk[:n])
			for {
				src, payload, ok := dec.next()
				if !ok {
					break
				}
				if skipped := dec.takeSkipped(); skipped > 0 {
					c.logger.Warn("serial bridge resynchronized", "skipped_bytes", skipped)
				}
				h(src, payload)
			}
			delay = c.retryMin
		}
		if err == nil {
			continue
		}
		if c.closed.Load() {
			return
		}

		if c.reopen == nil && errors.Is(err, io.EOF) {
			c.logger.Info("serial bridge stream ended")
			return
		}
		c.logger.Warn("serial bridge read failed, retrying", "error", err, "delay", delay)
		if !c.sleep(delay) {
			return
		}
		delay = min(delay*2, c.retryMax)

		if c.reopen != nil {
			if !c.reopenPort() {
				return
			}
			dec.reset()
		}
	}
}

// reopenPort replaces the port, retrying with backoff. It returns false once
// the channel is closed.
func (c *SerialChannel) reopenPort() bool {
	c.mu.Lock()
	_ = c.port.Close()
	c.mu.Unlock()

	delay := c.retryMin
	for {
		port, err := c.reopen()
		if err == nil {
			c.mu.Lock()
			if c.closed.Load() {
				c.mu.Unlock()
				_ = port.Close()
				return false
			}
			c.port = port
			c.mu.Unlock()
			c.logger.Info("serial bridge reopened")
			return true
		}
		c.logger.Warn("serial bridge reopen failed", "error", err, "delay", delay)
		if !c.sleep(delay) {
			return false
		}
		delay = min(delay*2, c.retryMax)
	}
}

func (c *SerialChannel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stop:
		return false
	case <-t.C:
		return true
	}
}

// Close closes the port and waits for the reader, if one was started.
func (c *SerialChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)

	c.mu.Lock()
	err := c.port.Close()
	c.mu.Unlock()

	started := true
	c.once.Do(func() { started = false })
	if started {
		<-c.done
	}
	return err
}

// recordDecoder extracts bridge records from a byte stream that may drop or
// corrupt bytes.
type recordDecoder struct {
	buf     []byte
	skipped int
}

func (d *recordDecoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

func (d *recordDecoder) reset() {
	d.skipped += len(d.buf)
	d.buf = d.buf[:0]
}

func (d *recordDecoder) takeSkipped() int {
	n := d.skipped
	d.skipped = 0
	return n
}

// next returns the next valid record, or ok=false when more bytes are needed.
func (d *recordDecoder) next() (telemetry.HardwareAddress, []byte, bool) {
	var src telemetry.HardwareAddress
	for {
		i := bytes.Index(d.buf, recordSync[:])
		if i < 0 {
			// a trailing first sync byte may start the next marker
			keep := 0
			if n := len(d.buf); n > 0 && d.buf[n-1] == recordSync[0] {
				keep = 1
			}
			d.skip(len(d.buf) - keep)
			return src, nil, false
		}
		d.skip(i)

		if len(d.buf) < recordHeaderSize {
			return src, nil, false
		}
		n := int(d.buf[recordHeaderSize-1])
		if n > maxRecordPayload {
			d.skip(1)
			continue
		}
		total := recordOverhead + n
		if len(d.buf) < total {
			return src, nil, false
		}
		rec := d.buf[:total]
		if checksum(rec[len(recordSync):total-1]) != rec[total-1] {
			d.skip(1)
			continue
		}

		copy(src[:], rec[len(recordSync):len(recordSync)+6])
		payload := append([]byte(nil), rec[recordHeaderSize:total-1]...)
		d.discard(total)
		return src, payload, true
	}
}

func (d *recordDecoder) skip(n int) {
	if n > 0 {
		d.skipped += n
		d.discard(n)
	}
}

func (d *recordDecoder) discard(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
