// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package channel

import (
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Bus is an in-process broadcast medium. Delivery is synchronous on the
// sender's goroutine, and every receiver gets its own copy of the payload.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[telemetry.HardwareAddress]*Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[telemetry.HardwareAddress]*Endpoint)}
}

// Attach connects a node with the given address. Attaching the same address
// twice replaces the earlier endpoint.
func (b *Bus) Attach(addr telemetry.HardwareAddress) *Endpoint {
	ep := &Endpoint{bus: b, addr: addr}
	b.mu.Lock()
	b.endpoints[addr] = ep
	b.mu.Unlock()
	return ep
}

func (b *Bus) detach(ep *Endpoint) {
	b.mu.Lock()
	if b.endpoints[ep.addr] == ep {
		delete(b.endpoints, ep.addr)
	}
	b.mu.Unlock()
}

func (b *Bus) peers(except *Endpoint) []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if ep != except {
			out = append(out, ep)
		}
	}
	return out
}

func (b *Bus) lookup(addr telemetry.HardwareAddress) *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[addr]
}

// Endpoint is one node's view of a Bus. It implements Channel.
type Endpoint struct {
	bus  *Bus
	addr telemetry.HardwareAddress

	handler atomic.Pointer[Handler]
	closed  atomic.Bool

	// sendErr, when set, makes every send fail. Tests use it to model a
	// broken radio.
	sendErr atomic.Pointer[error]
}

// Address is the endpoint's own hardware address.
func (e *Endpoint) Address() telemetry.HardwareAddress { return e.addr }

// FailSends makes subsequent sends return err wrapped in ErrSendFailed; nil
// restores normal operation.
func (e *Endpoint) FailSends(err error) {
	if err == nil {
		e.sendErr.Store(nil)
		return
	}
	e.sendErr.Store(&err)
}

func (e *Endpoint) checkSend() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if p := e.sendErr.Load(); p != nil {
		return wrapSend(*p)
	}
	return nil
}

func (e *Endpoint) Broadcast(payload []byte) error {
	if err := e.checkSend(); err != nil {
		return err
	}
	for _, peer := range e.bus.peers(e) {
		peer.deliver(e.addr, payload)
	}
	return nil
}

// Unicast to an unknown address is silently lost, as on a radio link.
func (e *Endpoint) Unicast(dst telemetry.HardwareAddress, payload []byte) error {
	if err := e.checkSend(); err != nil {
		return err
	}
	if peer := e.bus.lookup(dst); peer != nil && peer != e {
		peer.deliver(e.addr, payload)
	}
	return nil
}

func (e *Endpoint) Listen(h Handler) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.handler.Store(&h)
	return nil
}

func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.bus.detach(e)
	return nil
}

func (e *Endpoint) deliver(src telemetry.HardwareAddress, payload []byte) {
	if e.closed.Load() {
		return
	}
	h := e.handler.Load()
	if h == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	(*h)(src, buf)
}
