// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_mesh/internal/channel"
	"github.com/relabs-tech/inertial_mesh/internal/logging"
	"github.com/relabs-tech/inertial_mesh/internal/metrics"
	"github.com/relabs-tech/inertial_mesh/internal/registry"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/sensors"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

var (
	hubAddr = telemetry.HardwareAddress{0x24, 0x6f, 0x28, 0x00, 0x00, 0x01}
	leafA   = telemetry.HardwareAddress{0x24, 0x6f, 0x28, 0x00, 0x00, 0x0a}
	leafB   = telemetry.HardwareAddress{0x24, 0x6f, 0x28, 0x00, 0x00, 0x0b}
	leafC   = telemetry.HardwareAddress{0x24, 0x6f, 0x28, 0x00, 0x00, 0x0c}
)

var reading = telemetry.Sample{Ax: 0.1, Ay: -0.2, Az: 0.98, Gx: 1.5, Gy: -3, Gz: 0.25}

type recordingSink struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (r *recordingSink) Record(s telemetry.Sample, _ time.Time) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

// capturingChannel records what a leaf sends.
type capturingChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	failErr error
}

func (c *capturingChannel) Broadcast(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *capturingChannel) Unicast(_ telemetry.HardwareAddress, p []byte) error { return c.Broadcast(p) }
func (c *capturingChannel) Listen(channel.Handler) error                        { return nil }
func (c *capturingChannel) Close() error                                        { return nil }

type node struct {
	svc   *Service
	clock *telemetry.ManualClock
	mono  *telemetry.Monotonic
	m     *metrics.Metrics
	store *store.Store
	reg   *registry.Registry
	sink  *recordingSink
}

func newHub(t *testing.T, capacity int, ch channel.Channel) *node {
	t.Helper()
	clock := telemetry.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mono := telemetry.NewMonotonic(clock)
	reg, err := registry.New(capacity, clock)
	require.NoError(t, err)
	st, err := store.New(capacity, 200*time.Millisecond, clock)
	require.NoError(t, err)

	n := &node{clock: clock, mono: mono, m: metrics.New(), store: st, reg: reg, sink: &recordingSink{}}
	n.svc, err = New(Deps{
		Role:     role.Hub,
		Self:     hubAddr,
		Source:   sensors.FixedSource{Sample: reading, Mono: mono},
		Channel:  ch,
		Registry: reg,
		Store:    st,
		Mono:     mono,
		Metrics:  n.m,
		Sink:     n.sink,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, n.svc.Start())
	return n
}

func newLeaf(t *testing.T, self telemetry.HardwareAddress, clock *telemetry.ManualClock, ch channel.Channel) *node {
	t.Helper()
	mono := telemetry.NewMonotonic(clock)
	n := &node{clock: clock, mono: mono, m: metrics.New()}
	var err error
	n.svc, err = New(Deps{
		Role:    role.Leaf,
		Self:    self,
		Source:  sensors.FixedSource{Sample: reading, Mono: mono},
		Channel: ch,
		Mono:    mono,
		Metrics: n.m,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, n.svc.Start())
	return n
}

func frameFrom(id telemetry.Identity, ts uint32) []byte {
	s := reading
	s.Identity = id
	s.Timestamp = ts
	s.Latency = 2
	return telemetry.EncodeFrame(s)
}

func identities(doc store.Document) []telemetry.Identity {
	ids := make([]telemetry.Identity, 0, doc.Len())
	for _, r := range doc.Readings {
		ids = append(ids, r.Identity)
	}
	return ids
}

func TestNewValidatesDeps(t *testing.T) {
	clock := telemetry.NewManualClock(time.Now())
	mono := telemetry.NewMonotonic(clock)
	src := sensors.FixedSource{Sample: reading}

	_, err := New(Deps{Role: role.Hub, Source: src, Mono: mono})
	assert.Error(t, err)

	_, err = New(Deps{Role: role.Leaf, Source: src, Mono: mono})
	assert.Error(t, err)

	_, err = New(Deps{Role: role.Leaf, Channel: &capturingChannel{}, Mono: mono})
	assert.Error(t, err)

	reg, _ := registry.New(4, clock)
	st, _ := store.New(8, 0, clock)
	_, err = New(Deps{Role: role.Hub, Source: src, Mono: mono, Registry: reg, Store: st})
	assert.ErrorContains(t, err, "capacity")
}

func TestHubStoresThreeNodesInFirstSeenOrder(t *testing.T) {
	hub := newHub(t, 10, nil)

	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 100))
	hub.svc.HandleFrame(leafB, frameFrom(telemetry.Unassigned, 100))
	hub.svc.HandleFrame(leafC, frameFrom(telemetry.Unassigned, 100))

	doc := hub.svc.Document()
	assert.Equal(t, []telemetry.Identity{1, 2, 3}, identities(doc))

	require.NoError(t, hub.svc.Tick())
	doc = hub.svc.Document()
	assert.Equal(t, []telemetry.Identity{0, 1, 2, 3}, identities(doc))

	// the same address keeps its slot
	hub.svc.HandleFrame(leafB, frameFrom(2, 200))
	assert.Equal(t, 3, hub.reg.Len())

	entries := hub.svc.Devices()
	require.Len(t, entries, 3)
	assert.Equal(t, leafA, entries[0].Address)
	assert.Equal(t, leafC, entries[2].Address)

	assert.Equal(t, 4.0, testutil.ToFloat64(hub.m.FramesReceived.WithLabelValues(metrics.ResultStored)))
	assert.Equal(t, 3.0, testutil.ToFloat64(hub.m.RegisteredDevices))
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.m.StoreUpdates.WithLabelValues(metrics.OriginLocal)))
	assert.Len(t, hub.sink.samples, 5)
}

func TestHubTrustsAddressNotWireIdentity(t *testing.T) {
	hub := newHub(t, 10, nil)

	// claims identity 0, the hub's own slot
	hub.svc.HandleFrame(leafA, frameFrom(0, 5))

	e, ok := hub.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, telemetry.Identity(1), e.Sample.Identity)
	_, ok = hub.store.Get(0)
	assert.False(t, ok)
}

func TestHubTimestamps(t *testing.T) {
	hub := newHub(t, 10, nil)
	hub.clock.Advance(1500 * time.Millisecond)

	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 7))
	e, ok := hub.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint32(1500), e.Sample.Timestamp, "remote capture time is the arrival time")
	assert.Equal(t, uint32(2), e.Sample.Latency, "wire latency is kept")

	require.NoError(t, hub.svc.Tick())
	e, ok = hub.store.Get(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1500), e.Sample.Timestamp)
	assert.Equal(t, uint32(0), e.Sample.Latency)
}

func TestHubDropsShortFrame(t *testing.T) {
	hub := newHub(t, 10, nil)

	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 1)[:30])

	assert.Equal(t, 0, hub.reg.Len())
	assert.Empty(t, hub.store.Snapshot())
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.m.FramesReceived.WithLabelValues(metrics.ResultDecodeError)))
}

func TestHubDropsNonFiniteFrame(t *testing.T) {
	hub := newHub(t, 10, nil)
	require.NoError(t, hub.svc.Tick())
	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 1))

	bad := reading
	bad.Ax = float32(math.NaN())
	bad.Gz = float32(math.Inf(1))
	hub.svc.HandleFrame(leafB, telemetry.EncodeFrame(bad))

	assert.Equal(t, 1, hub.reg.Len())
	_, ok := hub.reg.Lookup(leafB)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.m.FramesReceived.WithLabelValues(metrics.ResultInvalid)))

	doc := hub.svc.Document()
	assert.Equal(t, []telemetry.Identity{0, 1}, identities(doc))
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Len(t, decoded, 2)
}

func TestHubRegistryFull(t *testing.T) {
	hub := newHub(t, 3, nil)

	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 1))
	hub.svc.HandleFrame(leafB, frameFrom(telemetry.Unassigned, 1))
	before := hub.store.Snapshot()

	hub.svc.HandleFrame(leafC, frameFrom(telemetry.Unassigned, 1))

	assert.Equal(t, 2, hub.reg.Len())
	_, ok := hub.reg.Lookup(leafC)
	assert.False(t, ok)
	assert.Equal(t, before, hub.store.Snapshot())
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.m.FramesReceived.WithLabelValues(metrics.ResultRegistryFull)))
}

func TestStaleReadingsAreOmitted(t *testing.T) {
	hub := newHub(t, 10, nil)
	hub.svc.HandleFrame(leafA, frameFrom(telemetry.Unassigned, 1))

	hub.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, hub.svc.Document().Len())

	hub.clock.Advance(time.Millisecond)
	assert.Equal(t, 0, hub.svc.Document().Len())
}

func TestLeafSendsOneFramePerTick(t *testing.T) {
	clock := telemetry.NewManualClock(time.Now())
	ch := &capturingChannel{}
	leaf := newLeaf(t, leafA, clock, ch)

	for i := 0; i < 3; i++ {
		require.NoError(t, leaf.svc.Tick())
		clock.Advance(10 * time.Millisecond)
	}

	require.Len(t, ch.sent, 3)
	for i, frame := range ch.sent {
		assert.Len(t, frame, telemetry.FrameSize)
		s, err := telemetry.DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, telemetry.Unassigned, s.Identity)
		assert.Equal(t, uint32(i*10), s.Timestamp)
		assert.Equal(t, reading.Ax, s.Ax)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(leaf.m.FramesSent))
}

func TestLeafDropsSampleOnSendFailure(t *testing.T) {
	clock := telemetry.NewManualClock(time.Now())
	ch := &capturingChannel{failErr: channel.ErrSendFailed}
	leaf := newLeaf(t, leafA, clock, ch)

	err := leaf.svc.Tick()
	assert.ErrorIs(t, err, channel.ErrSendFailed)
	err = leaf.svc.Tick()
	assert.ErrorIs(t, err, channel.ErrSendFailed)

	ch.failErr = nil
	require.NoError(t, leaf.svc.Tick())

	assert.Len(t, ch.sent, 1, "failed samples are not queued")
	assert.Equal(t, 2.0, testutil.ToFloat64(leaf.m.SendFailures))
}

func TestLeafKeepsNoStore(t *testing.T) {
	leaf := newLeaf(t, leafA, telemetry.NewManualClock(time.Now()), &capturingChannel{})

	leaf.svc.HandleFrame(leafB, frameFrom(4, 1))

	assert.Equal(t, 0, leaf.svc.Document().Len())
	assert.Empty(t, leaf.svc.Devices())
	assert.Equal(t, telemetry.Unassigned, leaf.svc.Identity())
	assert.Equal(t, 1.0, testutil.ToFloat64(leaf.m.FramesReceived.WithLabelValues(metrics.ResultIgnored)))
}

func TestLeafRejectsReservedAssignments(t *testing.T) {
	leaf := newLeaf(t, leafA, telemetry.NewManualClock(time.Now()), &capturingChannel{})

	leaf.svc.HandleFrame(hubAddr, telemetry.EncodeAssignment(telemetry.HubIdentity))
	leaf.svc.HandleFrame(hubAddr, telemetry.EncodeAssignment(telemetry.Unassigned))
	assert.Equal(t, telemetry.Unassigned, leaf.svc.Identity())

	leaf.svc.HandleFrame(hubAddr, telemetry.EncodeAssignment(7))
	assert.Equal(t, telemetry.Identity(7), leaf.svc.Identity())
}

func TestHandshakeOverBus(t *testing.T) {
	bus := channel.NewBus()
	hub := newHub(t, 10, bus.Attach(hubAddr))
	a := newLeaf(t, leafA, hub.clock, bus.Attach(leafA))
	b := newLeaf(t, leafB, hub.clock, bus.Attach(leafB))

	// first frames are requests, answered with assignments
	require.NoError(t, a.svc.Tick())
	require.NoError(t, b.svc.Tick())
	assert.Equal(t, telemetry.Identity(1), a.svc.Identity())
	assert.Equal(t, telemetry.Identity(2), b.svc.Identity())
	assert.Equal(t, 2.0, testutil.ToFloat64(hub.m.AssignmentsSent))

	// frames tagged with the assigned identity acknowledge it
	require.NoError(t, a.svc.Tick())
	require.NoError(t, b.svc.Tick())
	assert.Equal(t, 2.0, testutil.ToFloat64(hub.m.AssignmentsSent))

	require.NoError(t, hub.svc.Tick())
	doc := hub.svc.Document()
	assert.Equal(t, []telemetry.Identity{0, 1, 2}, identities(doc))

	// leaves hear each other's frames and ignore them
	assert.Equal(t, 2.0, testutil.ToFloat64(a.m.FramesReceived.WithLabelValues(metrics.ResultIgnored)))
}

func TestLostAssignmentIsRepeated(t *testing.T) {
	bus := channel.NewBus()
	hubEP := bus.Attach(hubAddr)
	hub := newHub(t, 10, hubEP)
	a := newLeaf(t, leafA, hub.clock, bus.Attach(leafA))

	hubEP.FailSends(errors.New("radio off"))
	require.NoError(t, a.svc.Tick())
	assert.Equal(t, telemetry.Unassigned, a.svc.Identity())
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.m.SendFailures))

	hubEP.FailSends(nil)
	require.NoError(t, a.svc.Tick())
	assert.Equal(t, telemetry.Identity(1), a.svc.Identity())
	assert.Equal(t, 1, hub.reg.Len())
}

func TestDocumentJSON(t *testing.T) {
	hub := newHub(t, 16, nil)
	for i := 0; i < 11; i++ {
		addr := telemetry.HardwareAddress{0xaa, 0, 0, 0, 0, byte(i)}
		hub.svc.HandleFrame(addr, frameFrom(telemetry.Unassigned, 0))
	}
	require.NoError(t, hub.svc.Tick())

	body, err := json.Marshal(hub.svc.Document())
	require.NoError(t, err)

	var keys []string
	dec := json.NewDecoder(bytes.NewReader(body))
	_, err = dec.Token()
	require.NoError(t, err)
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	assert.Equal(t, []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8", "d9", "d10", "d11"}, keys)
}

func TestConcurrentArrivalsTicksAndRenders(t *testing.T) {
	hub := newHub(t, 64, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := telemetry.HardwareAddress{0xbb, 0, 0, 0, 0, byte(i)}
			for j := 0; j < 200; j++ {
				hub.svc.HandleFrame(addr, frameFrom(telemetry.Unassigned, uint32(j)))
			}
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			_ = hub.svc.Tick()
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			for _, r := range hub.svc.Document().Readings {
				if r.Ax != reading.Ax || r.Gz != reading.Gz {
					t.Errorf("torn reading for d%d", r.Identity)
					return
				}
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 8, hub.reg.Len())
	assert.Equal(t, 9, hub.svc.Document().Len())
}
