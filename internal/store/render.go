// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package store

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

// Reading is the JSON shape of one identity in a Document.
type Reading struct {
	Identity telemetry.Identity `json:"-"`

	Ax float32 `json:"ax"`
	Ay float32 `json:"ay"`
	Az float32 `json:"az"`
	Gx float32 `json:"gx"`
	Gy float32 `json:"gy"`
	Gz float32 `json:"gz"`

	Latency   uint32 `json:"dt"`
	Timestamp uint32 `json:"t"`
}

// Document is the rendered snapshot: {"d0": {...}, "d3": {...}} in identity order.
type Document struct {
	Readings []Reading
}

// Render keeps populated, fresh, assigned identities with finite axes.
func Render(snap Snapshot, threshold time.Duration) Document {
	doc := Document{Readings: make([]Reading, 0, len(snap))}
	for _, e := range snap {
		if e.Identity == telemetry.Unassigned || !Fresh(e.Age, threshold) || !e.Sample.Finite() {
			continue
		}
		doc.Readings = append(doc.Readings, Reading{
			Identity:  e.Identity,
			Ax:        e.Sample.Ax,
			Ay:        e.Sample.Ay,
			Az:        e.Sample.Az,
			Gx:        e.Sample.Gx,
			Gy:        e.Sample.Gy,
			Gz:        e.Sample.Gz,
			Latency:   e.Sample.Latency,
			Timestamp: e.Sample.Timestamp,
		})
	}
	return doc
}

// Render renders the current contents with the store's own threshold.
func (s *Store) Render() Document {
	return Render(s.Snapshot(), s.freshness)
}

// Key is the member name used for an identity.
func Key(id telemetry.Identity) string {
	return "d" + strconv.Itoa(int(id))
}

// MarshalJSON writes members in identity order (d2 before d10).
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range d.Readings {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(Key(r.Identity)))
		buf.WriteByte(':')
		body, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Len is the number of identities in the document.
func (d Document) Len() int { return len(d.Readings) }
