package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// meshEventMeasurement is the measurement holding every mesh event.
const meshEventMeasurement = "plejd_events"

// WriteMeshEvent records a mesh state change or event.
//
// It implements plejd.EventWriter. The point is queued for the next batch
// and counted in Stats; events after Close are discarded.
//
// Parameters:
//   - kind: Event kind (e.g., "dim", "motion", "scene_activated"), stored as a tag
//   - deviceID: Site device identifier, tagged when known
//   - address: Mesh address in decimal, tagged when known
//   - fields: Event values (e.g., {"on": true, "level": 128})
//
// Example:
//
//	client.WriteMeshEvent("dim", "dev-hall", "11", map[string]any{"on": true, "level": 128})
func (c *Client) WriteMeshEvent(kind, deviceID, address string, fields map[string]any) {
	point := newMeshEventPoint(kind, deviceID, address, fields, time.Now())
	if point == nil {
		return
	}

	// Held across WritePoint so Close cannot shut the write API underneath.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || c.closed {
		return
	}
	c.writeAPI.WritePoint(point)
	c.pointsQueued.Add(1)
}

// newMeshEventPoint builds the point for a mesh event. Nil field values are
// skipped; an event with no remaining fields yields nil.
func newMeshEventPoint(kind, deviceID, address string, fields map[string]any, ts time.Time) *write.Point {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			values[k] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	tags := map[string]string{"kind": kind}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}
	if address != "" {
		tags["address"] = address
	}

	return write.NewPoint(meshEventMeasurement, tags, values, ts)
}
