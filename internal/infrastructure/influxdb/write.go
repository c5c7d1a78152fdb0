package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the core.
const (
	MeasurementSecurity = "auth_security"
)

// WritePoint queues a point with full control over tags, fields and time.
// Dropped silently when the client is closed.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteSecurityEvent records a token security event (reuse detection,
// sweep failure) as a point tagged by kind.
//
//	client.WriteSecurityEvent("reuse_detected", "usr-1a2b3c4d", 3, time.Now())
func (c *Client) WriteSecurityEvent(kind, ownerID string, count int64, at time.Time) {
	tags := map[string]string{"kind": kind}
	if ownerID != "" {
		tags["owner_id"] = ownerID
	}
	c.WritePoint(MeasurementSecurity, tags, map[string]any{"count": count}, at)
}
