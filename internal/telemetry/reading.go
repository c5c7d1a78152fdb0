// Package telemetry ingests smart-bin sensor readings from MQTT, stores them
// as InfluxDB points and fans them out to WebSocket clients.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
)

// tippingRatio: a bin counts as tipped when |az| falls below this share of
// the total acceleration.
const tippingRatio = 0.5

// ErrInvalidReading is returned for payloads that cannot be decoded.
var ErrInvalidReading = errors.New("telemetry: invalid reading")

// Reading is one decoded sensor message.
type Reading struct {
	Node       string    `json:"node"`
	Distance   float64   `json:"distance"`
	Gas        int       `json:"gas"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Satellites int       `json:"satellites"`
	Tipping    bool      `json:"tipping"`
	ReceivedAt time.Time `json:"received_at"`
}

// payload is the compact JSON the nodes publish. Missing numeric fields decode as zero.
type payload struct {
	Node       string   `json:"n"`
	Trash      float64  `json:"trash"`
	Gas        int      `json:"g"`
	Latitude   float64  `json:"lat"`
	Longitude  float64  `json:"lon"`
	Satellites int      `json:"sat"`
	AX         *float64 `json:"ax"`
	AY         *float64 `json:"ay"`
	AZ         *float64 `json:"az"`
}

// Decode parses a message received on topic. The node name comes from the
// payload's "n" field, falling back to the topic segment.
func Decode(topic string, raw []byte, receivedAt time.Time) (Reading, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrInvalidReading, err)
	}

	node := p.Node
	if node == "" {
		node, _ = mqtt.NodeFromTopic(topic)
	}
	if node == "" {
		return Reading{}, fmt.Errorf("%w: no node name in payload or topic %q", ErrInvalidReading, topic)
	}

	return Reading{
		Node:       node,
		Distance:   p.Trash,
		Gas:        p.Gas,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Satellites: p.Satellites,
		Tipping:    p.tipping(),
		ReceivedAt: receivedAt,
	}, nil
}

// tipping is false unless all three axes were reported.
func (p payload) tipping() bool {
	if p.AX == nil || p.AY == nil || p.AZ == nil {
		return false
	}
	ax, ay, az := *p.AX, *p.AY, *p.AZ
	total := math.Sqrt(ax*ax + ay*ay + az*az)
	return math.Abs(az) < total*tippingRatio
}

// Fields returns the reading as InfluxDB fields.
func (r Reading) Fields() map[string]any {
	return map[string]any{
		"distance":   r.Distance,
		"gas":        r.Gas,
		"latitude":   r.Latitude,
		"longitude":  r.Longitude,
		"satellites": r.Satellites,
		"tipping":    r.Tipping,
	}
}
