package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/trsang/smarttrash-core/internal/infrastructure/influxdb"
)

// History limits.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
	defaultWindow       = 30 * 24 * time.Hour
)

// ErrInvalidNode is returned for node filters that are not topic-safe names.
var ErrInvalidNode = errors.New("telemetry: invalid node name")

// nodePattern matches the names nodes publish under; it also keeps filter
// values safe to embed in a Flux string literal.
var nodePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Querier runs Flux queries. *influxdb.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, flux string) ([]influxdb.Row, error)
}

// History reads stored readings back from InfluxDB.
type History struct {
	q           Querier
	bucket      string
	measurement string
	window      time.Duration
}

// NewHistory creates a reader over bucket. Zero values select the
// "bin_reading" measurement and a 30 day window.
func NewHistory(q Querier, bucket, measurement string, window time.Duration) *History {
	if measurement == "" {
		measurement = "bin_reading"
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &History{q: q, bucket: bucket, measurement: measurement, window: window}
}

// Latest returns the newest reading of every node seen within the window,
// newest first.
func (h *History) Latest(ctx context.Context) ([]Reading, error) {
	flux := h.source("") + `
  |> last()
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)`
	return h.run(ctx, flux)
}

// Recent returns up to limit readings, newest first, optionally for one
// node. limit is clamped to 1..MaxHistoryLimit; zero means DefaultHistoryLimit.
func (h *History) Recent(ctx context.Context, node string, limit int) ([]Reading, error) {
	if node != "" && !nodePattern.MatchString(node) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNode, node)
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	flux := h.source(node) + fmt.Sprintf(`
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`, limit)
	return h.run(ctx, flux)
}

func (h *History) source(node string) string {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q)`, h.bucket, int64(h.window.Seconds()), h.measurement)
	if node != "" {
		flux += fmt.Sprintf(`
  |> filter(fn: (r) => r.node == %q)`, node)
	}
	return flux
}

func (h *History) run(ctx context.Context, flux string) ([]Reading, error) {
	rows, err := h.q.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	readings := make([]Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, readingFromRow(row))
	}
	return readings, nil
}

// readingFromRow maps a pivoted row back onto the fields Handle writes.
// Missing or mistyped columns read as zero.
func readingFromRow(row influxdb.Row) Reading {
	v := row.Values
	node, _ := v["node"].(string)
	tipping, _ := v["tipping"].(bool)
	return Reading{
		Node:       node,
		Distance:   toFloat(v["distance"]),
		Gas:        int(toFloat(v["gas"])),
		Latitude:   toFloat(v["latitude"]),
		Longitude:  toFloat(v["longitude"]),
		Satellites: int(toFloat(v["satellites"])),
		Tipping:    tipping,
		ReceivedAt: row.Time.UTC(),
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
