package influxdb

import (
	"context"
	"fmt"
	"time"
)

// Row is one record of a Flux result: its _time and every column by name.
type Row struct {
	Time   time.Time
	Values map[string]any
}

// Query runs a Flux query against the configured org and collects every
// record of every result table.
func (c *Client) Query(ctx context.Context, flux string) ([]Row, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	result, err := c.client.QueryAPI(c.cfg.Org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close() //nolint:errcheck // read-only stream

	var rows []Row
	for result.Next() {
		rec := result.Record()
		rows = append(rows, Row{Time: rec.Time(), Values: rec.Values()})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return rows, nil
}

// Bucket returns the bucket points are written to and queried from.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}
