// Package influxdb writes SmartTrash time series to InfluxDB v2 and reads
// bin readings back with Flux.
//
// Two kinds of points are written:
//   - bin readings from the telemetry ingest (fill level, GPS fix, tipping)
//   - token security events (reuse detected, sweep failures)
//
// Writes are non-blocking and batched by the client library; failures are
// reported through SetOnError. Query is synchronous and returns rows as
// the client library decodes them.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time series
//	}
package influxdb
