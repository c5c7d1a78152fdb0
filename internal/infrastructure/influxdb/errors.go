package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Callers treat it as "run without time series", not as a failure.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps asynchronous batch failures handed to the OnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	ErrQueryFailed = errors.New("influxdb: query failed")
)
