// Package api implements the HTTP REST API and WebSocket server for SmartTrash.
//
// This package provides:
//   - Session endpoints: register, login, refresh, logout, revoke, session listing
//   - Administrator endpoints for accounts, token listing and revocation,
//     purging, audit logs and operator MQTT messages
//   - Sensor-data endpoints reading stored bin readings back from InfluxDB
//   - A WebSocket hub streaming sensor readings and security alerts
//   - Middleware stack (request ID, logging, recovery, CORS, Prometheus)
//
// # Security
//
// Protected routes require a bearer access token. Besides its signature and
// expiry, the account it names is reloaded on every request, so deactivation
// and role changes apply immediately. Refresh tokens go through the
// lifecycle manager on every use.
// WebSocket connections use single-use tickets so that no token appears in URLs.
//
// Auth failures map to stable error codes (token_not_found, token_expired,
// token_revoked, token_reused) so that clients can tell a stale session from
// a replayed one.
package api
