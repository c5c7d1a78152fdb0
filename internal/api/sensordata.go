package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/trsang/smarttrash-core/internal/telemetry"
)

// ReadingSource reads stored bin readings. *telemetry.History satisfies it.
type ReadingSource interface {
	Latest(ctx context.Context) ([]telemetry.Reading, error)
	Recent(ctx context.Context, node string, limit int) ([]telemetry.Reading, error)
}

// handleLatestReadings returns the newest reading of every node.
func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeUnavailable, "sensor history not configured")
		return
	}

	readings, err := s.readings.Latest(r.Context())
	s.writeReadings(w, r, readings, err)
}

// handleReadingHistory returns recent readings, newest first.
//
// Query parameters:
//   - node: only readings of this node
//   - limit: max results (default 100, max 1000)
func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeUnavailable, "sensor history not configured")
		return
	}

	q := r.URL.Query()
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	readings, err := s.readings.Recent(r.Context(), q.Get("node"), limit)
	s.writeReadings(w, r, readings, err)
}

func (s *Server) writeReadings(w http.ResponseWriter, r *http.Request, readings []telemetry.Reading, err error) {
	switch {
	case errors.Is(err, telemetry.ErrInvalidNode):
		writeBadRequest(w, "invalid node name")
		return
	case err != nil:
		s.logger.Error("failed to read sensor data", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "sensor history unavailable")
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  readings,
		"count": len(readings),
	})
}
