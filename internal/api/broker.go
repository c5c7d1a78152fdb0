package api

import (
	"errors"
	"net/http"

	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
)

// defaultPublishQoS matches what the bins subscribe with.
const defaultPublishQoS = 1

// Broker is the MQTT connection the server reports on and publishes through.
// *mqtt.Client satisfies it.
type Broker interface {
	IsConnected() bool
	SubscriptionCount() int
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// handleBrokerStatus reports whether the MQTT bus is reachable.
func (s *Server) handleBrokerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false, "status": "disabled"})
		return
	}

	connected := s.broker.IsConnected()
	status := "disconnected"
	if connected {
		status = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":     connected,
		"status":        status,
		"subscriptions": s.broker.SubscriptionCount(),
	})
}

// handlePublish sends an operator message, typically a command to a node.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeUnavailable, "mqtt not configured")
		return
	}

	var req publishRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	qos := defaultPublishQoS
	if req.QoS != nil {
		qos = *req.QoS
	}

	err := s.broker.Publish(req.Topic, []byte(req.Message), byte(qos), req.Retained) //nolint:gosec // validated to 0..2
	switch {
	case errors.Is(err, mqtt.ErrInvalidTopic), errors.Is(err, mqtt.ErrInvalidQoS):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case err != nil:
		s.logger.Warn("operator publish failed", "topic", req.Topic, "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "mqtt publish failed")
		return
	}

	s.logger.Info("operator message published", "topic", req.Topic, "qos", qos,
		"published_by", identityFromContext(r.Context()).UserID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "published to " + req.Topic})
}
