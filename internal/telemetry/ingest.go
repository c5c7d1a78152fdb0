package telemetry

import (
	"log/slog"
	"time"

	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
)

// Channel is the WebSocket channel readings are broadcast on.
const Channel = "telemetry"

// PointWriter stores time series points.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Broadcaster fans a payload out to WebSocket subscribers of channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Subscriber registers MQTT handlers.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Counter receives per-message outcomes.
type Counter interface {
	ReadingAccepted()
	ReadingRejected()
}

// Config configures an Ingester.
type Config struct {
	Topic       string
	Measurement string
	QoS         byte
}

// Ingester decodes sensor messages and forwards them. Points, Broadcast
// and Counter are optional.
type Ingester struct {
	cfg     Config
	points  PointWriter
	hub     Broadcaster
	counter Counter
	now     func() time.Time
	logger  *slog.Logger
}

// NewIngester creates an Ingester. Nil outputs are skipped.
func NewIngester(cfg Config, points PointWriter, hub Broadcaster, counter Counter, logger *slog.Logger) *Ingester {
	if cfg.Topic == "" {
		cfg.Topic = mqtt.Topics{}.AllNodeData()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "bin_reading"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingester{
		cfg:     cfg,
		points:  points,
		hub:     hub,
		counter: counter,
		now:     time.Now,
		logger:  logger,
	}
}

// Start subscribes the ingester to its topic.
func (in *Ingester) Start(sub Subscriber) error {
	in.logger.Info("subscribing to sensor readings", "topic", in.cfg.Topic)
	return sub.Subscribe(in.cfg.Topic, in.cfg.QoS, in.Handle)
}

// Handle is the MQTT message handler. Undecodable messages are counted and
// returned as errors for the client to log.
func (in *Ingester) Handle(topic string, raw []byte) error {
	reading, err := Decode(topic, raw, in.now().UTC())
	if err != nil {
		if in.counter != nil {
			in.counter.ReadingRejected()
		}
		return err
	}
	if in.counter != nil {
		in.counter.ReadingAccepted()
	}

	if in.points != nil {
		in.points.WritePoint(in.cfg.Measurement, map[string]string{"node": reading.Node}, reading.Fields(), reading.ReceivedAt)
	}
	if in.hub != nil {
		in.hub.Broadcast(Channel, reading)
	}
	if reading.Tipping {
		in.logger.Warn("bin tipping detected", "node", reading.Node)
	}
	return nil
}
