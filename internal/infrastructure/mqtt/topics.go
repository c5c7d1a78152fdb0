package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the SmartTrash bus.
//
// Sensor nodes publish on smarttrash/{node}/data; the core publishes its own
// status and security alerts under smarttrash/system.
const (
	TopicPrefix       = "smarttrash"
	TopicPrefixSystem = "smarttrash/system"
)

// Topics builds SmartTrash MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.NodeData("bin-07") // "smarttrash/bin-07/data"
type Topics struct{}

// NodeData returns the telemetry topic of a sensor node.
func (Topics) NodeData(nodeID string) string {
	return fmt.Sprintf("%s/%s/data", TopicPrefix, nodeID)
}

// AllNodeData matches the telemetry topic of every node.
func (Topics) AllNodeData() string {
	return TopicPrefix + "/+/data"
}

// SystemStatus returns the retained core status topic (online/offline, LWT).
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// SystemSecurity returns the topic security alerts are published on.
func (Topics) SystemSecurity() string {
	return TopicPrefixSystem + "/security"
}

// NodeFromTopic extracts the node ID from a smarttrash/{node}/data topic.
// It reports false for any other topic shape.
func NodeFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] != "data" || parts[1] == "" {
		return "", false
	}
	if parts[1] == "system" {
		return "", false
	}
	return parts[1], true
}
