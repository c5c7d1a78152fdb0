// Package mqtt provides the broker connection for SmartTrash Core.
//
// The core uses MQTT in two directions:
//   - sensor nodes publish readings on smarttrash/{node}/data, consumed by
//     the telemetry ingest
//   - the core publishes its retained status and security alerts under
//     smarttrash/system
//
// The client reconnects automatically, restores subscriptions after a
// reconnect, and registers a Last Will on the status topic.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllNodeData(), 1,
//	    func(topic string, payload []byte) error {
//	        node, _ := mqtt.NodeFromTopic(topic)
//	        log.Printf("%s: %s", node, payload)
//	        return nil
//	    })
package mqtt
