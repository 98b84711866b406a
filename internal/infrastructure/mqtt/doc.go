// Package mqtt provides MQTT client connectivity for the Plejd bridge.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Gray Logic uses MQTT as the internal message bus between Core and the
// protocol bridges. The Plejd bridge publishes mesh state and events and
// receives commands through it.
//
//	Gray Logic Core ↔ MQTT Broker ↔ Plejd Bridge ↔ BLE mesh
//
// Topic layout is owned by the bridge package (see plejd.StateTopic and
// friends); this package only moves bytes.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	lwt, _ := json.Marshal(plejd.NewLWTMessage(bridgeID))
//	will := &mqtt.Will{Topic: plejd.HealthTopic(), Payload: lwt, QoS: 1, Retained: true}
//	client, err := mqtt.Connect(cfg.MQTT, will)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnConnect(bridge.ClearStateCache)
//	err = client.Subscribe(plejd.CommandSubscribeTopic(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
