// Package mqtt carries shellkit lifecycle events over an MQTT broker.
//
// A session publishes one JSON message per event under a topic prefix
// (see Topics), and `shellkit watch` follows them from another terminal:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Watch(ctx, client.Topics().AllDaemonEvents(), func(topic string, payload []byte) {
//	    fmt.Printf("%s %s\n", topic, payload)
//	})
//
// The retained {prefix}/status topic reads "online" while a session is
// connected, and the broker's last will flips it to "offline" when the
// process dies without closing.
package mqtt
