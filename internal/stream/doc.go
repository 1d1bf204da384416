// Package stream serves factory lifecycle events to WebSocket clients.
//
// A Hub is a shell.Hook: every event it observes is broadcast to the
// clients subscribed to the event kind. Clients subscribe with a message
// or with the channels query parameter:
//
//	ws://127.0.0.1:8765/events?channels=daemon.*,run.timeout
//
// Channels are event kinds ("daemon.started", "run.completed"), a
// prefix ending in ".*", or "*" for everything.
//
// Messages sent to clients:
//
//	{"type":"event","event_type":"daemon.started","timestamp":"...","payload":{...}}
//
// The payload is an events.Message, the same document published to MQTT.
package stream
