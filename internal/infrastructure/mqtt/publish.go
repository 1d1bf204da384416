package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize keeps a runaway event (a huge command line) from being
// rejected by the broker mid-session.
const maxPayloadSize = 1 << 20

// Publish sends v as JSON to topic with the configured QoS. Events are
// never retained.
func (c *Client) Publish(topic string, v any) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.Connected() {
		return ErrNotConnected
	}

	token := c.pc.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: no ack within %v", ErrPublishFailed, ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
