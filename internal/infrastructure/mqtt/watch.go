package mqtt

import (
	"context"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// WatchFunc receives one message. Calls come from paho's delivery
// goroutine, one at a time per watch.
type WatchFunc func(topic string, payload []byte)

// Watch subscribes fn to pattern (MQTT wildcards allowed) and blocks
// until ctx is done. The subscription survives reconnects and is
// removed when Watch returns.
func (c *Client) Watch(ctx context.Context, pattern string, fn WatchFunc) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if fn == nil {
		return fmt.Errorf("%w: nil watch func", ErrSubscribeFailed)
	}
	if !c.Connected() {
		return ErrNotConnected
	}

	handler := c.guard(fn)
	c.mu.Lock()
	if _, dup := c.watches[pattern]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: already watching %s", ErrSubscribeFailed, pattern)
	}
	c.watches[pattern] = handler
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.watches, pattern)
		c.mu.Unlock()
		if c.Connected() {
			c.pc.Unsubscribe(pattern).WaitTimeout(ackTimeout)
		}
	}()

	token := c.pc.Subscribe(pattern, c.qos, handler)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: no ack for %s within %v", ErrSubscribeFailed, pattern, ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	<-ctx.Done()
	return nil
}

// guard keeps a panicking WatchFunc from killing the paho router.
func (c *Client) guard(fn WatchFunc) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("mqtt watch func panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		fn(msg.Topic(), msg.Payload())
	}
}
