package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/shellkit/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	ackTimeout     = 5 * time.Second
	keepAlive      = 60 * time.Second

	// quiesceMillis is how long Close lets in-flight messages drain.
	quiesceMillis = 1000
)

// Logger receives connection and watcher problems.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client publishes shellkit events to a broker and watches them.
// A retained {prefix}/status message tells watchers whether the
// publishing session is online.
type Client struct {
	pc     pahomqtt.Client
	topics Topics
	qos    byte
	id     string

	online atomic.Bool

	mu      sync.Mutex
	watches map[string]pahomqtt.MessageHandler
	logger  Logger
}

// Connect dials the broker described by cfg and announces the session
// as online. The broker publishes an "offline" status on its behalf if
// the process dies without calling Close.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		topics:  Topics{Prefix: cfg.TopicPrefix},
		qos:     byte(cfg.QoS), //nolint:gosec // QoS validated to 0-2
		id:      cfg.Broker.ClientID,
		watches: make(map[string]pahomqtt.MessageHandler),
	}

	c.pc = pahomqtt.NewClient(c.clientOptions(cfg))
	token := c.pc.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.pc.Disconnect(0)
		return nil, fmt.Errorf("%w: no answer from %s within %v", ErrConnectionFailed, brokerURL(cfg), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.online.Store(true)
	return c, nil
}

func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
}

func (c *Client) clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(c.topics.Status(), string(statusPayload(c.id, "offline", "unexpected_disconnect")), 1, true).
		SetOnConnectHandler(func(pahomqtt.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.online.Store(false)
			c.log().Warn("mqtt connection lost", "error", err)
		})

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// connected runs on the first connect and every reconnect: the broker
// dropped our subscriptions with the clean session, so the watches are
// subscribed again.
func (c *Client) connected() {
	c.online.Store(true)
	c.pc.Publish(c.topics.Status(), 1, true, statusPayload(c.id, "online", ""))

	c.mu.Lock()
	defer c.mu.Unlock()
	for pattern, handler := range c.watches {
		c.pc.Subscribe(pattern, c.qos, handler)
	}
}

// StatusMessage is the retained payload of the status topic.
type StatusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func statusPayload(clientID, status, reason string) []byte {
	b, _ := json.Marshal(StatusMessage{ //nolint:errcheck // Plain struct
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return b
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	return c.online.Load() && c.pc != nil && c.pc.IsConnected()
}

// HealthCheck returns ErrNotConnected while the connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

// SetLogger sets the logger. Problems are dropped until one is set.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Close marks the session offline and disconnects.
func (c *Client) Close() error {
	if c.pc == nil {
		return nil
	}
	if c.Connected() {
		token := c.pc.Publish(c.topics.Status(), 1, true, statusPayload(c.id, "offline", "closed"))
		token.WaitTimeout(ackTimeout)
	}
	c.online.Store(false)
	c.pc.Disconnect(quiesceMillis)
	return nil
}
