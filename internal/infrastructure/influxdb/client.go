package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/shellkit/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client records shellkit measurements in one InfluxDB v2 bucket.
// Writes are batched and never block the caller.
type Client struct {
	client influxdb2.Client
	points api.WriteAPI
	closed atomic.Bool

	mu      sync.Mutex
	onError func(error)
}

// Connect pings the server at cfg.URL and opens a batching writer for
// cfg.Bucket. It returns ErrDisabled when metrics are switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if ok, err := client.Ping(ctx); err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("server at %s is not ready", cfg.URL)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client: client,
		points: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.forwardErrors()
	return c, nil
}

// clientOptions sizes batches from cfg. A daemon sampled every second
// with a few children fills the default batch in well under a minute.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // Positive by construction
}

func (c *Client) forwardErrors() {
	for err := range c.points.Errors() {
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError sets the callback for failed batch writes.
func (c *Client) SetOnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb health check: server not ready")
	}
	return nil
}

// Flush sends the pending batch. It is a no-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.points.Flush()
}

// Close flushes pending points and releases the client. Later writes
// are dropped.
func (c *Client) Close() error {
	if c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.points.Flush()
	c.client.Close()
	return nil
}
