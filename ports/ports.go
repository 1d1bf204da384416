// Package ports provides localhost port helpers for tests that spawn
// network daemons.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// dialTimeout bounds a single connect attempt in GetConnectablePorts.
	dialTimeout = 500 * time.Millisecond

	// maxCachedAttempts bounds how often a cached port may be redrawn.
	maxCachedAttempts = 100
)

// ErrPortCacheExhausted is returned when every freshly bound port was already handed out.
var ErrPortCacheExhausted = errors.New("ports: could not find an uncached port")

// listen is swapped in tests to force port collisions.
var listen = net.Listen

var (
	cacheMu     sync.Mutex
	cachedPorts = make(map[int]struct{})
)

// GetUnusedLocalhostPort returns a random unused TCP port on 127.0.0.1.
//
// The port is found by binding to port 0 and closing the listener, so
// another process may still grab it before the caller does.
//
// When useCache is true, a port returned by an earlier cached call is
// never returned again.
func GetUnusedLocalhostPort(useCache bool) (int, error) {
	if !useCache {
		return bindFreePort()
	}

	var port int
	b := retry.WithMaxRetries(maxCachedAttempts, retry.NewConstant(time.Millisecond))
	err := retry.Do(context.Background(), b, func(_ context.Context) error {
		p, err := bindFreePort()
		if err != nil {
			return err
		}

		cacheMu.Lock()
		defer cacheMu.Unlock()
		if _, seen := cachedPorts[p]; seen {
			return retry.RetryableError(ErrPortCacheExhausted)
		}
		cachedPorts[p] = struct{}{}
		port = p
		return nil
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

func bindFreePort() (int, error) {
	l, err := listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding localhost port: %w", err)
	}
	defer l.Close() //nolint:errcheck // Port is only probed

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", l.Addr())
	}
	return addr.Port, nil
}

// GetConnectablePorts returns the subset of ports that accept a TCP
// connection on localhost.
func GetConnectablePorts(ports []int) map[int]struct{} {
	return GetConnectablePortsContext(context.Background(), ports)
}

// GetConnectablePortsContext is GetConnectablePorts with cancellation.
func GetConnectablePortsContext(ctx context.Context, ports []int) map[int]struct{} {
	connectable := make(map[int]struct{})
	dialer := net.Dialer{Timeout: dialTimeout}

	for _, port := range ports {
		if _, done := connectable[port]; done {
			continue
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		conn.Close() //nolint:errcheck // Connection is only a probe
		connectable[port] = struct{}{}
	}
	return connectable
}
