// Package session connects the optional shellkit backends named in the
// configuration (run journal, InfluxDB metrics, MQTT events) and exposes
// them to factories as hooks and a stats registry. The WebSocket event
// stream, when enabled, is served for the lifetime of the session and
// reports the health of the other backends on /health.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/shellkit/internal/events"
	"github.com/nerrad567/shellkit/internal/infrastructure/config"
	"github.com/nerrad567/shellkit/internal/infrastructure/database"
	"github.com/nerrad567/shellkit/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellkit/internal/infrastructure/logging"
	"github.com/nerrad567/shellkit/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellkit/internal/journal"
	"github.com/nerrad567/shellkit/internal/stream"
	"github.com/nerrad567/shellkit/internal/telemetry"
	"github.com/nerrad567/shellkit/migrations"
	"github.com/nerrad567/shellkit/shell"
)

// Session owns the backend connections for one test run or CLI invocation.
type Session struct {
	hooks   []shell.Hook
	stats   *telemetry.Registry
	journal *journal.SQLiteRepository
	mqtt    *mqtt.Client
	stream  *stream.Server

	cancel  context.CancelFunc
	closers []func() error
}

// Open connects every backend enabled in cfg. A session with nothing
// enabled is valid and adds no hooks.
//
// Parameters:
//   - ctx: bounds the stats sampler, which stops when ctx is done or on Close
//   - cfg: loaded configuration
//   - logger: receives async backend errors
//
// Returns:
//   - *Session: ready to use, close with Close
//   - error: if an enabled backend cannot be reached
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *Session, err error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Session{}
	var checks []stream.Check
	defer func() {
		if err != nil {
			s.Close() //nolint:errcheck // Best effort cleanup on error path
		}
	}()

	if cfg.Journal.Enabled {
		db, err := database.Open(database.Config{
			Path:        cfg.Journal.Path,
			WALMode:     cfg.Journal.WALMode,
			BusyTimeout: cfg.Journal.BusyTimeout,
			Migrations:  migrations.FS,
		})
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating journal: %w", err)
		}
		checks = append(checks, stream.Check{Name: "journal", Check: db.HealthCheck})
		s.journal = journal.NewSQLiteRepository(db.DB)
		s.hooks = append(s.hooks, journal.NewHook(s.journal))
		logger.Debug("journal opened", "path", cfg.Journal.Path)
	}

	var sampleWriter telemetry.SampleWriter
	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to influxdb: %w", err)
		}
		client.SetOnError(func(err error) {
			logger.Warn("influxdb write failed", "error", err)
		})
		s.closers = append(s.closers, client.Close)
		checks = append(checks, stream.Check{Name: "influxdb", Check: client.HealthCheck})
		s.hooks = append(s.hooks, telemetry.NewRunHook(client))
		sampleWriter = client
		logger.Debug("influxdb connected", "url", cfg.InfluxDB.URL)
	}

	if cfg.Stats.Enabled {
		s.stats = telemetry.NewRegistry(sampleWriter, cfg.GetSampleInterval())
		s.stats.SetLogger(logger)
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.stats.Run(runCtx)
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("connecting to mqtt: %w", err)
		}
		client.SetLogger(logger)
		s.closers = append(s.closers, client.Close)
		s.mqtt = client
		checks = append(checks, stream.Check{Name: "mqtt", Check: client.HealthCheck})
		s.hooks = append(s.hooks, events.NewHook(client))
		logger.Debug("mqtt connected", "host", cfg.MQTT.Broker.Host)
	}

	if cfg.Stream.Enabled {
		hub := stream.NewHub(stream.ConfigFrom(cfg.Stream), logger)
		srv, err := stream.Listen(cfg.Stream.Listen, hub, checks...)
		if err != nil {
			return nil, fmt.Errorf("starting event stream: %w", err)
		}
		s.closers = append(s.closers, srv.Close)
		s.stream = srv
		s.hooks = append(s.hooks, hub)
	}

	return s, nil
}

// Hooks returns the hooks of the enabled backends.
func (s *Session) Hooks() []shell.Hook {
	return s.hooks
}

// Stats returns the stats registry, or nil when sampling is disabled.
func (s *Session) Stats() shell.StatsRegistry {
	if s.stats == nil {
		return nil
	}
	return s.stats
}

// Journal returns the run journal, or nil when it is disabled.
func (s *Session) Journal() *journal.SQLiteRepository {
	return s.journal
}

// MQTT returns the MQTT client, or nil when it is disabled.
func (s *Session) MQTT() *mqtt.Client {
	return s.mqtt
}

// StreamAddr returns the address of the event stream, or "" when it is disabled.
func (s *Session) StreamAddr() string {
	if s.stream == nil {
		return ""
	}
	return s.stream.Addr()
}

// Options returns the factory options that attach the session hooks.
func (s *Session) Options() []shell.Option {
	if len(s.hooks) == 0 {
		return nil
	}
	return []shell.Option{shell.WithHooks(s.hooks...)}
}

// Close stops the sampler and closes every backend, newest first.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
