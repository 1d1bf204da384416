package shell

import (
	"fmt"
	"time"

	"github.com/nerrad567/shellkit/internal/infrastructure/config"
)

// Defaults are factory settings loaded from configuration.
type Defaults struct {
	Cwd              string
	Timeout          time.Duration
	SlowStop         bool
	SkipOnGlibcRace  bool
	StartTimeout     time.Duration
	MaxStartAttempts int
}

// DefaultsFromEnv loads Defaults from the file named by SHELLKIT_CONFIG,
// or from built-in defaults, with SHELLKIT_* overrides applied.
func DefaultsFromEnv() (Defaults, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return Defaults{}, fmt.Errorf("loading shellkit config: %w", err)
	}
	return DefaultsFromConfig(cfg), nil
}

// DefaultsFromConfig extracts the factory defaults from cfg.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		Cwd:              cfg.Defaults.Cwd,
		Timeout:          cfg.GetTimeout(),
		SlowStop:         cfg.Defaults.SlowStop,
		SkipOnGlibcRace:  cfg.Defaults.SkipOnGlibcRace,
		StartTimeout:     cfg.GetStartTimeout(),
		MaxStartAttempts: cfg.Defaults.MaxStartAttempts,
	}
}

// Options returns the factory options for these defaults. Options passed
// after them take precedence.
func (d Defaults) Options() []Option {
	opts := []Option{
		WithTimeout(d.Timeout),
		WithSkipOnGlibcRace(d.SkipOnGlibcRace),
		func(f *Factory) { f.SlowStop = d.SlowStop },
	}
	if d.Cwd != "" {
		opts = append(opts, WithCwd(d.Cwd))
	}
	return opts
}

// Apply fills the unset start settings of cfg.
func (d Defaults) Apply(cfg DaemonConfig) DaemonConfig {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = d.StartTimeout
	}
	if cfg.MaxStartAttempts <= 0 {
		cfg.MaxStartAttempts = d.MaxStartAttempts
	}
	return cfg
}
