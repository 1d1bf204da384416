package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/internal/infrastructure/config"
	"github.com/nerrad567/shellkit/internal/infrastructure/logging"
	"github.com/nerrad567/shellkit/internal/session"
	"github.com/nerrad567/shellkit/shell"
)

// app carries the state shared by every subcommand once the
// configuration has been loaded.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "shellkit",
		Short:         "Run and supervise processes the way shellkit tests do",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (default $SHELLKIT_CONFIG)")

	root.AddCommand(
		newRunCmd(a),
		newDaemonCmd(a),
		newPortCmd(),
		newWatchCmd(a),
		newJournalCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds the logger. Logs go to the
// command's stderr so that stdout only carries results.
func (a *app) load(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.Load(a.configPath)
	} else {
		a.cfg, err = config.FromEnv()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a.log = logging.NewWithWriter(a.cfg.Logging, version, cmd.ErrOrStderr())
	return nil
}

// openSession connects the backends enabled in the configuration.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	sess, err := session.Open(ctx, a.cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return sess, nil
}

func (a *app) closeSession(sess *session.Session) {
	if err := sess.Close(); err != nil {
		a.log.Error("error closing session", "error", err)
	}
}

// factoryOptions returns the configured defaults, the logger and the
// session hooks as factory options.
func (a *app) factoryOptions(sess *session.Session) []shell.Option {
	opts := shell.DefaultsFromConfig(a.cfg).Options()
	opts = append(opts, shell.WithLogger(a.log))
	return append(opts, sess.Options()...)
}
