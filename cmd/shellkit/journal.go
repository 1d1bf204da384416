package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/internal/infrastructure/database"
	"github.com/nerrad567/shellkit/internal/journal"
	"github.com/nerrad567/shellkit/migrations"
)

type journalFlags struct {
	factory string
	limit   int
	json    bool
}

func newJournalCmd(a *app) *cobra.Command {
	var f journalFlags

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List the runs and daemon events recorded in the journal",
	}
	cmd.PersistentFlags().StringVar(&f.factory, "factory", "", "only show entries of this factory display name")
	cmd.PersistentFlags().IntVar(&f.limit, "limit", 0, "maximum entries to show (default 50, max 500)")
	cmd.PersistentFlags().BoolVar(&f.json, "json", false, "print entries as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "runs",
		Short: "List recorded subprocess runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withJournal(cmd, func(repo *journal.SQLiteRepository) error {
				runs, err := repo.ListRuns(cmd.Context(), journal.Filter{Factory: f.factory, Limit: f.limit})
				if err != nil {
					return err
				}
				if f.json {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				return writeRuns(cmd.OutOrStdout(), runs)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "List recorded daemon lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withJournal(cmd, func(repo *journal.SQLiteRepository) error {
				evts, err := repo.ListDaemonEvents(cmd.Context(), journal.Filter{Factory: f.factory, Limit: f.limit})
				if err != nil {
					return err
				}
				if f.json {
					return writeJSON(cmd.OutOrStdout(), evts)
				}
				return writeEvents(cmd.OutOrStdout(), evts)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply pending journal migrations, or roll back the latest one",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDatabase(func(db *database.DB) error {
				ctx := cmd.Context()
				if len(args) == 1 && args[0] == "down" {
					if err := db.MigrateDown(ctx); err != nil {
						return fmt.Errorf("rolling back journal: %w", err)
					}
				} else if err := db.Migrate(ctx); err != nil {
					return fmt.Errorf("migrating journal: %w", err)
				}
				return writeMigrationStatus(cmd, db)
			})
		},
	})
	return cmd
}

// withDatabase opens the configured journal database, whether or not
// recording is enabled, and calls fn with it.
func (a *app) withDatabase(fn func(*database.DB) error) error {
	db, err := database.Open(database.Config{
		Path:        a.cfg.Journal.Path,
		WALMode:     a.cfg.Journal.WALMode,
		BusyTimeout: a.cfg.Journal.BusyTimeout,
		Migrations:  migrations.FS,
	})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			a.log.Error("error closing journal", "error", closeErr)
		}
	}()
	return fn(db)
}

// withJournal migrates the journal database to the latest schema and
// calls fn with its repository.
func (a *app) withJournal(cmd *cobra.Command, fn func(*journal.SQLiteRepository) error) error {
	return a.withDatabase(func(db *database.DB) error {
		if err := db.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrating journal: %w", err)
		}
		return fn(journal.NewSQLiteRepository(db.DB))
	})
}

func writeMigrationStatus(cmd *cobra.Command, db *database.DB) error {
	applied, pending, err := db.MigrationStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tAPPLIED")
	for _, m := range applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", m.Version, m.AppliedAt.Local().Format(time.DateTime))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRuns(w io.Writer, runs []journal.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tFACTORY\tRC\tDURATION\tCOMMAND")
	for _, r := range runs {
		rc := fmt.Sprint(r.Returncode)
		if r.TimedOut {
			rc = "timeout"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Factory, rc,
			r.Duration.Round(time.Millisecond), strings.Join(r.Cmdline, " "))
	}
	return tw.Flush()
}

func writeEvents(w io.Writer, evts []journal.DaemonEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tFACTORY\tEVENT\tPID\tATTEMPT")
	for _, e := range evts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Factory, e.Kind, e.PID, e.Attempt)
	}
	return tw.Flush()
}
