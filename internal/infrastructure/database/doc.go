// Package database provides SQLite connectivity for the shellkit run journal.
//
// It manages:
//   - the connection, with WAL mode and a busy timeout
//   - schema migrations read from an fs.FS (usually the embedded
//     migrations package)
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:       cfg.Journal.Path,
//	    WALMode:    cfg.Journal.WALMode,
//	    Migrations: migrations.FS,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Each migration is a YYYYMMDD_HHMMSS_name.up.sql file with an optional
// matching .down.sql file.
package database
