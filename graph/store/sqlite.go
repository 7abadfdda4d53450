package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			user_prompt TEXT NOT NULL,
			version INTEGER NOT NULL,
			template_vars TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0
		)`,
		"CREATE INDEX IF NOT EXISTS idx_prompts_name ON prompts(name, version)",
		`CREATE TABLE IF NOT EXISTS run_data (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			step_run_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			run_time TEXT NOT NULL,
			execution_time_ns INTEGER NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT,
			input_data TEXT NOT NULL,
			output_data TEXT NOT NULL,
			error TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_run_data_run_id ON run_data(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_run_data_step ON run_data(step_name)",
	},
}

// NewSQLiteStore opens (creating if needed) a single-file SQLite database.
//
// The path parameter specifies the database file location:
//   - "./promptflow.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store enables WAL mode, foreign keys and a five second busy timeout,
// and limits the pool to one connection because SQLite allows a single
// writer.
//
// Example:
//
//	db, err := store.NewSQLiteStore("./promptflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
