package trainserver

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// InitDatabase creates the database and tables.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one connection also keeps :memory: databases
	// shared across queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		problem TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		episodes INTEGER NOT NULL DEFAULT 0,
		n_episodes INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := db.Exec(schema)
	return err
}
