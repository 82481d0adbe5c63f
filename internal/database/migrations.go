package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "recent changes history",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS recentchanges (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT UNIQUE NOT NULL,
    article TEXT NOT NULL,
    action TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    source_time TEXT NOT NULL DEFAULT '',
    edit_seq INTEGER,
    comment TEXT,
    diff TEXT NOT NULL DEFAULT 'null',
    ingested_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recentchanges_ingested ON recentchanges(ingested_at DESC, article);
CREATE INDEX IF NOT EXISTS idx_recentchanges_article ON recentchanges(article, ingested_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
