package store

// currentSchemaVersion is the highest migration this binary knows how to
// apply. Store.migrate fails closed if the on-disk schema_version exceeds
// this (an older binary opened a newer database).
const currentSchemaVersion = 1

// migration is one forward-only DDL step, applied inside a transaction.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS settings (
				name TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				description TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS settings_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				old_value TEXT,
				new_value TEXT NOT NULL,
				changed_at INTEGER NOT NULL,
				source TEXT NOT NULL,
				reason TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_settings_log_name ON settings_log(name)`,
			`CREATE TABLE IF NOT EXISTS targets (
				name TEXT PRIMARY KEY COLLATE NOCASE,
				base_url TEXT NOT NULL,
				phrases_json TEXT NOT NULL
			)`,
		},
	},
}
