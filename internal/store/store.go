// Package store provides EchoNet's persistent settings/target store: a
// single-file embedded relational engine (modernc.org/sqlite, no cgo, no
// external server) fronted by an in-memory cache that is the single source
// of truth for reads, per spec.md §4.A and the "global cache coupled to a DB"
// design note in spec.md §9.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMigrationFailed is returned by [New] when the on-disk schema version is
// newer than this binary understands, or a migration statement fails.
var ErrMigrationFailed = errors.New("store: schema migration failed")

// ErrNotFound is returned by target lookups and deletes for an unknown name.
var ErrNotFound = errors.New("store: not found")

// Store owns the database connection, the in-memory settings cache, and the
// target cache. All cache access goes through a single mutex: setting and
// target reads never touch disk after warmup, writes are atomic across
// cache + DB + audit log row (spec.md §5 "Shared state"). History and Ping
// query the database directly without taking the mutex.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	settings map[string]Setting
	targets  map[string]Target // keyed by lower-cased name
}

// New opens (creating if absent) the sqlite database at path, applies any
// pending migrations, and warms the in-memory caches. The returned Store is
// safe for concurrent use.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection keeps the writer-serialization story simple: sqlite
	// only allows one writer at a time anyway, and WAL mode makes that non-
	// blocking for readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("store: failed to enable WAL journaling", "error", err)
	}

	s := &Store{
		db:       db,
		settings: make(map[string]Setting),
		targets:  make(map[string]Target),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.warmCache(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the underlying connection is alive, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		// schema_version table doesn't exist yet on a brand new database.
		version = 0
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: database schema version %d is newer than this binary's %d",
			ErrMigrationFailed, version, currentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin tx: %v", ErrMigrationFailed, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version(version, applied_at) VALUES (?, ?)",
			m.version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: recording version %d: %v", ErrMigrationFailed, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit version %d: %v", ErrMigrationFailed, m.version, err)
		}
		slog.Info("store: applied migration", "version", m.version)
	}
	return nil
}

func (s *Store) warmCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value, updated_at, description FROM settings")
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	for rows.Next() {
		var name, value string
		var updatedAt int64
		var desc sql.NullString
		if err := rows.Scan(&name, &value, &updatedAt, &desc); err != nil {
			s.mu.Unlock()
			return err
		}
		s.settings[name] = Setting{
			Name:        name,
			Value:       value,
			UpdatedAt:   time.Unix(updatedAt, 0),
			Description: desc.String,
		}
	}
	s.mu.Unlock()
	if err := rows.Err(); err != nil {
		return err
	}

	trows, err := s.db.QueryContext(ctx, "SELECT name, base_url, phrases_json FROM targets")
	if err != nil {
		return err
	}
	defer trows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for trows.Next() {
		var name, baseURL, phrasesJSON string
		if err := trows.Scan(&name, &baseURL, &phrasesJSON); err != nil {
			return err
		}
		var phrases []string
		if err := json.Unmarshal([]byte(phrasesJSON), &phrases); err != nil {
			return fmt.Errorf("store: decode phrases for target %q: %w", name, err)
		}
		s.targets[strings.ToLower(name)] = Target{Name: name, BaseURL: baseURL, Phrases: phrases}
	}
	return trows.Err()
}

// Set atomically writes a setting: reads the prior value, writes the new
// one, and appends a SettingChange row, all inside one DB transaction and
// under the single store mutex (spec.md §4.A "atomic: read old, write new,
// append log row").
func (s *Store) Set(ctx context.Context, name, value, source, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, existed := s.settings[name]
	var oldValue *string
	if existed {
		v := prior.Value
		oldValue = &v
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set %s: begin tx: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings(name, value, updated_at, description)
		 VALUES (?, ?, ?, COALESCE((SELECT description FROM settings WHERE name = ?), ''))
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, now.Unix(), name); err != nil {
		return fmt.Errorf("store: set %s: upsert: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings_log(name, old_value, new_value, changed_at, source, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, oldValue, value, now.Unix(), source, reason); err != nil {
		return fmt.Errorf("store: set %s: log: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: set %s: commit: %w", name, err)
	}

	s.settings[name] = Setting{Name: name, Value: value, UpdatedAt: now, Description: prior.Description}
	return nil
}

// Get returns a setting's current value from the cache. The bool is false
// if the setting has never been set.
func (s *Store) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[name]
	return v.Value, ok
}

// AllSettings returns a snapshot of every cached setting.
func (s *Store) AllSettings() []Setting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Setting, 0, len(s.settings))
	for _, v := range s.settings {
		out = append(out, v)
	}
	return out
}

// History returns newest-first SettingChange rows, optionally filtered by
// name, capped at limit (spec.md §4.A caps this at 500).
func (s *Store) History(ctx context.Context, name string, limit int) ([]SettingChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if name != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, old_value, new_value, changed_at, source, reason
			 FROM settings_log WHERE name = ? ORDER BY id DESC LIMIT ?`, name, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, old_value, new_value, changed_at, source, reason
			 FROM settings_log ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []SettingChange
	for rows.Next() {
		var c SettingChange
		var oldValue sql.NullString
		var changedAt int64
		if err := rows.Scan(&c.ID, &c.Name, &oldValue, &c.NewValue, &changedAt, &c.Source, &c.Reason); err != nil {
			return nil, fmt.Errorf("store: history: scan: %w", err)
		}
		if oldValue.Valid {
			v := oldValue.String
			c.OldValue = &v
		}
		c.ChangedAt = time.Unix(changedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertTarget writes t through to the database and updates the cache.
func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	phrasesJSON, err := json.Marshal(t.Phrases)
	if err != nil {
		return fmt.Errorf("store: upsert target %q: encode phrases: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(name, base_url, phrases_json) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET base_url = excluded.base_url, phrases_json = excluded.phrases_json`,
		t.Name, t.BaseURL, string(phrasesJSON)); err != nil {
		return fmt.Errorf("store: upsert target %q: %w", t.Name, err)
	}

	s.targets[strings.ToLower(t.Name)] = t
	return nil
}

// GetTarget returns a target by case-insensitive name.
func (s *Store) GetTarget(name string) (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[strings.ToLower(name)]
	return t, ok
}

// ListTargets returns all known targets in no particular order.
func (s *Store) ListTargets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out
}

// DeleteTarget removes a target by case-insensitive name. Returns
// [ErrNotFound] if no such target exists.
func (s *Store) DeleteTarget(ctx context.Context, name string) error {
	key := strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[key]; !ok {
		return fmt.Errorf("store: delete target %q: %w", name, ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM targets WHERE name = ?", name); err != nil {
		return fmt.Errorf("store: delete target %q: %w", name, err)
	}
	delete(s.targets, key)
	return nil
}
