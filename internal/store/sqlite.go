// Package store persists device identity, monotonic counters, incidents,
// and emergency snapshots in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sentryd/internal/element"
)

// Schema for the sentryd state store.
const schema = `
CREATE TABLE IF NOT EXISTS identity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    serial          TEXT NOT NULL,
    hardware_rev    INTEGER NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
    name    TEXT PRIMARY KEY,
    value   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ns       INTEGER NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    detail      TEXT
);

CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(ts_ns);

CREATE TABLE IF NOT EXISTS snapshots (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ns   INTEGER NOT NULL,
    payload BLOB NOT NULL
);
`

// IncidentRecord is the persisted form of a security incident.
type IncidentRecord struct {
	ID        int64
	Timestamp time.Time
	FromState string
	ToState   string
	Kind      string
	Severity  string
	Detail    string
}

// Store is the persistence interface used across the runtime. SQLite backs
// deployments; Memory backs tests and the "memory" storage type.
type Store interface {
	element.State

	RecordIncident(rec IncidentRecord) error
	Incidents(limit int) ([]IncidentRecord, error)
	WriteSnapshot(payload []byte) error
	Close() error
}

// SQLite is the SQLite-backed store.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, busyTimeout time.Duration) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// The runtime is single-writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// LoadIdentity returns the persisted device identity, if any.
func (s *SQLite) LoadIdentity() (element.DeviceIdentity, bool, error) {
	var id element.DeviceIdentity
	row := s.db.QueryRow(`SELECT serial, hardware_rev FROM identity WHERE id = 1`)
	if err := row.Scan(&id.Serial, &id.HardwareRev); err != nil {
		if err == sql.ErrNoRows {
			return id, false, nil
		}
		return id, false, fmt.Errorf("store: load identity: %w", err)
	}
	return id, true, nil
}

// SaveIdentity persists the device identity. First write wins; the stored
// identity never changes afterward.
func (s *SQLite) SaveIdentity(id element.DeviceIdentity) error {
	_, err := s.db.Exec(
		`INSERT INTO identity (id, serial, hardware_rev, created_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id.Serial, id.HardwareRev, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

// NextCounter atomically increments and returns the named counter.
func (s *SQLite) NextCounter(name string) (uint64, error) {
	var value uint64
	err := s.db.QueryRow(
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`,
		name,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("store: increment counter %q: %w", name, err)
	}
	return value, nil
}

// Counter returns the named counter value; a counter never incremented
// reads as zero.
func (s *SQLite) Counter(name string) (uint64, error) {
	var value uint64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read counter %q: %w", name, err)
	}
	return value, nil
}

// RecordIncident appends one incident row.
func (s *SQLite) RecordIncident(rec IncidentRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO incidents (ts_ns, from_state, to_state, kind, severity, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.FromState, rec.ToState, rec.Kind, rec.Severity, rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("store: record incident: %w", err)
	}
	return nil
}

// Incidents returns the most recent incidents, newest first.
func (s *SQLite) Incidents(limit int) ([]IncidentRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts_ns, from_state, to_state, kind, severity, detail
		 FROM incidents ORDER BY ts_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRecord
	for rows.Next() {
		var rec IncidentRecord
		var ns int64
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &ns, &rec.FromState, &rec.ToState, &rec.Kind, &rec.Severity, &detail); err != nil {
			return nil, fmt.Errorf("store: scan incident: %w", err)
		}
		rec.Timestamp = time.Unix(0, ns)
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// WriteSnapshot stores an emergency snapshot payload.
func (s *SQLite) WriteSnapshot(payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO snapshots (ts_ns, payload) VALUES (?, ?)`,
		time.Now().UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLite)(nil)
