// Package journal persists session history to SQLite: every snapshot
// arrival, every outbound command and every channel transition gets a row.
// The journal is diagnostic, not authoritative — a write failure degrades to
// a log line and the session continues.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/idemirror/dbopen"
	"github.com/hazyhaar/idemirror/idgen"
)

// Schema contains the complete DDL for the journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    received_at INTEGER NOT NULL,
    title TEXT NOT NULL,
    zone_count INTEGER NOT NULL,
    initial_snapshot INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_snapshots_time ON snapshots(received_at DESC);

CREATE TABLE IF NOT EXISTS commands (
    command_id TEXT PRIMARY KEY,
    sent_at INTEGER NOT NULL,
    command_type TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_commands_time ON commands(sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_commands_type ON commands(command_type, sent_at DESC);

CREATE TABLE IF NOT EXISTS transitions (
    transition_id TEXT PRIMARY KEY,
    occurred_at INTEGER NOT NULL,
    state TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_transitions_time ON transitions(occurred_at DESC);
`

// Store writes and reads the journal. Safe for concurrent use; the
// underlying *sql.DB pools connections.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom row ID generator.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithClock sets a custom clock (for testing).
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// Open opens (or creates) the journal database at path and applies the
// schema.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return NewStore(db, opts...), nil
}

// NewStore wraps an already-open database. The caller owns db's lifetime
// and has applied Schema.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("jrn_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordSnapshot journals one snapshot arrival.
func (s *Store) RecordSnapshot(ctx context.Context, title string, zoneCount int, initial bool) error {
	flag := 0
	if initial {
		flag = 1
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO snapshots (snapshot_id, received_at, title, zone_count, initial_snapshot)
		 VALUES (?,?,?,?,?)`,
		s.newID(), s.now().Unix(), title, zoneCount, flag)
	if err != nil {
		return fmt.Errorf("journal: record snapshot: %w", err)
	}
	return nil
}

// RecordCommand journals one outbound command. Detail is a short free-form
// descriptor (selector, key name, char count) — never typed text itself.
func (s *Store) RecordCommand(ctx context.Context, cmdType, detail string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO commands (command_id, sent_at, command_type, detail) VALUES (?,?,?,?)`,
		s.newID(), s.now().Unix(), cmdType, detail)
	if err != nil {
		return fmt.Errorf("journal: record command: %w", err)
	}
	return nil
}

// RecordTransition journals one channel state change.
func (s *Store) RecordTransition(ctx context.Context, state string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO transitions (transition_id, occurred_at, state) VALUES (?,?,?)`,
		s.newID(), s.now().Unix(), state)
	if err != nil {
		return fmt.Errorf("journal: record transition: %w", err)
	}
	return nil
}

// CommandEntry is one journalled command row.
type CommandEntry struct {
	ID     string
	SentAt time.Time
	Type   string
	Detail string
}

// RecentCommands returns the latest commands, newest first. Limit defaults
// to 100.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, sent_at, command_type, COALESCE(detail, '')
		 FROM commands ORDER BY sent_at DESC, command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query commands: %w", err)
	}
	defer rows.Close()

	var entries []CommandEntry
	for rows.Next() {
		var e CommandEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan command: %w", err)
		}
		e.SentAt = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TransitionEntry is one journalled state change.
type TransitionEntry struct {
	ID         string
	OccurredAt time.Time
	State      string
}

// RecentTransitions returns the latest channel transitions, newest first.
func (s *Store) RecentTransitions(ctx context.Context, limit int) ([]TransitionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT transition_id, occurred_at, state
		 FROM transitions ORDER BY occurred_at DESC, transition_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query transitions: %w", err)
	}
	defer rows.Close()

	var entries []TransitionEntry
	for rows.Next() {
		var e TransitionEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.State); err != nil {
			return nil, fmt.Errorf("journal: scan transition: %w", err)
		}
		e.OccurredAt = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SnapshotCount returns the number of journalled snapshots.
func (s *Store) SnapshotCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("journal: count snapshots: %w", err)
	}
	return n, nil
}

// Cleanup deletes rows older than the retention window across all tables,
// in one transaction. Returns the total rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := s.now().Add(-retention).Unix()
	var total int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		total = 0
		for _, q := range []string{
			`DELETE FROM snapshots WHERE received_at < ?`,
			`DELETE FROM commands WHERE sent_at < ?`,
			`DELETE FROM transitions WHERE occurred_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, q, threshold)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return total, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
