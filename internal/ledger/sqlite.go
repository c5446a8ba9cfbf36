package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// SQLite is single-writer; a couple of connections cover the CLI and one test process.
	maxOpenConns = 2
	maxIdleConns = 1
)

// schema holds the ledger table. Times are unix nanoseconds; deleted_at is 0
// while the entity is pending.
const schema = `
CREATE TABLE IF NOT EXISTS fixtures (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    scope TEXT NOT NULL,
    kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    role TEXT NOT NULL,
    path TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    deleted_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fixtures_scope ON fixtures(scope, deleted_at);
`

// SQLite is a Ledger persisted in a SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, e Entry) (Entry, error) {
	if err := validate(e); err != nil {
		return Entry{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fixtures (scope, kind, entity_id, role, path, title, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Scope, string(e.Kind), e.ID, e.Role, e.Path, e.Title, e.CreatedAt.UnixNano())
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: record %s %s: %w", e.Kind, e.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: record %s %s: %w", e.Kind, e.ID, err)
	}
	e.Seq = seq
	e.DeletedAt = time.Time{}
	return e, nil
}

const selectColumns = `SELECT seq, scope, kind, entity_id, role, path, title, created_at, deleted_at FROM fixtures`

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			kind               string
			created, deletedAt int64
		)
		if err := rows.Scan(&e.Seq, &e.Scope, &kind, &e.ID, &e.Role, &e.Path, &e.Title, &created, &deletedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		if deletedAt != 0 {
			e.DeletedAt = time.Unix(0, deletedAt).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Pending(ctx context.Context, scope string) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE scope = ? AND deleted_at = 0 ORDER BY seq DESC`, scope)
}

func (s *SQLite) Entries(ctx context.Context, scope string) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE scope = ? ORDER BY seq ASC`, scope)
}

func (s *SQLite) MarkDeleted(ctx context.Context, scope string, seq int64, at time.Time) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fixtures WHERE scope = ? AND seq = ?`, scope, seq).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ledger: mark deleted: %w", err)
	}
	if exists == 0 {
		return ErrUnknownEntry
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE fixtures SET deleted_at = ? WHERE scope = ? AND seq = ? AND deleted_at = 0`,
		at.UnixNano(), scope, seq)
	if err != nil {
		return fmt.Errorf("ledger: mark deleted: %w", err)
	}
	return nil
}

func (s *SQLite) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM fixtures WHERE deleted_at = 0 ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("ledger: scopes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("ledger: scopes: %w", err)
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
