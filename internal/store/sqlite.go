package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository on a SQLite database. Records live
// in one table and their attributes in another indexed by (kind, name,
// value).
type SQLiteRepository struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		id   TEXT NOT NULL,
		data BLOB NOT NULL,
		UNIQUE (kind, id)
	)`,
	`CREATE TABLE IF NOT EXISTS record_attrs (
		kind  TEXT NOT NULL,
		id    TEXT NOT NULL,
		name  TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (kind, id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS record_attrs_lookup ON record_attrs (kind, name, value)`,
}

// NewSQLiteRepository opens (or creates) a SQLite database at dbPath and
// creates the tables it needs.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Repository implementation
// ---------------------------------------------------------------------------

// Save upserts the record and replaces its attributes in one transaction.
func (s *SQLiteRepository) Save(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (kind, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data`,
		rec.Kind, rec.ID, rec.Data); err != nil {
		return fmt.Errorf("save %s %s: %w", rec.Kind, rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_attrs WHERE kind = ? AND id = ?`, rec.Kind, rec.ID); err != nil {
		return err
	}
	for name, value := range rec.Attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_attrs (kind, id, name, value) VALUES (?, ?, ?, ?)`,
			rec.Kind, rec.ID, name, value); err != nil {
			return fmt.Errorf("save %s %s attr %s: %w", rec.Kind, rec.ID, name, err)
		}
	}
	return tx.Commit()
}

// Load retrieves a single record.
func (s *SQLiteRepository) Load(ctx context.Context, kind, id string) (Record, error) {
	rec := Record{Kind: kind, ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if rec.Attrs, err = s.attrs(ctx, kind, id); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Search turns every condition into an EXISTS clause on the attribute table.
func (s *SQLiteRepository) Search(ctx context.Context, kind string, q Query) ([]Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT r.id, r.data FROM records r WHERE r.kind = ?`)
	args := []any{kind}
	for _, c := range q {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM record_attrs a
			WHERE a.kind = r.kind AND a.id = r.id AND a.name = ? AND a.value = ?)`)
		args = append(args, c.Attr, c.Value)
	}
	sb.WriteString(` ORDER BY r.seq`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search %s %q: %w", kind, q.String(), err)
	}
	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.Data); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Attributes are read after the cursor is closed: the pool has a single
	// connection.
	for i := range out {
		if out[i].Attrs, err = s.attrs(ctx, kind, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteRepository) attrs(ctx context.Context, kind, id string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM record_attrs WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}
