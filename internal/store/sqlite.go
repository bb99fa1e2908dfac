package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/model"

	_ "modernc.org/sqlite"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    project     TEXT NOT NULL,
    name        TEXT NOT NULL,
    state       TEXT NOT NULL,
    spec        TEXT,
    status      TEXT,
    note        TEXT NOT NULL DEFAULT '',
    version     INTEGER NOT NULL,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const createActiveIndex = `
CREATE INDEX IF NOT EXISTS records_entity_kind_state ON records (entity, kind, state)`

const recordColumns = `id, entity, kind, project, name, state, spec, status, note, version, created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRecordsTable, createActiveIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create records table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeAttrs(m *attrs.Map) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeAttrs(s sql.NullString) (*attrs.Map, error) {
	if !s.Valid {
		return nil, nil
	}
	m := attrs.New()
	if err := json.Unmarshal([]byte(s.String), m); err != nil {
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.Record, error) {
	r := &model.Record{}
	var spec, status sql.NullString
	var entity, state string
	if err := row.Scan(
		&r.ID, &entity, &r.Kind, &r.Project, &r.Name, &state,
		&spec, &status, &r.Note, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Entity = model.EntityType(entity)
	r.State = model.State(state)
	var err error
	if r.Spec, err = decodeAttrs(spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", r.ID, err)
	}
	if r.Status, err = decodeAttrs(status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", r.ID, err)
	}
	return r, nil
}

// Create inserts rec. It sets rec.Version to 1 and fills missing timestamps.
func (s *SQLiteStore) Create(ctx context.Context, rec *model.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Version = 1

	spec, err := encodeAttrs(rec.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	status, err := encodeAttrs(rec.Status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Entity), rec.Kind, rec.Project, rec.Name, string(rec.State),
		spec, status, rec.Note, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert record %s: %w", rec.ID, ErrExists)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Load retrieves a record by ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// Commit writes the mutable fields of rec if rec.Version is current.
func (s *SQLiteStore) Commit(ctx context.Context, rec *model.Record) (*model.Record, error) {
	spec, err := encodeAttrs(rec.Spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	status, err := encodeAttrs(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET state = ?, spec = ?, status = ?, note = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(rec.State), spec, status, rec.Note, now, rec.ID, rec.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var actual int64
		err := s.db.QueryRowContext(ctx, "SELECT version FROM records WHERE id = ?", rec.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read record version: %w", err)
		}
		return nil, &StaleWriteError{ID: rec.ID, Expected: rec.Version, Actual: actual}
	}

	out := rec.Clone()
	out.Version++
	out.UpdatedAt = now
	return out, nil
}

// ListActive returns the non-terminal records of one entity type and kind,
// oldest first.
func (s *SQLiteStore) ListActive(ctx context.Context, entity model.EntityType, kind string) ([]*model.Record, error) {
	args := append([]any{string(entity), kind}, terminalStates()...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE entity = ? AND kind = ? AND state NOT IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*model.Record, error) {
	var records []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, val)
		}
	}
	add("entity", string(f.Entity))
	add("kind", f.Kind)
	add("project", f.Project)
	add("state", string(f.State))
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns a page of records ordered by created_at DESC, along with the
// total count of matching records.
func (s *SQLiteStore) List(ctx context.Context, f Filter, limit, offset int) ([]*model.Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := f.where()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Stats computes record counts by state and kind.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		CountByState: make(map[string]int),
		CountByKind:  make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	for _, q := range []struct {
		col string
		dst map[string]int
	}{
		{"state", st.CountByState},
		{"kind", st.CountByKind},
	} {
		rows, err := s.db.QueryContext(ctx, "SELECT "+q.col+", COUNT(*) FROM records GROUP BY "+q.col)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", q.col, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", q.col, err)
			}
			q.dst[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s counts: %w", q.col, err)
		}
		rows.Close()
	}

	for state, n := range st.CountByState {
		if !model.State(state).IsTerminal() {
			st.Active += n
		}
	}
	return st, nil
}
