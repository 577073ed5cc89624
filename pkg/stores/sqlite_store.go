package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate"}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection and verifies it.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// View runs fn inside a transaction that rejects writes.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

// Update runs fn inside a read-write transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, writable bool, fn func(tx Tx) error) error {
	if s.db == nil {
		return persistenceError("begin transaction", "", uuid.Nil, fmt.Errorf("database not initialized"))
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin transaction", "", uuid.Nil, err)
	}

	tx := &sqliteTx{ctx: ctx, tx: sqlTx, writable: writable}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if !writable {
		_ = sqlTx.Rollback()
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return persistenceError("commit transaction", "", uuid.Nil, err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

// isMissingTable reports whether err comes from reading a table that was never created.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (t *sqliteTx) Writable() bool { return t.writable }

func (t *sqliteTx) Get(kind string, id uuid.UUID) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM resources WHERE kind = ? AND id = ?`,
		kind, id.String(),
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("read", kind, id, err)
	}
	return value, nil
}

func (t *sqliteTx) Put(kind string, id uuid.UUID, value []byte, relations map[string][]string) error {
	if !t.writable {
		return persistenceError("write", kind, id, ErrReadOnly)
	}

	now := time.Now().UTC()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO resources (kind, id, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, kind, id.String(), value, now, now)
	if err != nil {
		return persistenceError("write", kind, id, err)
	}

	return t.syncRelations(kind, id, relations)
}

// syncRelations replaces the stored relations of (kind, id) with the given set,
// deleting rows that disappeared and inserting the new ones.
func (t *sqliteTx) syncRelations(kind string, id uuid.UUID, relations map[string][]string) error {
	type relationRow struct{ relation, target string }

	existing := make(map[relationRow]bool)
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT relation, target FROM resource_relations WHERE kind = ? AND id = ?`,
		kind, id.String(),
	)
	if err != nil {
		return persistenceError("read relations", kind, id, err)
	}
	for rows.Next() {
		var row relationRow
		if err := rows.Scan(&row.relation, &row.target); err != nil {
			rows.Close()
			return persistenceError("read relations", kind, id, err)
		}
		existing[row] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return persistenceError("read relations", kind, id, err)
	}
	rows.Close()

	desired := make(map[relationRow]bool)
	for relation, targets := range relations {
		for _, target := range targets {
			desired[relationRow{relation, target}] = true
		}
	}

	for row := range existing {
		if desired[row] {
			continue
		}
		_, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM resource_relations WHERE kind = ? AND id = ? AND relation = ? AND target = ?`,
			kind, id.String(), row.relation, row.target,
		)
		if err != nil {
			return persistenceError("delete relation", kind, id, err)
		}
	}

	for row := range desired {
		if existing[row] {
			continue
		}
		_, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO resource_relations (kind, id, relation, target) VALUES (?, ?, ?, ?)`,
			kind, id.String(), row.relation, row.target,
		)
		if err != nil {
			return persistenceError("insert relation", kind, id, err)
		}
	}

	return nil
}

func (t *sqliteTx) Delete(kind string, id uuid.UUID) error {
	if !t.writable {
		return persistenceError("delete", kind, id, ErrReadOnly)
	}

	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM resources WHERE kind = ? AND id = ?`,
		kind, id.String(),
	)
	if err != nil {
		return persistenceError("delete", kind, id, err)
	}
	return nil
}

func (t *sqliteTx) List(kind string) ([]Record, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, value FROM resources WHERE kind = ? ORDER BY id`,
		kind,
	)
	if isMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("list", kind, uuid.Nil, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rawID string
		var value []byte
		if err := rows.Scan(&rawID, &value); err != nil {
			return nil, persistenceError("list", kind, uuid.Nil, err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, persistenceError("parse id", kind, uuid.Nil, err)
		}
		records = append(records, Record{ID: id, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list", kind, uuid.Nil, err)
	}

	return records, nil
}

func (t *sqliteTx) Referencing(kind, relation, target string) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM resource_relations WHERE kind = ? AND relation = ? AND target = ?`,
		kind, relation, target,
	)
	if isMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("query relations", kind, uuid.Nil, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, persistenceError("query relations", kind, uuid.Nil, err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, persistenceError("parse id", kind, uuid.Nil, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("query relations", kind, uuid.Nil, err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
