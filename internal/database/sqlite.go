// internal/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github-commit-feed/migrations"
)

// SQLiteDBTX is satisfied by *sql.DB and *sql.Tx.
type SQLiteDBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// NewSQLite returns SQLite queries bound to a database or transaction.
func NewSQLite(db SQLiteDBTX) *SQLiteQueries {
	return &SQLiteQueries{db: db}
}

// SQLiteQueries implements Querier for SQLite. Dates are stored as Unix milliseconds.
type SQLiteQueries struct {
	db SQLiteDBTX
}

const sqliteGetMetadata = `SELECT value FROM metadata WHERE key = ?`

func (q *SQLiteQueries) GetMetadata(ctx context.Context, key string) (sql.NullString, error) {
	var value sql.NullString
	err := q.db.QueryRowContext(ctx, sqliteGetMetadata, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullString{}, nil
	}
	return value, err
}

const sqliteSetMetadata = `INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`

func (q *SQLiteQueries) SetMetadata(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, sqliteSetMetadata, key, value)
	return err
}

const sqliteCreateCommit = `INSERT INTO commits (sha, author, message, url, date) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (sha) DO NOTHING`

func (q *SQLiteQueries) CreateCommits(ctx context.Context, arg []CreateCommitsParams) (int64, error) {
	if len(arg) == 0 {
		return 0, nil
	}
	// Outside a transaction, open one so the batch is all-or-nothing.
	if db, ok := q.db.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer tx.Rollback()

		n, err := NewSQLite(tx).CreateCommits(ctx, arg)
		if err != nil {
			return 0, err
		}
		return n, tx.Commit()
	}

	var inserted int64
	for _, c := range arg {
		res, err := q.db.ExecContext(ctx, sqliteCreateCommit, c.Sha, c.Author, c.Message, c.Url, c.Date.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("insert commit %s: %w", c.Sha, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	return inserted, nil
}

const sqliteListRecentCommits = `SELECT sha, author, message, url, date FROM commits
ORDER BY date DESC, sha ASC
LIMIT ?`

func (q *SQLiteQueries) ListRecentCommits(ctx context.Context, limit int32) ([]Commit, error) {
	rows, err := q.db.QueryContext(ctx, sqliteListRecentCommits, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Commit{}
	for rows.Next() {
		var (
			i      Commit
			millis int64
		)
		if err := rows.Scan(&i.Sha, &i.Author, &i.Message, &i.Url, &millis); err != nil {
			return nil, err
		}
		i.Date = time.UnixMilli(millis).UTC()
		items = append(items, i)
	}
	return items, rows.Err()
}

const sqliteCountCommits = `SELECT COUNT(*) FROM commits`

func (q *SQLiteQueries) CountCommits(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, sqliteCountCommits).Scan(&count)
	return count, err
}

const sqliteGetTopNCommitAuthors = `SELECT author, COUNT(*) AS commit_count FROM commits
GROUP BY author
ORDER BY commit_count DESC, author ASC
LIMIT ?`

func (q *SQLiteQueries) GetTopNCommitAuthors(ctx context.Context, limit int32) ([]GetTopNCommitAuthorsRow, error) {
	rows, err := q.db.QueryContext(ctx, sqliteGetTopNCommitAuthors, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []GetTopNCommitAuthorsRow{}
	for rows.Next() {
		var i GetTopNCommitAuthorsRow
		if err := rows.Scan(&i.Author, &i.CommitCount); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// SQLiteStore is a Store backed by a single SQLite connection.
type SQLiteStore struct {
	*SQLiteQueries
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// only exists for the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStore{SQLiteQueries: NewSQLite(db), db: db}, nil
}

func (s *SQLiteStore) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(NewSQLite(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Migrate() error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return err
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// m.Close is not called: it would close s.db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
