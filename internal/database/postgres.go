// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-commit-feed/migrations"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

// New returns PostgreSQL queries bound to a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries implements Querier for PostgreSQL.
type Queries struct {
	db DBTX
}

const getMetadata = `SELECT value FROM metadata WHERE key = $1`

func (q *Queries) GetMetadata(ctx context.Context, key string) (sql.NullString, error) {
	var value string
	err := q.db.QueryRow(ctx, getMetadata, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return sql.NullString{}, nil
	}
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: value, Valid: true}, nil
}

const setMetadata = `INSERT INTO metadata (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

func (q *Queries) SetMetadata(ctx context.Context, key, value string) error {
	_, err := q.db.Exec(ctx, setMetadata, key, value)
	return err
}

const createCommit = `INSERT INTO commits (sha, author, message, url, date) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (sha) DO NOTHING`

// CreateCommits sends all inserts as one batch, which PostgreSQL runs as a single implicit transaction.
func (q *Queries) CreateCommits(ctx context.Context, arg []CreateCommitsParams) (int64, error) {
	if len(arg) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range arg {
		batch.Queue(createCommit, c.Sha, c.Author, c.Message, c.Url, c.Date)
	}

	br := q.db.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range arg {
		tag, err := br.Exec()
		if err != nil {
			return 0, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, br.Close()
}

const listRecentCommits = `SELECT sha, author, message, url, date FROM commits
ORDER BY date DESC, sha ASC
LIMIT $1`

func (q *Queries) ListRecentCommits(ctx context.Context, limit int32) ([]Commit, error) {
	rows, err := q.db.Query(ctx, listRecentCommits, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Commit{}
	for rows.Next() {
		var i Commit
		if err := rows.Scan(&i.Sha, &i.Author, &i.Message, &i.Url, &i.Date); err != nil {
			return nil, err
		}
		i.Date = i.Date.UTC()
		items = append(items, i)
	}
	return items, rows.Err()
}

const countCommits = `SELECT COUNT(*) FROM commits`

func (q *Queries) CountCommits(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countCommits).Scan(&count)
	return count, err
}

const getTopNCommitAuthors = `SELECT author, COUNT(*) AS commit_count FROM commits
GROUP BY author
ORDER BY commit_count DESC, author ASC
LIMIT $1`

func (q *Queries) GetTopNCommitAuthors(ctx context.Context, limit int32) ([]GetTopNCommitAuthorsRow, error) {
	rows, err := q.db.Query(ctx, getTopNCommitAuthors, limit)
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

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	*Queries
	pool  *pgxpool.Pool
	dbURL string
}

// NewPostgresStore wraps pool. dbURL is only used to run migrations.
func NewPostgresStore(pool *pgxpool.Pool, dbURL string) *PostgresStore {
	return &PostgresStore{
		Queries: New(pool),
		pool:    pool,
		dbURL:   dbURL,
	}
}

func (s *PostgresStore) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Migrate() error {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dbURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
