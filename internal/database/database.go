// internal/database/database.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Commit is a row of the commits table.
type Commit struct {
	Sha     string    `json:"sha"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	Url     string    `json:"url"`
	Date    time.Time `json:"date"`
}

type CreateCommitsParams struct {
	Sha     string
	Author  string
	Message string
	Url     string
	Date    time.Time
}

type GetTopNCommitAuthorsRow struct {
	Author      string `json:"author"`
	CommitCount int64  `json:"commit_count"`
}

// Querier is the set of queries both backends implement.
type Querier interface {
	// GetMetadata returns an invalid NullString when the key was never written.
	GetMetadata(ctx context.Context, key string) (sql.NullString, error)
	SetMetadata(ctx context.Context, key, value string) error
	// CreateCommits inserts every commit whose sha is not already stored and
	// returns how many rows were inserted. Existing rows are never modified.
	CreateCommits(ctx context.Context, arg []CreateCommitsParams) (int64, error)
	// ListRecentCommits returns commits ordered by date descending, then sha.
	ListRecentCommits(ctx context.Context, limit int32) ([]Commit, error)
	CountCommits(ctx context.Context) (int64, error)
	GetTopNCommitAuthors(ctx context.Context, limit int32) ([]GetTopNCommitAuthorsRow, error)
}

// Store is a Querier bound to a database that can also run transactions and migrations.
type Store interface {
	Querier
	// ExecTx runs fn inside a transaction, committing only if fn returns nil.
	ExecTx(ctx context.Context, fn func(Querier) error) error
	Migrate() error
	Close() error
}

// Open connects to the database named by dbURL. Supported schemes are
// sqlite://<path>, postgres:// and postgresql://.
func Open(ctx context.Context, dbURL string) (Store, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		store, err := OpenSQLite(strings.TrimPrefix(dbURL, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return NewPostgresStore(pool, dbURL), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q: expected sqlite:// or postgres://", dbURL)
	}
}
