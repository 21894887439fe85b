// internal/syncer/syncer.go
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github-commit-feed/internal/database"
	"github-commit-feed/internal/model"
)

const (
	// LastFetchedKey is the metadata key of the sync watermark: the author date of the newest
	// commit ingested by the last successful pass.
	LastFetchedKey = "last_fetched"

	// DefaultLookback bounds the very first fetch, when no watermark exists yet.
	DefaultLookback = 3 * 24 * time.Hour
)

// CommitSource lists commits of a branch, newest first, with an author date at or after since.
type CommitSource interface {
	GetCommits(ctx context.Context, owner, name, branch string, since time.Time) ([]model.RawCommit, error)
}

// Result describes one sync pass.
type Result struct {
	Fetched   int
	Stored    int64
	NewestSHA string
	Watermark time.Time
}

// Syncer orchestrates the fetching and storing of commits for one branch of one repository.
type Syncer struct {
	store    database.Store
	source   CommitSource
	logger   *slog.Logger
	repo     model.RepoIdentifier
	branch   string
	lookback time.Duration
	now      func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLookback sets how far back the first pass reaches.
func WithLookback(d time.Duration) Option {
	return func(s *Syncer) { s.lookback = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(store database.Store, source CommitSource, logger *slog.Logger, repo model.RepoIdentifier, branch string, opts ...Option) *Syncer {
	s := &Syncer{
		store:    store,
		source:   source,
		logger:   logger.With("owner", repo.Owner, "repo", repo.Name, "branch", branch),
		repo:     repo,
		branch:   branch,
		lookback: DefaultLookback,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunSyncPass fetches commits newer than the watermark, stores the unseen ones and advances the
// watermark. On any error nothing is written, so the next pass starts from the same bound.
func (s *Syncer) RunSyncPass(ctx context.Context) (Result, error) {
	now := s.now()

	since, current, err := s.getSinceTimestamp(ctx, now)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("Fetching commits since", "timestamp", since.Format(time.RFC3339))

	raw, err := s.source.GetCommits(ctx, s.repo.Owner, s.repo.Name, s.branch, since)
	if err != nil {
		return Result{}, fmt.Errorf("fetch commits: %w", err)
	}

	if len(raw) == 0 {
		s.logger.Info("No new commits")
		return Result{}, nil
	}

	params := prepareCommitBulkInsert(raw, now)
	// Position 0 is the newest commit. The watermark never moves backwards.
	watermark := params[0].Date
	if current != nil && current.After(watermark) {
		watermark = *current
	}

	var stored int64
	err = s.store.ExecTx(ctx, func(q database.Querier) error {
		n, err := q.CreateCommits(ctx, params)
		if err != nil {
			return fmt.Errorf("store commits: %w", err)
		}
		stored = n
		if err := q.SetMetadata(ctx, LastFetchedKey, FormatTime(watermark)); err != nil {
			return fmt.Errorf("update %s: %w", LastFetchedKey, err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Fetched:   len(raw),
		Stored:    stored,
		NewestSHA: params[0].Sha,
		Watermark: watermark,
	}
	s.logger.Info("Stored commits", "fetched", res.Fetched, "new", res.Stored, "newest_sha", res.NewestSHA, "watermark", FormatTime(watermark))
	return res, nil
}

// Watermark returns the stored sync watermark, or nil if no pass has stored anything yet.
func (s *Syncer) Watermark(ctx context.Context) (*time.Time, error) {
	value, err := s.store.GetMetadata(ctx, LastFetchedKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", LastFetchedKey, err)
	}
	if !value.Valid {
		return nil, nil
	}
	t, err := ParseTime(value.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", LastFetchedKey, err)
	}
	return &t, nil
}

// getSinceTimestamp returns the lower bound for the next fetch and the current watermark, if any.
func (s *Syncer) getSinceTimestamp(ctx context.Context, now time.Time) (time.Time, *time.Time, error) {
	watermark, err := s.Watermark(ctx)
	if err != nil {
		return time.Time{}, nil, err
	}
	if watermark == nil {
		since := now.Add(-s.lookback).UTC()
		s.logger.Info("No sync watermark found, using default lookback", "lookback", s.lookback.String())
		return since, nil, nil
	}
	return *watermark, watermark, nil
}

func prepareCommitBulkInsert(commits []model.RawCommit, now time.Time) []database.CreateCommitsParams {
	params := make([]database.CreateCommitsParams, len(commits))
	for i, raw := range commits {
		c := raw.ToCommit(now)
		params[i] = database.CreateCommitsParams{
			Sha:     c.SHA,
			Author:  c.Author,
			Message: c.Message,
			Url:     c.URL,
			Date:    c.Date,
		}
	}
	return params
}

// ParseTime parses a watermark value written by this package or the refresh gate.
func ParseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

// FormatTime formats a watermark value as RFC 3339 in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
