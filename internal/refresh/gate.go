// Package refresh decides, per feed request, whether the commit cache must be synchronized first.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github-commit-feed/internal/database"
	"github-commit-feed/internal/syncer"
)

const (
	// LastUpdatedKey is the metadata key of the refresh watermark: when the gate last ran a sync pass.
	LastUpdatedKey = "last_updated"

	DefaultInterval = 30 * time.Minute
)

// SyncRunner runs one synchronization pass.
type SyncRunner interface {
	RunSyncPass(ctx context.Context) (syncer.Result, error)
}

// Gate serializes staleness checks so that at most one sync pass runs at a time.
type Gate struct {
	store    database.Querier
	syncer   SyncRunner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	sem *semaphore.Weighted
}

// NewGate creates a Gate that syncs when more than interval has passed since the last refresh.
func NewGate(store database.Querier, s SyncRunner, interval time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:    store,
		syncer:   s,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		sem:      semaphore.NewWeighted(1),
	}
}

// SetClock replaces time.Now. It must be called before the gate is used.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// EnsureFresh runs a sync pass if the cache is stale and reports whether it did.
// Callers arriving while a pass is in flight wait for it, then see the cache as fresh.
// Sync errors are returned as is and leave the refresh watermark untouched.
func (g *Gate) EnsureFresh(ctx context.Context) (bool, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer g.sem.Release(1)

	last, err := g.LastRefresh(ctx)
	if err != nil {
		return false, err
	}

	now := g.now()
	elapsed := now.Sub(last)
	if elapsed <= g.interval {
		return false, nil
	}

	g.logger.Info("Commit cache is stale, syncing", "last_updated", syncer.FormatTime(last), "elapsed", elapsed.String(), "interval", g.interval.String())
	if _, err := g.syncer.RunSyncPass(ctx); err != nil {
		return false, fmt.Errorf("sync pass: %w", err)
	}

	// Anchor the next window to when this request arrived, not to when the sync finished.
	if err := g.store.SetMetadata(ctx, LastUpdatedKey, syncer.FormatTime(now)); err != nil {
		return false, fmt.Errorf("update %s: %w", LastUpdatedKey, err)
	}
	return true, nil
}

// LastRefresh returns the refresh watermark, or the Unix epoch if there has never been a refresh.
func (g *Gate) LastRefresh(ctx context.Context) (time.Time, error) {
	value, err := g.store.GetMetadata(ctx, LastUpdatedKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", LastUpdatedKey, err)
	}
	if !value.Valid {
		return time.Unix(0, 0).UTC(), nil
	}
	last, err := syncer.ParseTime(value.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", LastUpdatedKey, err)
	}
	return last, nil
}
