package refresh

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-commit-feed/internal/database"
	"github-commit-feed/internal/syncer"
	"github-commit-feed/internal/testdb"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunSyncPass(ctx context.Context) (syncer.Result, error) {
	args := m.Called(ctx)
	return args.Get(0).(syncer.Result), args.Error(1)
}

// slowRunner counts passes and holds each one open until release is closed.
type slowRunner struct {
	calls   int32
	started chan struct{}
	release chan struct{}
}

func (r *slowRunner) RunSyncPass(ctx context.Context) (syncer.Result, error) {
	if atomic.AddInt32(&r.calls, 1) == 1 {
		close(r.started)
	}
	<-r.release
	return syncer.Result{}, nil
}

var t0 = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, runner SyncRunner, now time.Time) (*Gate, *database.SQLiteStore) {
	store := testdb.New(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	g := NewGate(store, runner, DefaultInterval, logger)
	g.SetClock(func() time.Time { return now })
	return g, store
}

func TestGate_EnsureFresh(t *testing.T) {
	ctx := context.Background()

	t.Run("never refreshed triggers a sync", func(t *testing.T) {
		runner := new(MockRunner)
		runner.On("RunSyncPass", ctx).Return(syncer.Result{Fetched: 3, Stored: 3}, nil).Once()
		g, _ := newTestGate(t, runner, t0)

		refreshed, err := g.EnsureFresh(ctx)

		require.NoError(t, err)
		assert.True(t, refreshed)
		runner.AssertExpectations(t)
		last, err := g.LastRefresh(ctx)
		require.NoError(t, err)
		assert.True(t, last.Equal(t0))
	})

	tests := []struct {
		name     string
		elapsed  time.Duration
		wantSync bool
	}{
		{name: "within interval", elapsed: 10 * time.Minute, wantSync: false},
		{name: "exactly the interval", elapsed: DefaultInterval, wantSync: false},
		{name: "just past the interval", elapsed: DefaultInterval + time.Millisecond, wantSync: true},
		{name: "well past the interval", elapsed: 40 * time.Minute, wantSync: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(MockRunner)
			if tt.wantSync {
				runner.On("RunSyncPass", ctx).Return(syncer.Result{}, nil).Once()
			}
			now := t0.Add(tt.elapsed)
			g, store := newTestGate(t, runner, now)
			require.NoError(t, store.SetMetadata(ctx, LastUpdatedKey, syncer.FormatTime(t0)))

			refreshed, err := g.EnsureFresh(ctx)

			require.NoError(t, err)
			assert.Equal(t, tt.wantSync, refreshed)
			runner.AssertExpectations(t)
			if !tt.wantSync {
				runner.AssertNotCalled(t, "RunSyncPass", mock.Anything)
			}

			want := t0
			if tt.wantSync {
				want = now
			}
			last, err := g.LastRefresh(ctx)
			require.NoError(t, err)
			assert.True(t, last.Equal(want), "last_updated = %s, want %s", last, want)
		})
	}

	t.Run("sync failure propagates and keeps the watermark", func(t *testing.T) {
		runner := new(MockRunner)
		syncErr := errors.New("upstream unavailable")
		runner.On("RunSyncPass", ctx).Return(syncer.Result{}, syncErr).Once()
		g, store := newTestGate(t, runner, t0.Add(time.Hour))
		require.NoError(t, store.SetMetadata(ctx, LastUpdatedKey, syncer.FormatTime(t0)))

		refreshed, err := g.EnsureFresh(ctx)

		assert.ErrorIs(t, err, syncErr)
		assert.False(t, refreshed)
		last, err := g.LastRefresh(ctx)
		require.NoError(t, err)
		assert.True(t, last.Equal(t0))
	})

	t.Run("watermark is the request time, not the sync completion time", func(t *testing.T) {
		clock := t0.Add(time.Hour)
		runner := new(MockRunner)
		g, _ := newTestGate(t, runner, clock)
		runner.On("RunSyncPass", ctx).Return(syncer.Result{}, nil).Run(func(mock.Arguments) {
			g.SetClock(func() time.Time { return clock.Add(5 * time.Minute) })
		}).Once()

		_, err := g.EnsureFresh(ctx)

		require.NoError(t, err)
		last, err := g.LastRefresh(ctx)
		require.NoError(t, err)
		assert.True(t, last.Equal(clock))
	})
}

func TestGate_ConcurrentRequestsRunOneSync(t *testing.T) {
	ctx := context.Background()
	runner := &slowRunner{started: make(chan struct{}), release: make(chan struct{})}
	g, _ := newTestGate(t, runner, t0)

	const requests = 8
	var (
		wg        sync.WaitGroup
		refreshes int32
	)
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshed, err := g.EnsureFresh(ctx)
			if refreshed {
				atomic.AddInt32(&refreshes, 1)
			}
			errs <- err
		}()
	}

	<-runner.started
	close(runner.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestGate_WaitingRequestHonoursContext(t *testing.T) {
	runner := &slowRunner{started: make(chan struct{}), release: make(chan struct{})}
	g, _ := newTestGate(t, runner, t0)

	done := make(chan error, 1)
	go func() {
		_, err := g.EnsureFresh(context.Background())
		done <- err
	}()
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.EnsureFresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(runner.release)
	assert.NoError(t, <-done)
}
