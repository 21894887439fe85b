package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-commit-feed/internal/database"
	"github-commit-feed/internal/feed"
	"github-commit-feed/internal/model"
	"github-commit-feed/internal/refresh"
	"github-commit-feed/internal/syncer"
	"github-commit-feed/internal/testdb"
)

var repo = model.RepoIdentifier{Owner: "octo", Name: "hello"}

// fakeSource returns queued responses and records each 'since' it was asked for.
type fakeSource struct {
	mu        sync.Mutex
	responses [][]model.RawCommit
	sinces    []time.Time
}

func (f *fakeSource) GetCommits(_ context.Context, owner, name, branch string, since time.Time) ([]model.RawCommit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if len(f.responses) == 0 {
		return nil, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, nil
}

type stubRefresher struct {
	err error
}

func (s stubRefresher) EnsureFresh(context.Context) (bool, error) {
	return false, s.err
}

type rssItems struct {
	Items []struct {
		Title string `xml:"title"`
		GUID  string `xml:"guid"`
	} `xml:"channel>item"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func rawCommit(sha string, date time.Time) model.RawCommit {
	name := "tester"
	return model.RawCommit{SHA: sha, AuthorName: &name, Message: "commit " + sha + "\n\nbody", URL: "https://github.com/octo/hello/commit/" + sha, AuthorDate: &date}
}

func getFeed(t *testing.T, router http.Handler) []string {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rss", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/rss+xml; charset=utf-8", rec.Header().Get("Content-Type"))

	var doc rssItems
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	var shas []string
	for _, item := range doc.Items {
		shas = append(shas, item.GUID)
	}
	return shas
}

func metadataTime(t *testing.T, store database.Querier, key string) time.Time {
	t.Helper()
	value, err := store.GetMetadata(context.Background(), key)
	require.NoError(t, err)
	require.True(t, value.Valid, "%s not set", key)
	parsed, err := syncer.ParseTime(value.String)
	require.NoError(t, err)
	return parsed
}

func TestRSS_EndToEnd(t *testing.T) {
	store := testdb.New(t)
	t0 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	now := t0
	clock := func() time.Time { return now }

	c1, c2, c3 := t0.Add(-3*time.Hour), t0.Add(-2*time.Hour), t0.Add(-1*time.Hour)
	source := &fakeSource{responses: [][]model.RawCommit{
		{rawCommit("c3", c3), rawCommit("c2", c2), rawCommit("c1", c1)},
		{},
	}}
	s := syncer.NewSyncer(store, source, testLogger(), repo, "main", syncer.WithClock(clock))
	gate := refresh.NewGate(store, s, 30*time.Minute, testLogger())
	gate.SetClock(clock)
	router := NewRouter(store, gate, feed.NewBuilder(repo, "http://localhost:3000/rss"), testLogger())

	// Scenario 1: empty store, first request.
	shas := getFeed(t, router)
	assert.Equal(t, []string{"c3", "c2", "c1"}, shas)
	require.Len(t, source.sinces, 1)
	assert.True(t, source.sinces[0].Equal(t0.Add(-72*time.Hour)))
	assert.True(t, metadataTime(t, store, syncer.LastFetchedKey).Equal(c3))
	assert.True(t, metadataTime(t, store, refresh.LastUpdatedKey).Equal(t0))

	// Scenario 2: ten minutes later, no sync.
	now = t0.Add(10 * time.Minute)
	shas = getFeed(t, router)
	assert.Equal(t, []string{"c3", "c2", "c1"}, shas)
	assert.Len(t, source.sinces, 1)

	// Scenario 3: forty minutes later, sync finds nothing new.
	now = t0.Add(40 * time.Minute)
	shas = getFeed(t, router)
	assert.Equal(t, []string{"c3", "c2", "c1"}, shas)
	require.Len(t, source.sinces, 2)
	assert.True(t, source.sinces[1].Equal(c3), "second pass starts at the sync watermark")
	assert.True(t, metadataTime(t, store, syncer.LastFetchedKey).Equal(c3))
	assert.True(t, metadataTime(t, store, refresh.LastUpdatedKey).Equal(now))
}

func TestRSS_RefreshFailure(t *testing.T) {
	store := testdb.New(t)
	router := NewRouter(store, stubRefresher{err: errors.New("upstream down")}, feed.NewBuilder(repo, "http://localhost:3000/rss"), testLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rss", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error": "Failed to refresh commits"}`, rec.Body.String())
}

type contextRefresher struct{}

func (contextRefresher) EnsureFresh(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestRSS_RefreshTimeout(t *testing.T) {
	store := testdb.New(t)
	router := NewRouter(store, contextRefresher{}, feed.NewBuilder(repo, "http://localhost:3000/rss"), testLogger())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rss", nil).WithContext(ctx))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Empty(t, rec.Body.String(), "no error body is written after the deadline")
}

func TestAtom(t *testing.T) {
	store := testdb.New(t)
	router := NewRouter(store, stubRefresher{}, feed.NewBuilder(repo, "http://localhost:3000/rss"), testLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/atom", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/atom+xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<feed")
}

func TestCommitsAndStats(t *testing.T) {
	ctx := context.Background()
	store := testdb.New(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.CreateCommits(ctx, []database.CreateCommitsParams{
		{Sha: "a", Author: "ada", Message: "one", Url: "u1", Date: base},
		{Sha: "b", Author: "ada", Message: "two", Url: "u2", Date: base.Add(time.Hour)},
		{Sha: "c", Author: "bob", Message: "three", Url: "u3", Date: base.Add(2 * time.Hour)},
	})
	require.NoError(t, err)
	router := NewRouter(store, stubRefresher{err: errors.New("must not be called")}, feed.NewBuilder(repo, ""), testLogger())

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
	})

	t.Run("commits newest first", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/commits?limit=2", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var commits []model.Commit
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commits))
		require.Len(t, commits, 2)
		assert.Equal(t, "c", commits[0].SHA)
		assert.Equal(t, "b", commits[1].SHA)
	})

	t.Run("top authors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/top-authors", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"author": "ada", "commit_count": 2}, {"author": "bob", "commit_count": 1}]`, rec.Body.String())
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, path := range []string{"/v1/commits?limit=0", "/v1/commits?limit=301", "/v1/stats/top-authors?limit=abc"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		}
	})
}
