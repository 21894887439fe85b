// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github-commit-feed/internal/model"
)

const (
	// maxRetries is the total number of attempts made for a single API request.
	maxRetries = 3
	perPage    = 100
	// maxRateLimitWait caps how long a request sleeps waiting for a rate limit reset.
	maxRateLimitWait = 5 * time.Minute
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger

	retryInitialInterval time.Duration
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise server or a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return err
		}
		c.gh = gh
		return nil
	}
}

// WithRetryInterval sets the first backoff delay between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.retryInitialInterval = d
		return nil
	}
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	c := &Client{
		gh:                   github.NewClient(httpClient),
		logger:               logger,
		retryInitialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetRepository fetches repository details.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*github.Repository, error) {
	var repo *github.Repository
	err := c.withRetry(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetCommits fetches all commits reachable from branch with an author date at or after since,
// newest first. It handles API pagination transparently: a failure on any page fails the call.
func (c *Client) GetCommits(ctx context.Context, owner, name, branch string, since time.Time) ([]model.RawCommit, error) {
	var allCommits []model.RawCommit

	opts := &github.CommitsListOptions{
		SHA:   branch,
		Since: since,
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}

	for {
		c.logger.Debug("Fetching commits page", "owner", owner, "repo", name, "branch", branch, "page", opts.Page)

		var (
			commits []*github.RepositoryCommit
			resp    *github.Response
		)
		err := c.withRetry(ctx, func() (*github.Response, error) {
			var err error
			commits, resp, err = c.gh.Repositories.ListCommits(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list commits page %d: %w", opts.Page, err)
		}

		for _, commit := range commits {
			allCommits = append(allCommits, toRawCommit(commit))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allCommits, nil
}

// withRetry retries call on server errors, network errors and rate limits.
func (c *Client) withRetry(ctx context.Context, call func() (*github.Response, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries-1), ctx)

	attempt := 0
	op := func() error {
		attempt++
		resp, err := call()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		var rateErr *github.RateLimitError
		var abuseErr *github.AbuseRateLimitError
		switch {
		case errors.As(err, &rateErr):
			c.waitFor(ctx, time.Until(rateErr.Rate.Reset.Time), "rate limit exceeded", attempt)
			return err
		case errors.As(err, &abuseErr):
			c.waitFor(ctx, abuseErr.GetRetryAfter(), "secondary rate limit exceeded", attempt)
			return err
		case resp == nil || resp.StatusCode >= http.StatusInternalServerError:
			c.logger.Warn("GitHub request failed, retrying", "attempt", attempt, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	return backoff.Retry(op, policy)
}

func (c *Client) waitFor(ctx context.Context, d time.Duration, reason string, attempt int) {
	if d <= 0 {
		return
	}
	if d > maxRateLimitWait {
		d = maxRateLimitWait
	}
	c.logger.Warn("GitHub "+reason+", waiting", "wait", d.String(), "attempt", attempt)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// toRawCommit translates a github.RepositoryCommit, keeping absent author fields absent.
func toRawCommit(c *github.RepositoryCommit) model.RawCommit {
	raw := model.RawCommit{
		SHA:     c.GetSHA(),
		Message: c.GetCommit().GetMessage(),
		URL:     c.GetHTMLURL(),
	}
	if author := c.GetCommit().GetAuthor(); author != nil {
		raw.AuthorName = author.Name
		if author.Date != nil {
			date := author.GetDate().Time
			raw.AuthorDate = &date
		}
	}
	return raw
}
