// internal/model/models.go
package model

import (
	"strings"
	"time"

	custom_errors "github-commit-feed/internal/errors"
)

// UnknownAuthor is used when the upstream commit carries no author identity.
const UnknownAuthor = "Unknown author"

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// String returns the identifier in 'owner/name' form.
func (r RepoIdentifier) String() string {
	return r.Owner + "/" + r.Name
}

// HTMLURL is the repository's page on github.com.
func (r RepoIdentifier) HTMLURL() string {
	return "https://github.com/" + r.String()
}

// ParseRepoIdentifier splits an 'owner/name' string.
func ParseRepoIdentifier(repo string) (RepoIdentifier, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoIdentifier{}, &custom_errors.ErrInvalidRepoFormat{Repo: repo}
	}
	return RepoIdentifier{Owner: parts[0], Name: parts[1]}, nil
}

// RawCommit is a commit as delivered by the upstream API, before fallbacks are applied.
// AuthorName and AuthorDate are nil when the upstream omitted them.
type RawCommit struct {
	SHA        string
	AuthorName *string
	Message    string
	URL        string
	AuthorDate *time.Time
}

// Commit is a cached commit record.
type Commit struct {
	SHA     string    `json:"sha"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	URL     string    `json:"url"`
	Date    time.Time `json:"date"`
}

// Title is the first line of the commit message.
func (c Commit) Title() string {
	title, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimRight(title, "\r")
}

// ToCommit applies the author and date fallbacks. now is used when the author date is missing.
func (r RawCommit) ToCommit(now time.Time) Commit {
	author := UnknownAuthor
	if r.AuthorName != nil && *r.AuthorName != "" {
		author = *r.AuthorName
	}
	date := now
	if r.AuthorDate != nil && !r.AuthorDate.IsZero() {
		date = *r.AuthorDate
	}
	return Commit{
		SHA:     r.SHA,
		Author:  author,
		Message: r.Message,
		URL:     r.URL,
		Date:    date.UTC(),
	}
}
