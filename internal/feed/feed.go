// Package feed renders cached commits as RSS and Atom documents.
package feed

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/gorilla/feeds"

	"github-commit-feed/internal/model"
)

// Builder holds the feed-level metadata for one repository.
type Builder struct {
	repo    model.RepoIdentifier
	feedURL string
}

// NewBuilder returns a Builder for repo, served at feedURL.
func NewBuilder(repo model.RepoIdentifier, feedURL string) *Builder {
	return &Builder{repo: repo, feedURL: feedURL}
}

// RSS renders commits, which must already be ordered newest first. The
// channel carries an atom:link pointing back at the feed URL.
func (b *Builder) RSS(commits []model.Commit) (string, error) {
	channel := (&feeds.Rss{Feed: b.build(commits)}).RssFeed()
	return feeds.ToXML(&selfLinkedRss{channel: channel, self: b.feedURL})
}

// Atom renders commits, which must already be ordered newest first.
func (b *Builder) Atom(commits []model.Commit) (string, error) {
	return b.build(commits).ToAtom()
}

func (b *Builder) build(commits []model.Commit) *feeds.Feed {
	f := &feeds.Feed{
		Title:       fmt.Sprintf("%s Commits", b.repo.Name),
		Link:        &feeds.Link{Href: b.repo.HTMLURL()},
		Description: fmt.Sprintf("Recent commits from %s", b.repo),
		Id:          b.feedURL,
		Items:       make([]*feeds.Item, 0, len(commits)),
	}
	if len(commits) > 0 {
		f.Updated = commits[0].Date
	} else {
		f.Updated = time.Unix(0, 0).UTC()
	}

	for _, c := range commits {
		f.Items = append(f.Items, &feeds.Item{
			Title:       c.Title(),
			Link:        &feeds.Link{Href: c.URL},
			Description: c.Message,
			Author:      &feeds.Author{Name: c.Author},
			Id:          c.SHA,
			IsPermaLink: "false",
			Created:     c.Date,
		})
	}
	return f
}

const atomNamespace = "http://www.w3.org/2005/Atom"

type atomLink struct {
	XMLName xml.Name `xml:"atom:link"`
	Href    string   `xml:"href,attr"`
	Rel     string   `xml:"rel,attr"`
	Type    string   `xml:"type,attr"`
}

type rssChannel struct {
	Self *atomLink
	*feeds.RssFeed
}

type rssDocument struct {
	XMLName          xml.Name    `xml:"rss"`
	Version          string      `xml:"version,attr"`
	ContentNamespace string      `xml:"xmlns:content,attr"`
	AtomNamespace    string      `xml:"xmlns:atom,attr"`
	Channel          *rssChannel `xml:"channel"`
}

// selfLinkedRss is feeds.RssFeed plus the self link gorilla/feeds does not emit.
type selfLinkedRss struct {
	channel *feeds.RssFeed
	self    string
}

func (s *selfLinkedRss) FeedXml() interface{} {
	doc := &rssDocument{
		Version:          "2.0",
		ContentNamespace: "http://purl.org/rss/1.0/modules/content/",
		AtomNamespace:    atomNamespace,
		Channel:          &rssChannel{RssFeed: s.channel},
	}
	if s.self != "" {
		doc.Channel.Self = &atomLink{Href: s.self, Rel: "self", Type: "application/rss+xml"}
	}
	return doc
}
