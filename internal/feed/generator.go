// Package feed renders persisted feed items as RSS 2.0 or Atom 1.0
// documents. Rendering is a pure function of the feed, its items and the
// supplied clock, so identical inputs always produce identical XML.
package feed

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/matburt/mail2feed/internal/db"
)

// DefaultItemLimit caps rendered entries when no explicit limit is configured.
const DefaultItemLimit = 50

// RenderFunc is the shape shared by RenderRSS and RenderAtom.
type RenderFunc func(f *db.Feed, items []db.FeedItem, now time.Time) (string, error)

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Description string  `xml:"description,omitempty"`
	Link        string  `xml:"link,omitempty"`
	Author      string  `xml:"author,omitempty"`
	PubDate     string  `xml:"pubDate"`
	GUID        rssGUID `xml:"guid"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type atomDoc struct {
	XMLName  xml.Name    `xml:"feed"`
	XMLNS    string      `xml:"xmlns,attr"`
	Title    string      `xml:"title"`
	Subtitle string      `xml:"subtitle,omitempty"`
	ID       string      `xml:"id"`
	Updated  string      `xml:"updated"`
	Link     *atomLink   `xml:"link,omitempty"`
	Entries  []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
}

type atomEntry struct {
	Title     string       `xml:"title"`
	ID        string       `xml:"id"`
	Updated   string       `xml:"updated"`
	Published string       `xml:"published"`
	Author    *atomAuthor  `xml:"author,omitempty"`
	Link      *atomLink    `xml:"link,omitempty"`
	Content   *atomContent `xml:"content,omitempty"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomContent struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// RenderRSS builds the RSS 2.0 document. Items are rendered in the order
// given; the caller is responsible for ordering and capping them.
func RenderRSS(f *db.Feed, items []db.FeedItem, now time.Time) (string, error) {
	channel := rssChannel{
		Title:         f.Title,
		Link:          deref(f.Link),
		Description:   deref(f.Description),
		LastBuildDate: now.UTC().Format(time.RFC1123Z),
	}
	if channel.Description == "" {
		channel.Description = f.Title
	}
	for i := range items {
		it := &items[i]
		channel.Items = append(channel.Items, rssItem{
			Title:       it.Title,
			Description: deref(it.Description),
			Link:        deref(it.Link),
			Author:      deref(it.Author),
			PubDate:     rssDate(it.PubDate),
			GUID: rssGUID{
				IsPermaLink: "false",
				Value:       fmt.Sprintf("%s_%s", f.ID, it.ID),
			},
		})
	}
	return marshal(rssDoc{Version: "2.0", Channel: channel})
}

// RenderAtom builds the Atom 1.0 document with urn:uuid identifiers.
func RenderAtom(f *db.Feed, items []db.FeedItem, now time.Time) (string, error) {
	doc := atomDoc{
		XMLNS:    "http://www.w3.org/2005/Atom",
		Title:    f.Title,
		Subtitle: deref(f.Description),
		ID:       "urn:uuid:" + f.ID,
		Updated:  now.UTC().Format(time.RFC3339),
	}
	if link := deref(f.Link); link != "" {
		doc.Link = &atomLink{Href: link}
	}
	for i := range items {
		it := &items[i]
		entry := atomEntry{
			Title:     it.Title,
			ID:        "urn:uuid:" + it.ID,
			Updated:   atomDate(it.PubDate),
			Published: atomDate(it.PubDate),
		}
		if author := deref(it.Author); author != "" {
			entry.Author = &atomAuthor{Name: author}
		}
		if link := deref(it.Link); link != "" {
			entry.Link = &atomLink{Href: link}
		}
		if desc := deref(it.Description); desc != "" {
			entry.Content = &atomContent{Type: "html", Value: desc}
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return marshal(doc)
}

func marshal(doc any) (string, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal feed: %w", err)
	}
	return xml.Header + string(out) + "\n", nil
}

// rssDate converts a stored RFC 3339 timestamp to RFC 1123; an unparseable
// value is passed through untouched.
func rssDate(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC1123Z)
}

func atomDate(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
