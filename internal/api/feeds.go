package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/matburt/mail2feed/internal/db"
)

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.ListFeeds()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := s.store.GetFeed(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func validateFeed(f *db.Feed) string {
	switch {
	case f.EmailRuleID == "":
		return "email_rule_id is required"
	case f.Title == "":
		return "title is required"
	case f.FeedType != "" && f.FeedType != db.FeedTypeRSS && f.FeedType != db.FeedTypeAtom:
		return "feed_type must be rss or atom"
	}
	return ""
}

func (s *Server) createFeed(w http.ResponseWriter, r *http.Request) {
	var feed db.Feed
	if !decodeBody(w, r, &feed) {
		return
	}
	feed.ID = ""
	if msg := validateFeed(&feed); msg != "" {
		writeError(w, http.StatusBadRequest, "%s", msg)
		return
	}
	if _, err := s.store.GetRule(feed.EmailRuleID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "email rule %s does not exist", feed.EmailRuleID)
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.CreateFeed(&feed); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &feed)
}

func (s *Server) updateFeed(w http.ResponseWriter, r *http.Request) {
	var feed db.Feed
	if !decodeBody(w, r, &feed) {
		return
	}
	feed.ID = r.PathValue("id")
	if feed.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if feed.FeedType != "" && feed.FeedType != db.FeedTypeRSS && feed.FeedType != db.FeedTypeAtom {
		writeError(w, http.StatusBadRequest, "feed_type must be rss or atom")
		return
	}
	if err := s.store.UpdateFeed(&feed); err != nil {
		s.writeStoreError(w, err)
		return
	}
	updated, err := s.store.GetFeed(feed.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFeed(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listFeedItems returns a feed's items newest first. An optional ?limit=N
// caps the result.
func (s *Server) listFeedItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetFeed(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	var limit *int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = &n
	}
	items, err := s.store.ListItemsByFeed(id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getFeedItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// patchFeedItem updates the read/starred flags. Absent fields are left
// untouched.
func (s *Server) patchFeedItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsRead  *bool `json:"is_read"`
		Starred *bool `json:"starred"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IsRead == nil && req.Starred == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	id := r.PathValue("id")
	if err := s.store.UpdateItemFlags(id, req.IsRead, req.Starred); err != nil {
		s.writeStoreError(w, err)
		return
	}
	item, err := s.store.GetItem(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) deleteFeedItem(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteItem(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
