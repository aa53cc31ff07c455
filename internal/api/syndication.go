package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/feed"
)

const (
	rssContentType  = "application/rss+xml; charset=utf-8"
	atomContentType = "application/atom+xml; charset=utf-8"
)

func (s *Server) serveRSS(w http.ResponseWriter, r *http.Request) {
	s.serveFeed(w, r, feed.RenderRSS, rssContentType)
}

func (s *Server) serveAtom(w http.ResponseWriter, r *http.Request) {
	s.serveFeed(w, r, feed.RenderAtom, atomContentType)
}

// serveFeed loads the feed and its newest items and hands them to the
// renderer. Readers hit these paths on their own schedule, so responses
// carry a public cache window.
func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request, render feed.RenderFunc, contentType string) {
	f, err := s.store.GetFeed(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	limit := s.cfg.FeedItemLimit
	if limit <= 0 {
		limit = feed.DefaultItemLimit
	}
	items, err := s.store.ListItemsByFeed(f.ID, &limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	doc, err := render(f, items, time.Now().UTC())
	if err != nil {
		s.log.Error("rendering feed", zap.String("feed", f.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.FeedCacheSeconds))
	_, _ = w.Write([]byte(doc))
}
