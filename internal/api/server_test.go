package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/background"
	"github.com/matburt/mail2feed/internal/db"
	"github.com/matburt/mail2feed/internal/imap"
)

func newTestServer(t *testing.T) (*Server, http.Handler, *db.Store) {
	t.Helper()
	gdb, err := db.Open(":memory:", false)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := db.NewStore(gdb)

	log := zap.NewNop()
	proc := imap.NewProcessor(store, log, imap.ProcessorOptions{})
	bcfg := background.DefaultConfig()
	bcfg.Enabled = false
	sched := background.NewScheduler(bcfg, store, proc, background.NewCompactor(store, log), log)
	svc := background.NewService(bcfg, sched, log)
	if err := svc.Start(t.Context()); err != nil {
		t.Fatalf("start service: %v", err)
	}

	srv := NewServer(DefaultServerConfig(), store, svc, proc, log)
	return srv, srv.Handler(), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createTestAccount(t *testing.T, h http.Handler) db.ImapAccount {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/imap-accounts", map[string]any{
		"name":     "work",
		"host":     "mail.example.com",
		"port":     993,
		"username": "reader",
		"password": "secret",
		"use_tls":  true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: status %d, body %s", w.Code, w.Body.String())
	}
	var account db.ImapAccount
	decodeInto(t, w, &account)
	return account
}

func createTestRule(t *testing.T, h http.Handler, accountID string) db.EmailRule {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/email-rules", map[string]any{
		"imap_account_id": accountID,
		"name":            "newsletters",
		"folder":          "INBOX",
		"from_address":    "news@example.com",
		"is_active":       true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: status %d, body %s", w.Code, w.Body.String())
	}
	var rule db.EmailRule
	decodeInto(t, w, &rule)
	return rule
}

func createTestFeed(t *testing.T, h http.Handler, ruleID string) db.Feed {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/feeds", map[string]any{
		"email_rule_id": ruleID,
		"title":         "Newsletters",
		"feed_type":     "rss",
		"is_active":     true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create feed: status %d, body %s", w.Code, w.Body.String())
	}
	var feed db.Feed
	decodeInto(t, w, &feed)
	return feed
}

func TestAccountCRUDOverHTTP(t *testing.T) {
	_, h, _ := newTestServer(t)

	account := createTestAccount(t, h)
	if account.ID == "" {
		t.Fatal("created account has no id")
	}
	if account.DefaultPostProcessAction != db.ActionMarkRead {
		t.Errorf("default action = %q, want mark_read", account.DefaultPostProcessAction)
	}

	w := doJSON(t, h, http.MethodGet, "/api/imap-accounts/"+account.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPut, "/api/imap-accounts/"+account.ID, map[string]any{
		"name":     "work-renamed",
		"host":     "mail.example.com",
		"port":     143,
		"username": "reader",
		"password": "secret",
		"use_tls":  false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d, body %s", w.Code, w.Body.String())
	}
	var updated db.ImapAccount
	decodeInto(t, w, &updated)
	if updated.Name != "work-renamed" || updated.Port != 143 {
		t.Errorf("update not applied: %+v", updated)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/imap-accounts/"+account.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/imap-accounts/"+account.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", w.Code)
	}
}

func TestAccountValidation(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/imap-accounts", map[string]any{
		"name": "incomplete",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	var resp map[string]string
	decodeInto(t, w, &resp)
	if resp["error"] == "" {
		t.Error("error message missing from response")
	}
}

func TestRuleCreateRequiresExistingAccount(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/email-rules", map[string]any{
		"imap_account_id": "no-such-account",
		"name":            "orphan",
		"folder":          "INBOX",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestRuleInheritsAccountDefaultsOverHTTP(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/imap-accounts", map[string]any{
		"name":                        "work",
		"host":                        "mail.example.com",
		"port":                        993,
		"username":                    "reader",
		"password":                    "secret",
		"use_tls":                     true,
		"default_post_process_action": "move_to_folder",
		"default_move_to_folder":      "Processed",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: %d", w.Code)
	}
	var account db.ImapAccount
	decodeInto(t, w, &account)

	rule := createTestRule(t, h, account.ID)
	if rule.PostProcessAction != db.ActionMoveToFolder {
		t.Errorf("rule action = %q, want inherited move_to_folder", rule.PostProcessAction)
	}
	if rule.MoveToFolder == nil || *rule.MoveToFolder != "Processed" {
		t.Errorf("rule move folder not inherited: %v", rule.MoveToFolder)
	}
}

func TestFeedDefaultsAndItems(t *testing.T) {
	_, h, store := newTestServer(t)

	account := createTestAccount(t, h)
	rule := createTestRule(t, h, account.ID)
	feed := createTestFeed(t, h, rule.ID)

	if feed.MaxItems == nil || *feed.MaxItems != db.DefaultMaxItems {
		t.Errorf("max_items = %v, want default %d", feed.MaxItems, db.DefaultMaxItems)
	}

	for i := 0; i < 3; i++ {
		it := &db.FeedItem{
			FeedID:  feed.ID,
			Title:   fmt.Sprintf("message %d", i),
			PubDate: time.Date(2026, 8, 20+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		}
		if err := store.InsertItem(it); err != nil {
			t.Fatalf("insert item: %v", err)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/api/feeds/"+feed.ID+"/items", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list items: status %d", w.Code)
	}
	var items []db.FeedItem
	decodeInto(t, w, &items)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].Title != "message 2" {
		t.Errorf("items not newest first: %q", items[0].Title)
	}

	w = doJSON(t, h, http.MethodGet, "/api/feeds/"+feed.ID+"/items?limit=2", nil)
	decodeInto(t, w, &items)
	if len(items) != 2 {
		t.Fatalf("limited list returned %d items, want 2", len(items))
	}
}

func TestFeedItemPatchFlags(t *testing.T) {
	_, h, store := newTestServer(t)

	account := createTestAccount(t, h)
	rule := createTestRule(t, h, account.ID)
	feed := createTestFeed(t, h, rule.ID)

	it := &db.FeedItem{FeedID: feed.ID, Title: "unread", PubDate: db.Now()}
	if err := store.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	w := doJSON(t, h, http.MethodPatch, "/api/feed-items/"+it.ID, map[string]any{"is_read": true})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d, body %s", w.Code, w.Body.String())
	}
	var patched db.FeedItem
	decodeInto(t, w, &patched)
	if !patched.IsRead || patched.Starred {
		t.Errorf("patch applied wrong flags: %+v", patched)
	}

	w = doJSON(t, h, http.MethodPatch, "/api/feed-items/"+it.ID, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: status %d, want 400", w.Code)
	}
}

func TestServeRSS(t *testing.T) {
	_, h, store := newTestServer(t)

	account := createTestAccount(t, h)
	rule := createTestRule(t, h, account.ID)
	feed := createTestFeed(t, h, rule.ID)

	it := &db.FeedItem{FeedID: feed.ID, Title: "hello", PubDate: db.Now()}
	if err := store.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/feeds/"+feed.ID+"/rss", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/rss+xml; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=300" {
		t.Errorf("cache control = %q", cc)
	}
	if !strings.Contains(w.Body.String(), "<title>hello</title>") {
		t.Errorf("rendered feed missing item title: %s", w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/feeds/no-such-feed/rss", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing feed: status %d, want 404", w.Code)
	}
}

func TestServeAtom(t *testing.T) {
	_, h, _ := newTestServer(t)

	account := createTestAccount(t, h)
	rule := createTestRule(t, h, account.ID)
	feed := createTestFeed(t, h, rule.ID)

	w := doJSON(t, h, http.MethodGet, "/feeds/"+feed.ID+"/atom", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/atom+xml; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<feed xmlns=\"http://www.w3.org/2005/Atom\">") {
		t.Error("atom envelope missing")
	}
}

func TestBackgroundEndpoints(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/background/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", w.Code)
	}
	var st background.Status
	decodeInto(t, w, &st)
	if st.IsRunning {
		t.Error("scheduler reported running before start")
	}

	w = doJSON(t, h, http.MethodPost, "/api/background/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d, body %s", w.Code, w.Body.String())
	}
	w = doJSON(t, h, http.MethodPost, "/api/background/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("double start: %d, want 409", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/background/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/background/stop", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("double stop: %d, want 409", w.Code)
	}
}

func TestBackgroundProcessUnknownAccount(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/background/process/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]string
	decodeInto(t, w, &resp)
	if resp["database"] != "connected" {
		t.Errorf("database = %q, want connected", resp["database"])
	}
}

func TestCORSPreflight(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/imap-accounts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]string
	decodeInto(t, w, &resp)
	if resp["error"] != "not found" {
		t.Errorf("error = %q", resp["error"])
	}
}
