package db

import (
	"errors"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := Open(":memory:", false)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(gdb)
}

func strPtr(s string) *string { return &s }

func testAccount(t *testing.T, s *Store) *ImapAccount {
	t.Helper()
	a := &ImapAccount{
		Name:     "test account",
		Host:     "mail.example.com",
		Port:     993,
		Username: "user",
		Password: "secret",
		UseTLS:   true,
	}
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func testRule(t *testing.T, s *Store, accountID string) *EmailRule {
	t.Helper()
	r := &EmailRule{
		ImapAccountID: accountID,
		Name:          "newsletter",
		Folder:        "INBOX",
		FromAddress:   strPtr("news@example.com"),
		IsActive:      true,
	}
	if err := s.CreateRule(r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func testFeed(t *testing.T, s *Store, ruleID string) *Feed {
	t.Helper()
	f := &Feed{
		EmailRuleID: ruleID,
		Title:       "Newsletter Feed",
		FeedType:    FeedTypeRSS,
		IsActive:    true,
	}
	if err := s.CreateFeed(f); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	return f
}

func TestAccountCRUD(t *testing.T) {
	s := testStore(t)

	a := testAccount(t, s)
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
	if a.CreatedAt == "" || a.UpdatedAt == "" {
		t.Fatal("expected timestamps")
	}
	if a.DefaultPostProcessAction != ActionMarkRead {
		t.Fatalf("expected default action mark_read, got %q", a.DefaultPostProcessAction)
	}

	got, err := s.GetAccount(a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Host != "mail.example.com" {
		t.Fatalf("unexpected host %q", got.Host)
	}

	got.Name = "renamed"
	if err := s.UpdateAccount(got); err != nil {
		t.Fatalf("update account: %v", err)
	}
	got, _ = s.GetAccount(a.ID)
	if got.Name != "renamed" {
		t.Fatalf("update not applied, name %q", got.Name)
	}

	if err := s.DeleteAccount(a.ID); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := s.GetAccount(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotFoundUpdates(t *testing.T) {
	s := testStore(t)
	if err := s.UpdateAccount(&ImapAccount{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteFeed("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRuleInheritsAccountDefaults(t *testing.T) {
	s := testStore(t)
	a := &ImapAccount{
		Name: "a", Host: "h", Port: 143, Username: "u", Password: "p",
		DefaultPostProcessAction: ActionMoveToFolder,
		DefaultMoveToFolder:      strPtr("Archive"),
	}
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("create account: %v", err)
	}

	r := &EmailRule{ImapAccountID: a.ID, Name: "r", Folder: "INBOX", IsActive: true}
	if err := s.CreateRule(r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r.PostProcessAction != ActionMoveToFolder {
		t.Fatalf("expected inherited action, got %q", r.PostProcessAction)
	}
	if r.MoveToFolder == nil || *r.MoveToFolder != "Archive" {
		t.Fatalf("expected inherited move folder, got %v", r.MoveToFolder)
	}

	// Explicit values win over the account defaults.
	r2 := &EmailRule{
		ImapAccountID: a.ID, Name: "r2", Folder: "INBOX", IsActive: true,
		PostProcessAction: ActionDoNothing,
	}
	if err := s.CreateRule(r2); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r2.PostProcessAction != ActionDoNothing {
		t.Fatalf("expected do_nothing, got %q", r2.PostProcessAction)
	}
}

func TestRuleRequiresAccount(t *testing.T) {
	s := testStore(t)
	err := s.CreateRule(&EmailRule{ImapAccountID: "missing", Name: "r", Folder: "INBOX"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFeedRetentionDefaults(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)

	if f.EffectiveMaxItems() != DefaultMaxItems ||
		f.EffectiveMaxAgeDays() != DefaultMaxAgeDays ||
		f.EffectiveMinItems() != DefaultMinItems {
		t.Fatalf("retention defaults not applied: %v %v %v", f.MaxItems, f.MaxAgeDays, f.MinItems)
	}
}

func TestCascadeDelete(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)
	it := &FeedItem{FeedID: f.ID, Title: "hello", PubDate: Now()}
	if err := s.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	if err := s.DeleteAccount(a.ID); err != nil {
		t.Fatalf("delete account: %v", err)
	}

	if _, err := s.GetRule(r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rule not cascaded: %v", err)
	}
	if _, err := s.GetFeed(f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("feed not cascaded: %v", err)
	}
	if _, err := s.GetItem(it.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("item not cascaded: %v", err)
	}
}

func TestInsertItemBodySize(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)

	body := "twelve bytes"
	it := &FeedItem{FeedID: f.ID, Title: "t", PubDate: Now(), EmailBody: &body}
	if err := s.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if it.BodySize != len(body) {
		t.Fatalf("body size %d, want %d", it.BodySize, len(body))
	}

	empty := &FeedItem{FeedID: f.ID, Title: "no body", PubDate: Now()}
	if err := s.InsertItem(empty); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if empty.BodySize != 0 {
		t.Fatalf("body size %d, want 0", empty.BodySize)
	}
}

func TestDuplicateProbes(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)

	pub := "2026-08-01T10:00:00Z"
	it := &FeedItem{
		FeedID:         f.ID,
		Title:          "TLDR AI",
		PubDate:        pub,
		EmailMessageID: strPtr("<m1@x>"),
		EmailFrom:      strPtr("dan@example.com"),
	}
	if err := s.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	got, err := s.GetItemByMessageID(f.ID, "<m1@x>")
	if err != nil {
		t.Fatalf("message-id probe: %v", err)
	}
	if got.ID != it.ID {
		t.Fatalf("wrong item %q", got.ID)
	}
	if _, err := s.GetItemByMessageID(f.ID, "<other@x>"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The composite probe compares the stored RFC 3339 strings verbatim.
	n, err := s.CountItemsBySubjectFromDate(f.ID, "TLDR AI", "dan@example.com", pub)
	if err != nil {
		t.Fatalf("composite probe: %v", err)
	}
	if n != 1 {
		t.Fatalf("count %d, want 1", n)
	}
	n, _ = s.CountItemsBySubjectFromDate(f.ID, "TLDR AI", "dan@example.com", "2026-08-01T12:00:00+02:00")
	if n != 0 {
		t.Fatalf("count %d, want 0 for different string form", n)
	}

	// Duplicates across feeds are allowed.
	f2 := testFeed(t, s, r.ID)
	if _, err := s.GetItemByMessageID(f2.ID, "<m1@x>"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("probe must be feed-scoped, got %v", err)
	}
}

func TestListItemsOrderAndLimit(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)

	dates := []string{
		"2026-08-01T10:00:00Z",
		"2026-08-03T10:00:00Z",
		"2026-08-02T10:00:00Z",
	}
	for i, d := range dates {
		it := &FeedItem{FeedID: f.ID, Title: "t", PubDate: d}
		it.Title = d
		if err := s.InsertItem(it); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	items, err := s.ListItemsByFeed(f.ID, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].PubDate != "2026-08-03T10:00:00Z" || items[2].PubDate != "2026-08-01T10:00:00Z" {
		t.Fatalf("wrong order: %s .. %s", items[0].PubDate, items[2].PubDate)
	}

	limit := 2
	items, _ = s.ListItemsByFeed(f.ID, &limit)
	if len(items) != 2 {
		t.Fatalf("limit ignored, got %d items", len(items))
	}
}

func TestUpdateItemFlagsPartial(t *testing.T) {
	s := testStore(t)
	a := testAccount(t, s)
	r := testRule(t, s, a.ID)
	f := testFeed(t, s, r.ID)
	it := &FeedItem{FeedID: f.ID, Title: "t", PubDate: Now()}
	if err := s.InsertItem(it); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	read := true
	if err := s.UpdateItemFlags(it.ID, &read, nil); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	got, _ := s.GetItem(it.ID)
	if !got.IsRead || got.Starred {
		t.Fatalf("partial update wrong: isRead=%v starred=%v", got.IsRead, got.Starred)
	}

	starred := true
	if err := s.UpdateItemFlags(it.ID, nil, &starred); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	got, _ = s.GetItem(it.ID)
	if !got.IsRead || !got.Starred {
		t.Fatalf("flags wrong after second update: isRead=%v starred=%v", got.IsRead, got.Starred)
	}

	if err := s.UpdateItemFlags("missing", &read, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
