package db

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned by by-id lookups when no row exists.
var ErrNotFound = errors.New("not found")

// Store owns all persisted state. Workers and HTTP handlers hold only
// identifiers and value snapshots; the engine's transactions are the sole
// concurrency protection.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping probes the underlying connection pool.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateAccount assigns an id and timestamps and inserts the account.
func (s *Store) CreateAccount(a *ImapAccount) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := Now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.DefaultPostProcessAction = NormalizeAction(a.DefaultPostProcessAction)
	return wrapErr("create account", s.db.Create(a).Error)
}

func (s *Store) GetAccount(id string) (*ImapAccount, error) {
	var a ImapAccount
	if err := s.db.First(&a, "id = ?", id).Error; err != nil {
		return nil, wrapErr("get account", err)
	}
	return &a, nil
}

func (s *Store) ListAccounts() ([]ImapAccount, error) {
	var accounts []ImapAccount
	err := s.db.Order("created_at").Find(&accounts).Error
	return accounts, wrapErr("list accounts", err)
}

func (s *Store) UpdateAccount(a *ImapAccount) error {
	a.UpdatedAt = Now()
	a.DefaultPostProcessAction = NormalizeAction(a.DefaultPostProcessAction)
	res := s.db.Model(&ImapAccount{}).Where("id = ?", a.ID).Updates(map[string]any{
		"name":                        a.Name,
		"host":                        a.Host,
		"port":                        a.Port,
		"username":                    a.Username,
		"password":                    a.Password,
		"use_tls":                     a.UseTLS,
		"default_post_process_action": a.DefaultPostProcessAction,
		"default_move_to_folder":      a.DefaultMoveToFolder,
		"updated_at":                  a.UpdatedAt,
	})
	if res.Error != nil {
		return wrapErr("update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update account: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	res := s.db.Delete(&ImapAccount{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr("delete account", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete account: %w", ErrNotFound)
	}
	return nil
}

// CreateRule inherits the account's default action and move folder when the
// rule does not specify its own.
func (s *Store) CreateRule(r *EmailRule) error {
	account, err := s.GetAccount(r.ImapAccountID)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.PostProcessAction == "" {
		r.PostProcessAction = account.DefaultPostProcessAction
	}
	r.PostProcessAction = NormalizeAction(r.PostProcessAction)
	if r.MoveToFolder == nil {
		r.MoveToFolder = account.DefaultMoveToFolder
	}
	return wrapErr("create rule", s.db.Create(r).Error)
}

func (s *Store) GetRule(id string) (*EmailRule, error) {
	var r EmailRule
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		return nil, wrapErr("get rule", err)
	}
	return &r, nil
}

func (s *Store) ListRules() ([]EmailRule, error) {
	var rules []EmailRule
	err := s.db.Order("created_at").Find(&rules).Error
	return rules, wrapErr("list rules", err)
}

func (s *Store) ListRulesByAccount(accountID string) ([]EmailRule, error) {
	var rules []EmailRule
	err := s.db.Where("imap_account_id = ?", accountID).Order("created_at").Find(&rules).Error
	return rules, wrapErr("list rules by account", err)
}

// ListActiveRulesByAccount returns only the rules the processor should run.
func (s *Store) ListActiveRulesByAccount(accountID string) ([]EmailRule, error) {
	var rules []EmailRule
	err := s.db.Where("imap_account_id = ? AND is_active = ?", accountID, true).
		Order("created_at").Find(&rules).Error
	return rules, wrapErr("list active rules", err)
}

func (s *Store) UpdateRule(r *EmailRule) error {
	r.UpdatedAt = Now()
	r.PostProcessAction = NormalizeAction(r.PostProcessAction)
	res := s.db.Model(&EmailRule{}).Where("id = ?", r.ID).Updates(map[string]any{
		"name":                r.Name,
		"folder":              r.Folder,
		"to_address":          r.ToAddress,
		"from_address":        r.FromAddress,
		"subject_contains":    r.SubjectContains,
		"label":               r.Label,
		"is_active":           r.IsActive,
		"post_process_action": r.PostProcessAction,
		"move_to_folder":      r.MoveToFolder,
		"updated_at":          r.UpdatedAt,
	})
	if res.Error != nil {
		return wrapErr("update rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update rule: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRule(id string) error {
	res := s.db.Delete(&EmailRule{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr("delete rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete rule: %w", ErrNotFound)
	}
	return nil
}

// CreateFeed applies the retention defaults for unset fields.
func (s *Store) CreateFeed(f *Feed) error {
	if _, err := s.GetRule(f.EmailRuleID); err != nil {
		return fmt.Errorf("create feed: %w", err)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := Now()
	f.CreatedAt, f.UpdatedAt = now, now
	if f.FeedType != FeedTypeAtom {
		f.FeedType = FeedTypeRSS
	}
	if f.MaxItems == nil {
		f.MaxItems = intPtr(DefaultMaxItems)
	}
	if f.MaxAgeDays == nil {
		f.MaxAgeDays = intPtr(DefaultMaxAgeDays)
	}
	if f.MinItems == nil {
		f.MinItems = intPtr(DefaultMinItems)
	}
	return wrapErr("create feed", s.db.Create(f).Error)
}

func intPtr(v int) *int { return &v }

func (s *Store) GetFeed(id string) (*Feed, error) {
	var f Feed
	if err := s.db.First(&f, "id = ?", id).Error; err != nil {
		return nil, wrapErr("get feed", err)
	}
	return &f, nil
}

func (s *Store) ListFeeds() ([]Feed, error) {
	var feeds []Feed
	err := s.db.Order("created_at").Find(&feeds).Error
	return feeds, wrapErr("list feeds", err)
}

func (s *Store) ListFeedsByRule(ruleID string) ([]Feed, error) {
	var feeds []Feed
	err := s.db.Where("email_rule_id = ?", ruleID).Order("created_at").Find(&feeds).Error
	return feeds, wrapErr("list feeds by rule", err)
}

func (s *Store) UpdateFeed(f *Feed) error {
	f.UpdatedAt = Now()
	res := s.db.Model(&Feed{}).Where("id = ?", f.ID).Updates(map[string]any{
		"title":        f.Title,
		"description":  f.Description,
		"link":         f.Link,
		"feed_type":    f.FeedType,
		"is_active":    f.IsActive,
		"max_items":    f.MaxItems,
		"max_age_days": f.MaxAgeDays,
		"min_items":    f.MinItems,
		"updated_at":   f.UpdatedAt,
	})
	if res.Error != nil {
		return wrapErr("update feed", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update feed: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteFeed(id string) error {
	res := s.db.Delete(&Feed{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr("delete feed", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete feed: %w", ErrNotFound)
	}
	return nil
}

// InsertItem assigns an id and created_at and derives body_size from the body.
func (s *Store) InsertItem(it *FeedItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt == "" {
		it.CreatedAt = Now()
	}
	it.BodySize = 0
	if it.EmailBody != nil {
		it.BodySize = len(*it.EmailBody)
	}
	return wrapErr("insert item", s.db.Create(it).Error)
}

func (s *Store) GetItem(id string) (*FeedItem, error) {
	var it FeedItem
	if err := s.db.First(&it, "id = ?", id).Error; err != nil {
		return nil, wrapErr("get item", err)
	}
	return &it, nil
}

// ListItemsByFeed returns items newest-first by pub_date. A nil limit means
// no cap.
func (s *Store) ListItemsByFeed(feedID string, limit *int) ([]FeedItem, error) {
	q := s.db.Where("feed_id = ?", feedID).Order("pub_date DESC")
	if limit != nil {
		q = q.Limit(*limit)
	}
	var items []FeedItem
	err := q.Find(&items).Error
	return items, wrapErr("list items", err)
}

// ListItemsByFeedCreated returns items newest-first by created_at; the
// retention compactor ages items by creation time, not publication date.
func (s *Store) ListItemsByFeedCreated(feedID string) ([]FeedItem, error) {
	var items []FeedItem
	err := s.db.Where("feed_id = ?", feedID).Order("created_at DESC").Find(&items).Error
	return items, wrapErr("list items by created", err)
}

// GetItemByMessageID is the primary duplicate probe: first item of the feed
// with the given RFC 5322 Message-ID. Returns ErrNotFound when absent.
func (s *Store) GetItemByMessageID(feedID, messageID string) (*FeedItem, error) {
	var it FeedItem
	err := s.db.Where("feed_id = ? AND email_message_id = ?", feedID, messageID).
		First(&it).Error
	if err != nil {
		return nil, wrapErr("get item by message id", err)
	}
	return &it, nil
}

// CountItemsBySubjectFromDate is the composite duplicate probe used when a
// message carries no Message-ID. pubDate is compared as the stored RFC 3339
// string.
func (s *Store) CountItemsBySubjectFromDate(feedID, title, from, pubDate string) (int64, error) {
	var n int64
	err := s.db.Model(&FeedItem{}).
		Where("feed_id = ? AND title = ? AND email_from = ? AND pub_date = ?",
			feedID, title, from, pubDate).
		Count(&n).Error
	return n, wrapErr("count items", err)
}

// UpdateItemFlags applies a partial update; nil fields are left untouched.
func (s *Store) UpdateItemFlags(id string, isRead, starred *bool) error {
	updates := map[string]any{}
	if isRead != nil {
		updates["is_read"] = *isRead
	}
	if starred != nil {
		updates["starred"] = *starred
	}
	if len(updates) == 0 {
		_, err := s.GetItem(id)
		return err
	}
	res := s.db.Model(&FeedItem{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrapErr("update item flags", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update item flags: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteItem(id string) error {
	res := s.db.Delete(&FeedItem{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr("delete item", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete item: %w", ErrNotFound)
	}
	return nil
}

// DeleteItems removes a batch by id; used by the retention compactor.
func (s *Store) DeleteItems(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.Delete(&FeedItem{}, "id IN ?", ids)
	return res.RowsAffected, wrapErr("delete items", res.Error)
}
