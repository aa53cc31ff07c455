package db

import "time"

// Post-process actions applied to the source message after a feed item
// has been created. Unknown values parse as ActionMarkRead.
const (
	ActionMarkRead     = "mark_read"
	ActionDelete       = "delete"
	ActionMoveToFolder = "move_to_folder"
	ActionDoNothing    = "do_nothing"
)

// NormalizeAction maps an arbitrary stored action string onto one of the
// known actions, defaulting to ActionMarkRead.
func NormalizeAction(s string) string {
	switch s {
	case ActionMarkRead, ActionDelete, ActionMoveToFolder, ActionDoNothing:
		return s
	default:
		return ActionMarkRead
	}
}

// Feed output formats.
const (
	FeedTypeRSS  = "rss"
	FeedTypeAtom = "atom"
)

// Retention defaults applied when a feed leaves the corresponding field unset.
const (
	DefaultMaxItems   = 100
	DefaultMaxAgeDays = 30
	DefaultMinItems   = 10
)

// Timestamps are persisted as RFC 3339 strings so the same schema works
// unchanged on SQLite and Postgres.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ImapAccount represents the imap_accounts table.
type ImapAccount struct {
	ID                       string  `gorm:"primaryKey" json:"id"`
	Name                     string  `gorm:"not null" json:"name"`
	Host                     string  `gorm:"not null" json:"host"`
	Port                     int     `gorm:"not null" json:"port"`
	Username                 string  `gorm:"not null" json:"username"`
	Password                 string  `gorm:"not null" json:"password"`
	UseTLS                   bool    `gorm:"column:use_tls;not null" json:"use_tls"`
	DefaultPostProcessAction string  `gorm:"not null;default:mark_read" json:"default_post_process_action"`
	DefaultMoveToFolder      *string `json:"default_move_to_folder"`
	CreatedAt                string  `gorm:"not null" json:"created_at"`
	UpdatedAt                string  `gorm:"not null" json:"updated_at"`
}

func (ImapAccount) TableName() string { return "imap_accounts" }

// EmailRule represents the email_rules table. Nil match fields mean "do not
// test this header"; empty strings are kept as-is and match everything.
type EmailRule struct {
	ID                string     `gorm:"primaryKey" json:"id"`
	ImapAccountID     string     `gorm:"not null;index" json:"imap_account_id"`
	Name              string     `gorm:"not null" json:"name"`
	Folder            string     `gorm:"not null" json:"folder"`
	ToAddress         *string    `json:"to_address"`
	FromAddress       *string    `json:"from_address"`
	SubjectContains   *string    `json:"subject_contains"`
	Label             *string    `json:"label"`
	IsActive          bool       `gorm:"not null;default:true" json:"is_active"`
	PostProcessAction string     `gorm:"not null;default:mark_read" json:"post_process_action"`
	MoveToFolder      *string    `json:"move_to_folder"`
	CreatedAt         string     `gorm:"not null" json:"created_at"`
	UpdatedAt         string     `gorm:"not null" json:"updated_at"`
	Account           ImapAccount `gorm:"foreignKey:ImapAccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (EmailRule) TableName() string { return "email_rules" }

// Feed represents the feeds table: the syndication materialization of one rule.
type Feed struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	EmailRuleID string    `gorm:"not null;index" json:"email_rule_id"`
	Title       string    `gorm:"not null" json:"title"`
	Description *string   `json:"description"`
	Link        *string   `json:"link"`
	FeedType    string    `gorm:"not null;default:rss" json:"feed_type"`
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	MaxItems    *int      `json:"max_items"`
	MaxAgeDays  *int      `json:"max_age_days"`
	MinItems    *int      `json:"min_items"`
	CreatedAt   string    `gorm:"not null" json:"created_at"`
	UpdatedAt   string    `gorm:"not null" json:"updated_at"`
	Rule        EmailRule `gorm:"foreignKey:EmailRuleID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Feed) TableName() string { return "feeds" }

// EffectiveMaxItems returns the configured cap or the default.
func (f *Feed) EffectiveMaxItems() int {
	if f.MaxItems != nil {
		return *f.MaxItems
	}
	return DefaultMaxItems
}

func (f *Feed) EffectiveMaxAgeDays() int {
	if f.MaxAgeDays != nil {
		return *f.MaxAgeDays
	}
	return DefaultMaxAgeDays
}

func (f *Feed) EffectiveMinItems() int {
	if f.MinItems != nil {
		return *f.MinItems
	}
	return DefaultMinItems
}

// FeedItem represents the feed_items table. Items are append-only except for
// the is_read/starred flags and retention-driven deletes.
type FeedItem struct {
	ID             string  `gorm:"primaryKey" json:"id"`
	FeedID         string  `gorm:"not null;index" json:"feed_id"`
	Title          string  `gorm:"not null" json:"title"`
	Description    *string `json:"description"`
	Link           *string `json:"link"`
	Author         *string `json:"author"`
	PubDate        string  `gorm:"not null" json:"pub_date"`
	EmailMessageID *string `gorm:"column:email_message_id;index" json:"email_message_id"`
	EmailSubject   *string `json:"email_subject"`
	EmailFrom      *string `json:"email_from"`
	EmailBody      *string `json:"email_body"`
	IsRead         bool    `gorm:"not null;default:false" json:"is_read"`
	Starred        bool    `gorm:"not null;default:false" json:"starred"`
	BodySize       int     `gorm:"not null;default:0" json:"body_size"`
	CreatedAt      string  `gorm:"not null" json:"created_at"`
	Feed           Feed    `gorm:"foreignKey:FeedID;constraint:OnDelete:CASCADE" json:"-"`
}

func (FeedItem) TableName() string { return "feed_items" }
