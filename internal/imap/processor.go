package imap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/db"
)

// DefaultMaxEmailsPerRun bounds how many recent messages one rule fetches.
const DefaultMaxEmailsPerRun = 100

const descriptionLimit = 500

// Mailbox is the slice of Session the processor depends on. Tests substitute
// a fake; production wires *Session.
type Mailbox interface {
	SelectFolder(name string, readOnly bool) error
	FetchRecent(ctx context.Context, limit int) ([]Message, error)
	MarkSeen(uid uint32) error
	DeleteMessage(uid uint32) error
	MoveMessage(uid uint32, dest string) error
	Close() error
}

// DialFunc opens an authenticated mailbox session for an account.
type DialFunc func(account *db.ImapAccount, log *zap.Logger) (Mailbox, error)

// Result summarizes one processing run for one account.
type Result struct {
	EmailsProcessed int      `json:"emails_processed"`
	ItemsCreated    int      `json:"items_created"`
	Errors          []string `json:"errors"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Processor runs the fetch -> match -> dedupe -> insert -> post-process
// pipeline for one account at a time.
type Processor struct {
	store       *db.Store
	log         *zap.Logger
	dial        DialFunc
	maxEmails   int
	maxEmailAge time.Duration
}

// ProcessorOptions tune one processor; zero values fall back to defaults.
type ProcessorOptions struct {
	MaxEmails int
	// MaxEmailAge skips messages older than this; zero disables the filter.
	MaxEmailAge time.Duration
}

func NewProcessor(store *db.Store, log *zap.Logger, opts ProcessorOptions) *Processor {
	if opts.MaxEmails <= 0 {
		opts.MaxEmails = DefaultMaxEmailsPerRun
	}
	return &Processor{
		store: store,
		log:   log,
		dial: func(account *db.ImapAccount, log *zap.Logger) (Mailbox, error) {
			return Dial(account, log)
		},
		maxEmails:   opts.MaxEmails,
		maxEmailAge: opts.MaxEmailAge,
	}
}

// ProcessAccount runs every active rule of the account over one shared
// session. Message-level problems are collected into the result; a rule-level
// failure aborts that rule only. An error return means the whole run failed
// (connect or auth) and the account should be retried.
func (p *Processor) ProcessAccount(ctx context.Context, account *db.ImapAccount) (*Result, error) {
	result := &Result{Errors: []string{}}

	rules, err := p.store.ListActiveRulesByAccount(account.ID)
	if err != nil {
		return nil, fmt.Errorf("load rules for account %s: %w", account.ID, err)
	}
	if len(rules) == 0 {
		p.log.Debug("account has no active rules", zap.String("account", account.Name))
		return result, nil
	}

	session, err := p.dial(account, p.log)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	for i := range rules {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		p.processRule(ctx, session, account, &rules[i], result)
	}
	return result, nil
}

func (p *Processor) processRule(ctx context.Context, session Mailbox, account *db.ImapAccount, rule *db.EmailRule, result *Result) {
	log := p.log.With(zap.String("account", account.Name), zap.String("rule", rule.Name))

	feeds, err := p.store.ListFeedsByRule(rule.ID)
	if err != nil {
		result.addError("rule %s: load feeds: %v", rule.Name, err)
		return
	}
	active := feeds[:0]
	for _, f := range feeds {
		if f.IsActive {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		log.Debug("rule has no active feeds, skipping")
		return
	}

	if err := session.SelectFolder(rule.Folder, true); err != nil {
		result.addError("rule %s: %v", rule.Name, err)
		return
	}

	msgs, err := session.FetchRecent(ctx, p.maxEmails)
	if err != nil {
		result.addError("rule %s: fetch: %v", rule.Name, err)
		return
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Date.After(msgs[j].Date) })

	var cutoff time.Time
	if p.maxEmailAge > 0 {
		cutoff = time.Now().Add(-p.maxEmailAge)
	}

	for i := range msgs {
		msg := &msgs[i]
		if !cutoff.IsZero() && msg.Date.Before(cutoff) {
			continue
		}
		if !Matches(msg, rule) {
			continue
		}
		result.EmailsProcessed++

		inserted := false
		for j := range active {
			feed := &active[j]
			dup, err := p.isDuplicate(feed.ID, msg)
			if err != nil {
				result.addError("feed %s: duplicate check uid %d: %v", feed.ID, msg.UID, err)
				continue
			}
			if dup {
				continue
			}
			if err := p.store.InsertItem(newFeedItem(feed.ID, msg)); err != nil {
				result.addError("feed %s: insert uid %d: %v", feed.ID, msg.UID, err)
				continue
			}
			result.ItemsCreated++
			inserted = true
		}

		// Side effects run once per message, only when something was
		// materialized, and never retract the insertion on failure.
		if inserted {
			if err := p.applyPostAction(session, account, rule, msg); err != nil {
				log.Warn("post action failed", zap.Uint32("uid", msg.UID), zap.Error(err))
				result.addError("rule %s: post action uid %d: %v", rule.Name, msg.UID, err)
			}
		}
	}
}

// isDuplicate is the two-tier duplicate probe: Message-ID when present,
// otherwise the (title, from, pubDate) composite compared on RFC 3339
// strings.
func (p *Processor) isDuplicate(feedID string, msg *Message) (bool, error) {
	if msg.MessageID != "" {
		_, err := p.store.GetItemByMessageID(feedID, msg.MessageID)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	n, err := p.store.CountItemsBySubjectFromDate(feedID, msg.Subject, msg.From, formatDate(msg.Date))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func newFeedItem(feedID string, msg *Message) *db.FeedItem {
	item := &db.FeedItem{
		FeedID:       feedID,
		Title:        msg.Subject,
		PubDate:      formatDate(msg.Date),
		EmailSubject: strPtr(msg.Subject),
		EmailFrom:    strPtr(msg.From),
	}
	if msg.MessageID != "" {
		item.EmailMessageID = strPtr(msg.MessageID)
	}
	if msg.From != "" {
		item.Author = strPtr(msg.From)
		link := fmt.Sprintf("mailto:%s?subject=%s", msg.From, url.QueryEscape(msg.Subject))
		item.Link = strPtr(link)
	}
	if msg.Body != "" {
		item.Description = strPtr(truncateBody(msg.Body, descriptionLimit))
		item.EmailBody = strPtr(msg.Body)
	}
	return item
}

func (p *Processor) applyPostAction(session Mailbox, account *db.ImapAccount, rule *db.EmailRule, msg *Message) error {
	action := rule.PostProcessAction
	if action == "" {
		action = account.DefaultPostProcessAction
	}
	switch db.NormalizeAction(action) {
	case db.ActionDoNothing:
		return nil
	case db.ActionDelete:
		return session.DeleteMessage(msg.UID)
	case db.ActionMoveToFolder:
		folder := rule.MoveToFolder
		if folder == nil {
			folder = account.DefaultMoveToFolder
		}
		if folder == nil || *folder == "" {
			return fmt.Errorf("move action with no target folder configured")
		}
		return session.MoveMessage(msg.UID, *folder)
	default:
		return session.MarkSeen(msg.UID)
	}
}

func truncateBody(body string, limit int) string {
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + "..."
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func strPtr(s string) *string { return &s }
