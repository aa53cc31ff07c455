package imap

import (
	"strings"

	"github.com/matburt/mail2feed/internal/db"
)

// Matches reports whether the message satisfies every predicate the rule
// specifies (AND semantics). A nil predicate is not tested; an explicitly
// empty string is kept as user intent and matches everything. A rule with no
// predicates matches every message in its folder.
func Matches(msg *Message, rule *db.EmailRule) bool {
	if rule.FromAddress != nil && !containsFold(msg.From, *rule.FromAddress) {
		return false
	}
	if rule.ToAddress != nil && !containsFold(msg.To, *rule.ToAddress) {
		return false
	}
	if rule.SubjectContains != nil && !containsFold(msg.Subject, *rule.SubjectContains) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
