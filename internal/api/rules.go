package api

import (
	"errors"
	"net/http"

	"github.com/matburt/mail2feed/internal/db"
)

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func validateRule(rule *db.EmailRule) string {
	switch {
	case rule.ImapAccountID == "":
		return "imap_account_id is required"
	case rule.Name == "":
		return "name is required"
	case rule.Folder == "":
		return "folder is required"
	}
	return ""
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule db.EmailRule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = ""
	if msg := validateRule(&rule); msg != "" {
		writeError(w, http.StatusBadRequest, "%s", msg)
		return
	}
	if err := s.store.CreateRule(&rule); err != nil {
		// Creation resolves the owning account for default inheritance;
		// a missing account is the caller's mistake, not ours.
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "imap account %s does not exist", rule.ImapAccountID)
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule db.EmailRule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = r.PathValue("id")
	if rule.Name == "" || rule.Folder == "" {
		writeError(w, http.StatusBadRequest, "name and folder are required")
		return
	}
	if err := s.store.UpdateRule(&rule); err != nil {
		s.writeStoreError(w, err)
		return
	}
	updated, err := s.store.GetRule(rule.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
