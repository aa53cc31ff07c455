package api

import (
	"net/http"

	"github.com/matburt/mail2feed/internal/db"
)

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func validateAccount(a *db.ImapAccount) string {
	switch {
	case a.Name == "":
		return "name is required"
	case a.Host == "":
		return "host is required"
	case a.Port < 1 || a.Port > 65535:
		return "port must be between 1 and 65535"
	case a.Username == "":
		return "username is required"
	}
	return ""
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var account db.ImapAccount
	if !decodeBody(w, r, &account) {
		return
	}
	account.ID = ""
	if msg := validateAccount(&account); msg != "" {
		writeError(w, http.StatusBadRequest, "%s", msg)
		return
	}
	if err := s.store.CreateAccount(&account); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &account)
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	var account db.ImapAccount
	if !decodeBody(w, r, &account) {
		return
	}
	account.ID = r.PathValue("id")
	if msg := validateAccount(&account); msg != "" {
		writeError(w, http.StatusBadRequest, "%s", msg)
		return
	}
	if err := s.store.UpdateAccount(&account); err != nil {
		s.writeStoreError(w, err)
		return
	}
	updated, err := s.store.GetAccount(account.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAccount(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAccountRules(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAccount(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	rules, err := s.store.ListRulesByAccount(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}
