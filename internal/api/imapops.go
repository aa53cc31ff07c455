package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/imap"
)

// testAccountConnection probes the account's IMAP server. A failed probe is
// a successful diagnosis, so the response is always 200 with the outcome
// and a hint in the body.
func (s *Server) testAccountConnection(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	result := imap.TestAccount(account, s.log)
	writeJSON(w, http.StatusOK, result)
}

// processAccountNow runs a synchronous processing pass for one account and
// returns the per-run counters.
func (s *Server) processAccountNow(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	result, err := s.proc.ProcessAccount(r.Context(), account)
	if err != nil {
		s.log.Warn("manual processing failed",
			zap.String("account", account.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "processing failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Success: true, Result: result})
}

type processResponse struct {
	Success bool `json:"success"`
	*imap.Result
}

// processAllNow runs a synchronous pass over every account. Per-account
// failures are reported in the body, not as an HTTP error.
func (s *Server) processAllNow(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	type accountOutcome struct {
		AccountID string       `json:"account_id"`
		Name      string       `json:"name"`
		Success   bool         `json:"success"`
		Result    *imap.Result `json:"result,omitempty"`
		Error     string       `json:"error,omitempty"`
	}
	outcomes := make([]accountOutcome, 0, len(accounts))
	for i := range accounts {
		account := &accounts[i]
		outcome := accountOutcome{AccountID: account.ID, Name: account.Name}
		result, err := s.proc.ProcessAccount(r.Context(), account)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Success = true
			outcome.Result = result
		}
		outcomes = append(outcomes, outcome)
	}
	writeJSON(w, http.StatusOK, outcomes)
}
