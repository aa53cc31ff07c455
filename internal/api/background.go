package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/matburt/mail2feed/internal/background"
)

func (s *Server) backgroundStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) backgroundStart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StartScheduler(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, background.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "background processing is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) backgroundStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopScheduler(); err != nil {
		if errors.Is(err, background.ErrNotRunning) {
			writeError(w, http.StatusConflict, "background processing is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) backgroundRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopScheduler(); err != nil && !errors.Is(err, background.ErrNotRunning) {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := s.svc.StartScheduler(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) backgroundProcessAll(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Send(background.ProcessAllNow{}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) backgroundProcessAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAccount(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.svc.Send(background.ProcessAccountNow{AccountID: id}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "account_id": id})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "connected"}
	if err := s.store.Ping(); err != nil {
		status["database"] = "disconnected"
	}
	writeJSON(w, http.StatusOK, status)
}
