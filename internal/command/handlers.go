package command

import (
	"encoding/json"
	"errors"
	"net/http"

	"bumpd/internal/sched"
	"bumpd/internal/store"
)

// accountRequest is the common body for per-account commands.
type accountRequest struct {
	AccountID int64  `json:"account_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type commandResponse struct {
	OK        bool   `json:"ok"`
	Admission string `json:"admission,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleRequestStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountRequest(w, r)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api"
	}
	adm, err := s.sched.RequestStart(r.Context(), req.AccountID, reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Admission: adm.String()})
}

func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountRequest(w, r)
	if !ok {
		return
	}
	if err := s.sched.RequestStop(r.Context(), req.AccountID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountRequest(w, r)
	if !ok {
		return
	}
	adm, err := s.sched.Restart(r.Context(), req.AccountID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Admission: adm.String()})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.StopAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

func (s *Server) handleResetRetry(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountRequest(w, r)
	if !ok {
		return
	}
	if err := s.sched.ResetRetry(r.Context(), req.AccountID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

func (s *Server) handleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountRequest(w, r)
	if !ok {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	err := s.sched.SubmitVerification(r.Context(), req.AccountID, req.Code)
	if errors.Is(err, sched.ErrNotRunning) {
		// Re-admitted; the code must be re-submitted once the login flow
		// reaches the challenge.
		writeJSON(w, http.StatusAccepted, commandResponse{OK: true, Admission: "started"})
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

func decodeAccountRequest(w http.ResponseWriter, r *http.Request) (accountRequest, bool) {
	var req accountRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("account_id is required"))
		return req, false
	}
	return req, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sched.ErrBlocked), errors.Is(err, sched.ErrBanned):
		return http.StatusConflict
	case errors.Is(err, sched.ErrStopping):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, commandResponse{OK: false, Error: err.Error()})
}
