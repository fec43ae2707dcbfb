package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/moderation"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case sentinelerrors.IsValidation(err), sentinelerrors.IsFormat(err):
		return http.StatusBadRequest
	case sentinelerrors.IsNotFound(err):
		return http.StatusNotFound
	case sentinelerrors.IsConflict(err):
		return http.StatusConflict
	case sentinelerrors.IsConfig(err):
		return http.StatusServiceUnavailable
	case sentinelerrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case sentinelerrors.IsDependency(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(sentinelerrors.CodeOf(err))})
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleModerate handles POST /api/v1/moderate. An undecodable body is
// treated like any other malformed request and gets the clean verdict.
func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request) {
	var req moderation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = moderation.Request{}
	}

	resp, err := s.moderation.Moderate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReportIncident handles POST /api/v1/incidents
func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	var report moderation.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.writeError(w, sentinelerrors.NewValidationError("request body is not valid JSON"))
		return
	}

	inc, err := s.moderation.RecordIncident(r.Context(), report)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ViewOf(inc))
}

// handleGetIncident handles GET /api/v1/incidents/{id}
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidents.GetIncident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ViewOf(inc))
}

// handleVerifyIncident handles POST /api/v1/incidents/{id}/verify
func (s *Server) handleVerifyIncident(w http.ResponseWriter, r *http.Request) {
	var req moderation.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sentinelerrors.NewValidationError("request body is not valid JSON"))
		return
	}

	resp, err := s.moderation.Verify(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLedgerHealth handles GET /health/ledger
func (s *Server) handleLedgerHealth(w http.ResponseWriter, r *http.Request) {
	if s.ledgerHealth == nil {
		writeJSON(w, http.StatusOK, map[string]string{"ledger": "disabled"})
		return
	}
	switch err := s.ledgerHealth(r.Context()); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"ledger": "ok"})
	case sentinelerrors.IsConfig(err):
		writeJSON(w, http.StatusOK, map[string]string{"ledger": "disabled"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ledger": "unreachable"})
	}
}

// handleIncidentStatus handles GET /api/v1/incidents/{id}/status
func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.moderation.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSubmit handles POST /api/v1/incidents/{id}/submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	result, err := s.submitter.Submit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleResubmit handles POST /api/v1/incidents/{id}/resubmit
func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.resubmitter.Resubmit(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.moderation.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// handleSessionIncidents handles GET /api/v1/sessions/{id}/incidents
func (s *Server) handleSessionIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.incidents.ListBySession(r.Context(), mux.Vars(r)["id"], listLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, incidents)
}

// handleWalletIncidents handles GET /api/v1/wallets/{address}/incidents
func (s *Server) handleWalletIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.incidents.ListByWallet(r.Context(), mux.Vars(r)["address"], listLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, incidents)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.incidents.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeList(w http.ResponseWriter, incidents []store.Incident) {
	out := ListResponse{Data: make([]IncidentView, 0, len(incidents)), Count: len(incidents)}
	for i := range incidents {
		out.Data = append(out.Data, ViewOf(&incidents[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
