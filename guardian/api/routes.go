package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ledger", s.handleLedgerHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/moderate", s.handleModerate).Methods(http.MethodPost)
	v1.HandleFunc("/incidents", s.handleReportIncident).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/status", s.handleIncidentStatus).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/verify", s.handleVerifyIncident).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}/resubmit", s.handleResubmit).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/incidents", s.handleSessionIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{address}/incidents", s.handleWalletIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if m := mux.CurrentRoute(r); m != nil {
			if tpl, err := m.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}
