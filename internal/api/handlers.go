package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Handler builds the HTTP route table. The Twilio webhook is only mounted
// when the Twilio transport is active.
func (s *Server) Handler(twilioService *messaging.TwilioService) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /leads/{phone}", s.leadHandler)
	mux.HandleFunc("POST /leads/{phone}/followups/run", s.runLeadFollowUpHandler)
	mux.HandleFunc("POST /followups/run", s.runFollowUpsHandler)
	mux.HandleFunc("GET /buffers", s.buffersHandler)
	mux.HandleFunc("POST /buffers/{key}/flush", s.flushBufferHandler)

	if twilioService != nil {
		mux.HandleFunc("POST /webhook/twilio", twilioService.TwilioWebhookHandler)
	}

	return requestLogging(mux)
}

// requestLogging tags each request with an ID and logs its outcome.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := util.GenerateRequestID()
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("API request handled", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode API response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"service": "leadpipe"}))
}

// leadHandler returns the follow-up state for one lead.
func (s *Server) leadHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(r.PathValue("phone"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	lead, err := s.st.GetLead("+" + phone)
	if err != nil {
		slog.Error("API lead lookup failed", "error", err, "phone", phone)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSON(w, http.StatusNotFound, models.Error("lead not found"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(lead))
}

// runFollowUpsHandler triggers one scan pass outside the periodic schedule.
func (s *Server) runFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	go s.manager.ProcessDueLeads(context.Background())
	writeJSON(w, http.StatusAccepted, models.Success(nil))
}

// runLeadFollowUpHandler processes a single lead immediately.
func (s *Server) runLeadFollowUpHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(r.PathValue("phone"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.manager.ProcessLead(r.Context(), "+"+phone); err != nil {
		slog.Error("API lead follow-up failed", "error", err, "phone", phone)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to process lead"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}

// buffersHandler lists conversations with a pending debounce timer.
func (s *Server) buffersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(s.aggregator.ActiveKeys()))
}

// flushBufferHandler forces an immediate flush of one conversation's buffer.
func (s *Server) flushBufferHandler(w http.ResponseWriter, r *http.Request) {
	key, err := s.msgService.ValidateAndCanonicalizeRecipient(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.aggregator.Flush("+" + key); err != nil {
		slog.Error("API buffer flush failed", "error", err, "key", key)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to flush buffer"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}
