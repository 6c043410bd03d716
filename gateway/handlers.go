package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
)

const maxRequestBody = 64 << 10

// SubscribeRequest is the body of POST /api/subscriptions. BatchDelay is in
// milliseconds.
type SubscribeRequest struct {
	TournamentNumbers []string `json:"tournamentNumbers"`
	EventTypes        []string `json:"eventTypes,omitempty"`
	EnableBatching    bool     `json:"enableBatching"`
	BatchDelay        int      `json:"batchDelay,omitempty"`
}

// SubscribeResponse reports whether the subscription was established.
type SubscribeResponse struct {
	Accepted       bool   `json:"accepted"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, method string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "method", method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, publicMessage(status, err))
}

func (s *Server) handleTournaments(w http.ResponseWriter, r *http.Request) {
	f, err := model.ParseFilterQuery(r.URL.Query())
	if err != nil {
		s.fail(w, r, "handleTournaments", err)
		return
	}
	res, err := s.tournaments.GetTournaments(r.Context(), f)
	if err != nil {
		s.fail(w, r, "handleTournaments", err)
		return
	}
	w.Header().Set("X-Cache-Source", string(res.Source))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	no := strings.TrimSpace(chi.URLParam(r, "no"))
	matches, err := s.matches.GetMatches(r.Context(), no)
	if err != nil {
		s.fail(w, r, "handleMatches", err)
		return
	}
	if matches == nil {
		matches = []model.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tournamentNo": no, "data": matches})
}

func (s *Server) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	if err := s.tournaments.InvalidateAll(r.Context()); err != nil {
		s.fail(w, r, "handleInvalidateAll", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateTournament(w http.ResponseWriter, r *http.Request) {
	no := chi.URLParam(r, "no")
	n, err := s.tournaments.InvalidateTournament(r.Context(), no)
	if err != nil {
		s.fail(w, r, "handleInvalidateTournament", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tournamentNo": no, "invalidated": n})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SubscribeResponse{Error: "invalid request body"})
		return
	}
	if req.BatchDelay < 0 {
		writeJSON(w, http.StatusBadRequest, SubscribeResponse{Error: "batchDelay must not be negative"})
		return
	}

	cfg := subscription.Config{
		TournamentNumbers: req.TournamentNumbers,
		EnableBatching:    req.EnableBatching,
		BatchDelay:        time.Duration(req.BatchDelay) * time.Millisecond,
	}
	for _, t := range req.EventTypes {
		cfg.EventTypes = append(cfg.EventTypes, subscription.EventType(strings.ToUpper(t)))
	}

	id, err := s.subs.Subscribe(r.Context(), cfg, s.logBatch)
	if err != nil {
		status := statusFor(err)
		s.logger.Warn("Subscription refused", "tournaments", len(req.TournamentNumbers), "error", err)
		writeJSON(w, status, SubscribeResponse{Error: publicMessage(status, err)})
		return
	}
	writeJSON(w, http.StatusCreated, SubscribeResponse{Accepted: true, SubscriptionID: id})
}

// logBatch is the listener attached to subscriptions made over HTTP. Clients
// read events from /ws/status.
func (s *Server) logBatch(batch []subscription.StatusChangeEvent) {
	s.logger.Debug("Status batch delivered", "events", len(batch))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.subs.Cleanup(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.subs.Unsubscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, "handleUnsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.subs.SubscriptionStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.health.AggregateHealth(SystemName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

