package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/model"
	"fleetwatch/internal/realtime"
	"fleetwatch/internal/store"
)

// POST /agents/register
func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	if !s.enroller.Verify(r.Header.Get(HeaderEnrollmentKey)) {
		writeError(w, http.StatusUnauthorized, "invalid_credential", "enrollment key rejected")
		return
	}

	var body struct {
		Hostname string `json:"hostname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Hostname == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "hostname required")
		return
	}

	machine, apiKey, err := auth.NewMachine(uuid.NewString(), body.Hostname)
	if err != nil {
		s.logger.Error("machine enrollment failed", "hostname", body.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}
	if err := s.store.CreateMachine(r.Context(), machine); err != nil {
		s.logger.Error("machine persistence failed", "hostname", body.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	s.logger.Info("machine registered", "machine", machine.ID, "hostname", machine.Hostname)
	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]string{
		"machine_id": machine.ID,
		"api_key":    apiKey,
	})
}

// POST /agents/heartbeat. Last-seen is updated by the auth middleware for
// every successful authenticated call; the dedicated endpoint just gives
// idle agents something cheap to call.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// GET /rules/sync?since=<watermark>
func (s *Server) rulesSync(w http.ResponseWriter, r *http.Request) {
	var watermark int64
	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := strconv.ParseInt(since, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative integer")
			return
		}
		watermark = parsed
	}

	result, err := s.syncEngine.Sync(r.Context(), watermark)
	if err != nil {
		s.logger.Error("rule sync failed", "watermark", watermark, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /agents/update. Agent binary distribution is not handled here, so
// there is never an update available.
func (s *Server) agentUpdate(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// POST /events
func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	machine := auth.MachineFrom(r.Context())

	var batch ingest.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed batch")
		return
	}
	if len(batch.Events) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty batch")
		return
	}

	result, err := s.pipeline.IngestBatch(r.Context(), machine, &batch)
	if err != nil {
		s.logger.Error("batch ingestion failed", "machine", machine.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "ingestion failed")
		return
	}
	s.metrics.RequestsTotal.WithLabelValues("events", "ok").Inc()
	writeJSON(w, http.StatusOK, result)
}

// POST /agents/watchdog-alert
func (s *Server) watchdogAlert(w http.ResponseWriter, r *http.Request) {
	machine := auth.MachineFrom(r.Context())

	var body struct {
		Severity    model.Severity `json:"severity"`
		Title       string         `json:"title"`
		Description string         `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed alert")
		return
	}

	alert, err := s.pipeline.RaiseWatchdogAlert(r.Context(), machine, body.Severity, body.Title, body.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	s.metrics.RequestsTotal.WithLabelValues("watchdog-alert", "ok").Inc()
	writeJSON(w, http.StatusCreated, alert)
}

// POST /realtime/auth is the channel-authorization contract for the push
// transport. Agents present their API key, operators their session token;
// either may be absent.
func (s *Server) realtimeAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel required")
		return
	}

	var machine *model.Machine
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		machine, _ = s.authenticator.Authenticate(r.Context(), key)
	}
	var session *realtime.Session
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if s.operatorToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) == 1 {
		session = &realtime.Session{OperatorID: "operator"}
	}

	if !s.authorizer.Authorize(body.Channel, session, machine) {
		writeError(w, http.StatusForbidden, "forbidden", "subscription denied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": true})
}

type rulePayload struct {
	Name      string         `json:"name"`
	Enabled   *bool          `json:"enabled"`
	EventType string         `json:"event_type"`
	Threshold float64        `json:"threshold"`
	Severity  model.Severity `json:"severity"`
}

func (p *rulePayload) validate() string {
	if p.Name == "" {
		return "name required"
	}
	if p.EventType == "" {
		return "event_type required"
	}
	if !p.Severity.Valid() {
		return "unknown severity"
	}
	return ""
}

// POST /rules
func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var body rulePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed rule")
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "validation_failed", msg)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	rule := &model.Rule{
		ID:        uuid.NewString(),
		Name:      body.Name,
		Enabled:   enabled,
		EventType: body.EventType,
		Threshold: body.Threshold,
		Severity:  body.Severity,
	}
	change, err := s.syncEngine.CreateRule(r.Context(), rule)
	if err != nil {
		s.logger.Error("rule creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "rule creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, change.Rule)
}

// PUT /rules/{id}
func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body rulePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed rule")
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "validation_failed", msg)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	rule := &model.Rule{
		ID:        id,
		Name:      body.Name,
		Enabled:   enabled,
		EventType: body.EventType,
		Threshold: body.Threshold,
		Severity:  body.Severity,
	}
	change, err := s.syncEngine.UpdateRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such rule")
			return
		}
		s.logger.Error("rule update failed", "rule", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "rule update failed")
		return
	}
	writeJSON(w, http.StatusOK, change.Rule)
}

// PATCH /rules/{id}/toggle
func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed toggle")
		return
	}

	change, err := s.syncEngine.ToggleRule(r.Context(), id, body.Enabled)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such rule")
			return
		}
		s.logger.Error("rule toggle failed", "rule", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "rule toggle failed")
		return
	}
	writeJSON(w, http.StatusOK, change.Rule)
}

// DELETE /rules/{id}
func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.syncEngine.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such rule")
			return
		}
		s.logger.Error("rule deletion failed", "rule", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "rule deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /rules
func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.logger.Error("rule listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "rule listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// GET /alerts?machine_id=&limit=
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := s.store.ListAlerts(r.Context(), r.URL.Query().Get("machine_id"), limit)
	if err != nil {
		s.logger.Error("alert listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "alert listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// POST /alerts/{id}/acknowledge
func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.store.AcknowledgeAlert)
}

// POST /alerts/{id}/resolve
func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.store.ResolveAlert)
}

// alertTransition applies a one-way alert state change. Repeating an
// already-applied transition is a no-op success, never a reversal.
func (s *Server) alertTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := transition(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such alert")
			return
		}
		s.logger.Error("alert transition failed", "alert", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "alert update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /machines/{id}/disable. The credential cache is invalidated
// synchronously so the machine's very next request fails.
func (s *Server) disableMachine(w http.ResponseWriter, r *http.Request) {
	s.setMachineStatus(w, r, model.MachineDisabled)
}

// POST /machines/{id}/enable
func (s *Server) enableMachine(w http.ResponseWriter, r *http.Request) {
	s.setMachineStatus(w, r, model.MachineActive)
}

func (s *Server) setMachineStatus(w http.ResponseWriter, r *http.Request, status model.MachineStatus) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetMachineStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such machine")
			return
		}
		s.logger.Error("machine status change failed", "machine", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "status change failed")
		return
	}
	s.authenticator.Invalidate(id)
	s.logger.Info("machine status changed", "machine", id, "status", status)
	w.WriteHeader(http.StatusNoContent)
}

// POST /machines/{id}/command broadcasts an operator command on the
// machine's channel.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetMachine(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such machine")
		return
	}

	var command map[string]any
	if err := json.NewDecoder(r.Body).Decode(&command); err != nil || len(command) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed command")
		return
	}
	if err := s.commands.SendCommand(id, command); err != nil {
		s.logger.Error("command broadcast failed", "machine", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "command broadcast failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
