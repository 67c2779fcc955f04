package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"phone-monitor/alerting/internal/condition"
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/store"
)

const (
	defaultTriggerLimit = 50
	maxTriggerLimit     = 500
	defaultCooldownMin  = 60
)

type AdminStore interface {
	ListGeofences(ctx context.Context) ([]domain.Geofence, error)
	CreateGeofence(ctx context.Context, g *domain.Geofence) error
	DeleteGeofence(ctx context.Context, id int64) error
	ListRules(ctx context.Context) ([]domain.AlertRule, error)
	CreateRule(ctx context.Context, r *domain.AlertRule) error
	UpdateRule(ctx context.Context, r *domain.AlertRule) error
	DeleteRule(ctx context.Context, id int64) error
	ListTriggers(ctx context.Context, limit int) ([]domain.AlertTrigger, error)
}

type GeofenceRequest struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Latitude     *float64 `json:"latitude" validate:"required,latitude"`
	Longitude    *float64 `json:"longitude" validate:"required,longitude"`
	RadiusMeters float64  `json:"radius_meters" validate:"required,gt=0,lte=100000"`
	DeviceID     *int64   `json:"device_id" validate:"omitempty,min=1"`
	AlertOnEnter *bool    `json:"alert_on_enter"`
	AlertOnExit  *bool    `json:"alert_on_exit"`
}

type geofenceResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	RadiusMeters float64   `json:"radius_meters"`
	DeviceID     *int64    `json:"device_id"`
	AlertOnEnter bool      `json:"alert_on_enter"`
	AlertOnExit  bool      `json:"alert_on_exit"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func toGeofenceResponse(g *domain.Geofence) geofenceResponse {
	return geofenceResponse{
		ID:           g.ID,
		Name:         g.Name,
		Latitude:     g.Latitude,
		Longitude:    g.Longitude,
		RadiusMeters: g.RadiusMeters,
		DeviceID:     g.DeviceID,
		AlertOnEnter: g.AlertOnEnter,
		AlertOnExit:  g.AlertOnExit,
		Active:       g.Active,
		CreatedAt:    g.CreatedAt,
	}
}

type RuleRequest struct {
	Name            string         `json:"name" validate:"required,max=100"`
	DeviceID        *int64         `json:"device_id" validate:"omitempty,min=1"`
	RuleType        string         `json:"rule_type" validate:"max=32"`
	Conditions      condition.Tree `json:"conditions"`
	Actions         []string       `json:"actions" validate:"dive,oneof=email telegram discord"`
	CooldownMinutes *int           `json:"cooldown_minutes" validate:"omitempty,min=0,max=525600"`
	Enabled         *bool          `json:"enabled"`
}

type ruleResponse struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	DeviceID        *int64           `json:"device_id"`
	RuleType        string           `json:"rule_type"`
	Conditions      condition.Tree   `json:"conditions"`
	Actions         []domain.Channel `json:"actions"`
	CooldownMinutes int              `json:"cooldown_minutes"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at"`
	Enabled         bool             `json:"enabled"`
}

func toRuleResponse(r *domain.AlertRule) ruleResponse {
	actions := r.Actions
	if actions == nil {
		actions = []domain.Channel{}
	}
	return ruleResponse{
		ID:              r.ID,
		Name:            r.Name,
		DeviceID:        r.DeviceID,
		RuleType:        r.RuleType,
		Conditions:      r.Conditions,
		Actions:         actions,
		CooldownMinutes: int(r.Cooldown / time.Minute),
		LastTriggeredAt: r.LastTriggeredAt,
		Enabled:         r.Enabled,
	}
}

type triggerResponse struct {
	ID           int64                   `json:"id"`
	RuleID       int64                   `json:"rule_id"`
	DeviceID     int64                   `json:"device_id"`
	Reason       string                  `json:"reason"`
	ActionsTaken map[domain.Channel]bool `json:"actions_taken"`
	TriggeredAt  time.Time               `json:"triggered_at"`
}

func (s *Server) listGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := s.admin.ListGeofences(r.Context())
	if err != nil {
		s.internalError(w, r, err, "list geofences failed")
		return
	}
	out := make([]geofenceResponse, len(fences))
	for i := range fences {
		out[i] = toGeofenceResponse(&fences[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createGeofence(w http.ResponseWriter, r *http.Request) {
	var req GeofenceRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	g := &domain.Geofence{
		Name:         req.Name,
		Latitude:     *req.Latitude,
		Longitude:    *req.Longitude,
		RadiusMeters: req.RadiusMeters,
		DeviceID:     req.DeviceID,
		AlertOnEnter: boolOr(req.AlertOnEnter, true),
		AlertOnExit:  boolOr(req.AlertOnExit, false),
		Active:       true,
	}
	if err := s.admin.CreateGeofence(r.Context(), g); err != nil {
		s.internalError(w, r, err, "create geofence failed")
		return
	}
	writeJSON(w, http.StatusCreated, toGeofenceResponse(g))
}

func (s *Server) deleteGeofence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.writeDeleteResult(w, r, s.admin.DeleteGeofence(r.Context(), id))
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.admin.ListRules(r.Context())
	if err != nil {
		s.internalError(w, r, err, "list rules failed")
		return
	}
	out := make([]ruleResponse, len(rules))
	for i := range rules {
		out[i] = toRuleResponse(&rules[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	if err := s.admin.CreateRule(r.Context(), rule); err != nil {
		s.internalError(w, r, err, "create rule failed")
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id
	err := s.admin.UpdateRule(r.Context(), rule)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		s.internalError(w, r, err, "update rule failed")
	default:
		writeJSON(w, http.StatusOK, toRuleResponse(rule))
	}
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.writeDeleteResult(w, r, s.admin.DeleteRule(r.Context(), id))
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit := defaultTriggerLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTriggerLimit)
	}
	triggers, err := s.admin.ListTriggers(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err, "list triggers failed")
		return
	}
	out := make([]triggerResponse, len(triggers))
	for i, t := range triggers {
		out[i] = triggerResponse{
			ID:           t.ID,
			RuleID:       t.RuleID,
			DeviceID:     t.DeviceID,
			Reason:       t.Reason,
			ActionsTaken: t.ActionsTaken,
			TriggeredAt:  t.TriggeredAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeRule validates a rule body, including its condition tree. Rows
// written by other means are still evaluated fail-closed.
func (s *Server) decodeRule(w http.ResponseWriter, r *http.Request) (*domain.AlertRule, bool) {
	var req RuleRequest
	if !decodeAndValidate(w, r, &req) {
		return nil, false
	}
	if err := req.Conditions.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	rule := &domain.AlertRule{
		Name:       req.Name,
		DeviceID:   req.DeviceID,
		RuleType:   req.RuleType,
		Conditions: req.Conditions,
		Cooldown:   defaultCooldownMin * time.Minute,
		Enabled:    boolOr(req.Enabled, true),
	}
	if rule.RuleType == "" {
		rule.RuleType = "custom"
	}
	if req.CooldownMinutes != nil {
		rule.Cooldown = time.Duration(*req.CooldownMinutes) * time.Minute
	}
	for _, a := range req.Actions {
		if ch, ok := domain.ParseChannel(a); ok {
			rule.Actions = append(rule.Actions, ch)
		}
	}
	return rule, true
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) writeDeleteResult(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		s.internalError(w, r, err, "delete failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
