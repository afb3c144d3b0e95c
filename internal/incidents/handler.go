package incidents

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
	"github.com/aiops-lab/autoremedy/internal/pkg/httputil"
)

// Pagination constants.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Remediator kicks off the background attempt cycle for a fresh
// incident. Implementations decide eligibility themselves.
type Remediator interface {
	Start(incident *domain.Incident)
}

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	service    *Service
	remediator Remediator
	validator  *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service, remediator Remediator) *Handler {
	return &Handler{
		service:    service,
		remediator: remediator,
		validator:  validator.New(),
	}
}

// RegisterHookRoutes registers the alert webhook endpoints. Azure
// Monitor action groups cannot send custom headers, so these routes
// stay outside API key auth; the URL itself is the shared secret.
func (h *Handler) RegisterHookRoutes(r chi.Router) {
	r.Post("/datafactory", h.DataFactoryHook)
	r.Post("/databricks", h.DatabricksHook)
}

// RegisterRoutes registers the authenticated incident API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/alerts", h.CreateAlert)

	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.ListIncidents)
		r.Get("/summary", h.GetSummary)
		r.Get("/by-run/{runID}", h.GetIncidentByRun)
		r.Get("/{id}", h.GetIncident)
		r.Post("/{id}/ack", h.AcknowledgeIncident)
		r.Post("/{id}/status", h.SetIncidentStatus)
		r.Get("/{id}/attempts", h.ListIncidentAttempts)
		r.Get("/{id}/audit", h.ListIncidentAudit)
	})

	r.Get("/audit", h.ListAudit)
}

var incidentErrorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFound, Status: http.StatusNotFound},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest},
	{Error: ErrInvalidSource, Status: http.StatusBadRequest},
}

// CreateAlertRequest is the generic alert ingestion body.
type CreateAlertRequest struct {
	Pipeline    string `json:"pipeline" validate:"required,min=1,max=255"`
	RunID       string `json:"run_id"`
	Source      string `json:"source" validate:"required,oneof=datafactory databricks"`
	Description string `json:"description" validate:"required,min=1"`
}

// CreateAlert ingests a normalized failure alert.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	h.processAlert(w, r, CreateAlertInput{
		Pipeline:    req.Pipeline,
		RunID:       req.RunID,
		Source:      domain.SourceKind(req.Source),
		Description: req.Description,
	})
}

// DataFactoryHook ingests an Azure Monitor action group alert for a
// failed Data Factory pipeline run.
func (h *Handler) DataFactoryHook(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	input := extractDataFactoryAlert(body)
	ctxlog.FromContext(r.Context()).Info("datafactory webhook received",
		"pipeline", input.Pipeline, "run_id", input.RunID)

	h.processAlert(w, r, input)
}

// DatabricksHook ingests a Databricks job or cluster failure webhook.
func (h *Handler) DatabricksHook(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	input := extractDatabricksAlert(body)
	ctxlog.FromContext(r.Context()).Info("databricks webhook received",
		"job", input.Pipeline, "run_id", input.RunID)

	h.processAlert(w, r, input)
}

func (h *Handler) processAlert(w http.ResponseWriter, r *http.Request, input CreateAlertInput) {
	result, err := h.service.CreateFromAlert(r.Context(), input)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}

	if !result.Created {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":          "duplicate_ignored",
			"incident_id":     result.Incident.ID,
			"existing_status": result.Incident.Status,
			"message":         fmt.Sprintf("incident already exists for run_id %s", input.RunID),
		})
		return
	}

	if result.AutoHealable && h.remediator != nil {
		h.remediator.Start(result.Incident)
	}

	httputil.JSON(w, http.StatusCreated, map[string]interface{}{
		"status":         "created",
		"incident_id":    result.Incident.ID,
		"classification": result.Incident.Classification,
		"severity":       result.Incident.Severity,
		"priority":       result.Incident.Priority,
		"auto_healing":   result.AutoHealable,
	})
}

// ListIncidents returns incidents, optionally filtered by status,
// severity, source and pipeline.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filters := IncidentFilters{Limit: DefaultListLimit}

	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.IncidentStatus(v)
		if !status.IsValid() {
			httputil.Error(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filters.Status = &status
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		severity := domain.Severity(v)
		filters.Severity = &severity
	}
	if v := r.URL.Query().Get("source"); v != "" {
		source := domain.SourceKind(v)
		filters.Source = &source
	}
	filters.Pipeline = r.URL.Query().Get("pipeline")

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
		filters.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			httputil.Error(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filters.Offset = offset
	}

	list, err := h.service.List(r.Context(), filters)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, list)
}

// GetIncident returns one incident by id.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// GetIncidentByRun returns the incident that reserved a run id.
func (h *Handler) GetIncidentByRun(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.GetByRunID(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// AcknowledgeRequest identifies who acknowledged an incident.
type AcknowledgeRequest struct {
	Actor   string `json:"actor" validate:"required,min=1,max=255"`
	ActorID string `json:"actor_id" validate:"max=255"`
}

// AcknowledgeIncident closes an incident on behalf of a human operator.
func (h *Handler) AcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.service.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Actor, req.ActorID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// SetStatusRequest carries an externally driven status transition.
type SetStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Actor  string `json:"actor" validate:"required,min=1,max=255"`
}

// SetIncidentStatus applies a status transition.
func (h *Handler) SetIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.service.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.IncidentStatus(req.Status), req.Actor)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// ListIncidentAttempts returns the remediation attempts for an incident.
func (h *Handler) ListIncidentAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, attempts)
}

// ListIncidentAudit returns the audit trail for one incident.
func (h *Handler) ListIncidentAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListAudit(r.Context(), AuditFilters{IncidentID: chi.URLParam(r, "id")})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, entries)
}

// ListAudit returns the global audit trail, optionally filtered by action.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	filters := AuditFilters{Action: r.URL.Query().Get("action")}
	entries, err := h.service.ListAudit(r.Context(), filters)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, entries)
}

// GetSummary returns fleet-wide counters.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrorMappings)
		return
	}
	httputil.JSON(w, http.StatusOK, summary)
}
