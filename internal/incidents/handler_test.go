package incidents

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// recordingRemediator implements Remediator for testing.
type recordingRemediator struct {
	started []*domain.Incident
}

func (r *recordingRemediator) Start(incident *domain.Incident) {
	r.started = append(r.started, incident)
}

func newTestRouter(repo Repository, finding *domain.Finding) (chi.Router, *recordingRemediator) {
	service, _ := newTestService(repo, finding)
	remediator := &recordingRemediator{}
	handler := NewHandler(service, remediator)

	r := chi.NewRouter()
	r.Route("/hooks", handler.RegisterHookRoutes)
	handler.RegisterRoutes(r)
	return r, remediator
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateAlert_CreatesIncidentAndStartsRemediation(t *testing.T) {
	repo := newMockRepository()
	router, remediator := newTestRouter(repo, criticalFinding())

	rec := doJSON(t, router, http.MethodPost, "/alerts", CreateAlertRequest{
		Pipeline:    "finance-daily-load",
		RunID:       "run-123",
		Source:      "datafactory",
		Description: "Activity Copy failed: gateway timeout",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "GatewayTimeout", body["classification"])
	assert.Equal(t, true, body["auto_healing"])

	require.Len(t, remediator.started, 1)
	assert.Equal(t, body["incident_id"], remediator.started[0].ID)
}

func TestCreateAlert_NotHealableSkipsRemediation(t *testing.T) {
	finding := criticalFinding()
	finding.AutoHealable = false
	repo := newMockRepository()
	router, remediator := newTestRouter(repo, finding)

	rec := doJSON(t, router, http.MethodPost, "/alerts", CreateAlertRequest{
		Pipeline:    "sales-ingest",
		Source:      "databricks",
		Description: "Job failed: schema mismatch",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, remediator.started)
}

func TestCreateAlert_DuplicateRunReturnsOK(t *testing.T) {
	repo := newMockRepository()
	router, remediator := newTestRouter(repo, criticalFinding())

	alert := CreateAlertRequest{
		Pipeline:    "finance-daily-load",
		RunID:       "run-dup",
		Source:      "datafactory",
		Description: "gateway timeout",
	}
	first := doJSON(t, router, http.MethodPost, "/alerts", alert)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(t, router, http.MethodPost, "/alerts", alert)
	require.Equal(t, http.StatusOK, second.Code)
	body := decodeBody(t, second)
	assert.Equal(t, "duplicate_ignored", body["status"])
	assert.Equal(t, decodeBody(t, first)["incident_id"], body["incident_id"])

	// Only the first alert may kick off remediation.
	assert.Len(t, remediator.started, 1)
}

func TestCreateAlert_ValidationErrors(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing pipeline", CreateAlertRequest{Source: "datafactory", Description: "x"}},
		{"unknown source", CreateAlertRequest{Pipeline: "p", Source: "synapse", Description: "x"}},
		{"missing description", CreateAlertRequest{Pipeline: "p", Source: "databricks"}},
		{"malformed json", []byte("{not json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/alerts", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDataFactoryHook_AcceptsActionGroupPayload(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"context": map[string]interface{}{
				"properties": map[string]interface{}{
					"PipelineName":  "finance-daily-load",
					"PipelineRunId": "adf-run-77",
					"Message":       "Copy activity timed out",
				},
			},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/hooks/datafactory", payload)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)

	incident, ok := repo.incidents[body["incident_id"].(string)]
	require.True(t, ok)
	assert.Equal(t, "finance-daily-load", incident.Pipeline)
	require.NotNil(t, incident.RunID)
	assert.Equal(t, "adf-run-77", *incident.RunID)
	assert.Equal(t, domain.SourceDataFactory, incident.Source)
}

func TestDatabricksHook_AcceptsJobWebhook(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	payload := map[string]interface{}{
		"run": map[string]interface{}{
			"run_id":   987654,
			"run_name": "nightly-feature-build",
			"state": map[string]interface{}{
				"state_message": "Cluster terminated unexpectedly",
			},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/hooks/databricks", payload)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)

	incident := repo.incidents[body["incident_id"].(string)]
	require.NotNil(t, incident)
	assert.Equal(t, domain.SourceDatabricks, incident.Source)
	require.NotNil(t, incident.RunID)
	assert.Equal(t, "987654", *incident.RunID)
}

func TestHooks_RejectMalformedJSON(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	for _, path := range []string{"/hooks/datafactory", "/hooks/databricks"} {
		rec := doJSON(t, router, http.MethodPost, path, []byte("not json"))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	req := httptest.NewRequest(http.MethodGet, "/incidents/ADF-missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledgeIncident_ClosesIncident(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	created := doJSON(t, router, http.MethodPost, "/alerts", CreateAlertRequest{
		Pipeline:    "finance-daily-load",
		Source:      "datafactory",
		Description: "gateway timeout",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := decodeBody(t, created)["incident_id"].(string)

	rec := doJSON(t, router, http.MethodPost, "/incidents/"+id+"/ack", AcknowledgeRequest{
		Actor:   "oncall@company.com",
		ActorID: "U123",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.IncidentStatusAcknowledged, repo.incidents[id].Status)
}

func TestSetIncidentStatus_InvalidStatusIsRejected(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	created := doJSON(t, router, http.MethodPost, "/alerts", CreateAlertRequest{
		Pipeline:    "sales-ingest",
		Source:      "databricks",
		Description: "job failed",
	})
	id := decodeBody(t, created)["incident_id"].(string)

	rec := doJSON(t, router, http.MethodPost, "/incidents/"+id+"/status", SetStatusRequest{
		Status: "resolved",
		Actor:  "oncall@company.com",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIncidents_InvalidFilters(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	tests := []struct {
		name  string
		query string
	}{
		{"bad status", "?status=resolved"},
		{"bad limit", "?limit=zero"},
		{"negative offset", "?offset=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/incidents/"+tt.query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListIncidents_ReturnsDataEnvelope(t *testing.T) {
	repo := newMockRepository()
	router, _ := newTestRouter(repo, criticalFinding())

	doJSON(t, router, http.MethodPost, "/alerts", CreateAlertRequest{
		Pipeline:    "finance-daily-load",
		Source:      "datafactory",
		Description: "gateway timeout",
	})

	req := httptest.NewRequest(http.MethodGet, "/incidents/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, data, 1)
}
