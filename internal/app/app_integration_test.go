//go:build integration

package app_test

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/biwatch/internal/app"
	"github.com/bissquit/biwatch/internal/auth"
	"github.com/bissquit/biwatch/internal/config"
	"github.com/bissquit/biwatch/internal/domain"
	exposurepostgres "github.com/bissquit/biwatch/internal/exposure/postgres"
	"github.com/bissquit/biwatch/internal/testutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// OpenAPI document path relative to this package directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

const testSecret = "integration-test-secret-key"

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	tokens        *auth.Validator
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 2
	cfg.Database.ConnectTimeout = 30 * time.Second
	cfg.Database.ConnectAttempts = 3
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.JWT.SecretKey = testSecret
	cfg.Realtime.InitialBackoff = 100 * time.Millisecond
	cfg.Exposure.RatePerSecond = 0
	cfg.SessionCache.InMemory = true

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}

	application, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	tokens = auth.NewValidator(auth.Config{SecretKey: testSecret, Issuer: cfg.JWT.Issuer})

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}

func operatorClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewClientWithValidator(testServer.URL, testValidator).As(t, tokens, "operator-1", domain.RoleOperator)
}

func userClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewClientWithValidator(testServer.URL, testValidator).As(t, tokens, "viewer-1", domain.RoleUser)
}

type incidentResponse struct {
	Data domain.Incident `json:"data"`
}

func createIncident(t *testing.T, client *testutil.Client, facilityID string, failureAt *time.Time) domain.Incident {
	t.Helper()

	payload := map[string]interface{}{
		"affected_tools_count": 4,
		"affected_batch_ids":   []string{"LOAD-0311-A", "LOAD-0311-B"},
		"failure_reason":       "Positive growth on 24h read",
		"severity":             "high",
	}
	if failureAt != nil {
		payload["failure_at"] = failureAt.UTC().Format(time.RFC3339)
	}

	resp, err := client.POST("/api/v1/facilities/"+facilityID+"/incidents", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result incidentResponse
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func TestAuth(t *testing.T) {
	facilityID := "facility-" + uuid.NewString()

	anonymous := testutil.NewClient(testServer.URL)
	resp, err := anonymous.GET("/api/v1/facilities/" + facilityID + "/incidents/active")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	viewer := userClient(t)
	resp, err = viewer.GET("/api/v1/facilities/" + facilityID + "/incidents/active")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = viewer.POST("/api/v1/facilities/"+facilityID+"/incidents", map[string]interface{}{
		"affected_tools_count": 1,
		"affected_batch_ids":   []string{"LOAD-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCreateIncident_Validation(t *testing.T) {
	client := operatorClient(t)

	resp, err := client.POST("/api/v1/facilities/facility-v/incidents", map[string]interface{}{
		"affected_tools_count": 0,
		"affected_batch_ids":   []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestIncidentLifecycle(t *testing.T) {
	client := operatorClient(t)
	facilityID := "facility-" + uuid.NewString()

	incident := createIncident(t, client, facilityID, nil)
	assert.Equal(t, domain.IncidentStatusActive, incident.Status)
	assert.Equal(t, domain.SeverityHigh, incident.Severity)
	assert.Equal(t, "operator-1", incident.DetectedBy)

	resp, err := client.GET("/api/v1/facilities/" + facilityID + "/incidents/active")
	require.NoError(t, err)
	var active struct {
		Data []domain.Incident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &active)
	require.Len(t, active.Data, 1)
	assert.Equal(t, incident.ID, active.Data[0].ID)

	// The store follows the realtime channel.
	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/facilities/" + facilityID + "/incidents/current")
		if err != nil {
			return false
		}
		var current struct {
			Data struct {
				Incident *domain.Incident `json:"incident"`
				IsActive bool             `json:"is_active"`
			} `json:"data"`
		}
		testutil.DecodeJSON(t, resp, &current)
		return current.Data.IsActive && current.Data.Incident != nil && current.Data.Incident.ID == incident.ID
	}, 10*time.Second, 100*time.Millisecond)

	resp, err = client.POST("/api/v1/incidents/"+incident.ID+"/resolution/begin", nil)
	require.NoError(t, err)
	var begun incidentResponse
	testutil.DecodeJSON(t, resp, &begun)
	assert.Equal(t, domain.IncidentStatusInResolution, begun.Data.Status)

	// An incident in resolution stays current, including after the realtime
	// channel has delivered the update.
	time.Sleep(300 * time.Millisecond)
	current := currentIncident(t, client, facilityID)
	require.NotNil(t, current)
	assert.Equal(t, domain.IncidentStatusInResolution, current.Status)

	// Out of order completion is rejected.
	resp, err = client.WithoutValidation().POST("/api/v1/facilities/"+facilityID+"/resolution/steps/documentation/complete", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	for _, step := range domain.ResolutionStepOrder {
		resp, err = client.POST("/api/v1/facilities/"+facilityID+"/resolution/steps/"+string(step)+"/complete",
			map[string]string{"notes": "done: " + string(step)})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp, err = client.GET("/api/v1/facilities/" + facilityID + "/resolution")
	require.NoError(t, err)
	var checklist struct {
		Data struct {
			Steps      []domain.ResolutionStep `json:"steps"`
			IsComplete bool                    `json:"is_complete"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &checklist)
	assert.True(t, checklist.Data.IsComplete)

	resp, err = client.POST("/api/v1/incidents/"+incident.ID+"/resolve", map[string]string{"notes": "Loads recalled"})
	require.NoError(t, err)
	var resolved incidentResponse
	testutil.DecodeJSON(t, resp, &resolved)
	assert.Equal(t, domain.IncidentStatusResolved, resolved.Data.Status)
	require.NotNil(t, resolved.Data.ResolvedBy)
	assert.Equal(t, "operator-1", *resolved.Data.ResolvedBy)
	assert.Equal(t, "Loads recalled", resolved.Data.ResolutionNotes)

	// Resolving resets the checklist.
	resp, err = client.GET("/api/v1/facilities/" + facilityID + "/resolution")
	require.NoError(t, err)
	testutil.DecodeJSON(t, resp, &checklist)
	assert.False(t, checklist.Data.IsComplete)
	assert.Equal(t, domain.StepStatusInProgress, checklist.Data.Steps[0].Status)

	resp, err = client.WithoutValidation().POST("/api/v1/incidents/"+incident.ID+"/resolve", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/facilities/" + facilityID + "/incidents/current")
		if err != nil {
			return false
		}
		var current struct {
			Data struct {
				IsActive bool `json:"is_active"`
			} `json:"data"`
		}
		testutil.DecodeJSON(t, resp, &current)
		return !current.Data.IsActive
	}, 10*time.Second, 100*time.Millisecond)

	// Activity entries are written asynchronously.
	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/facilities/" + facilityID + "/activity?incident_id=" + incident.ID)
		if err != nil {
			return false
		}
		var activity struct {
			Data []domain.ActivityLogEntry `json:"data"`
		}
		testutil.DecodeJSON(t, resp, &activity)
		return len(activity.Data) == 3
	}, 10*time.Second, 100*time.Millisecond)
}

func currentIncident(t *testing.T, client *testutil.Client, facilityID string) *domain.Incident {
	t.Helper()

	resp, err := client.GET("/api/v1/facilities/" + facilityID + "/incidents/current")
	require.NoError(t, err)
	var current struct {
		Data struct {
			Incident *domain.Incident `json:"incident"`
			IsActive bool             `json:"is_active"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &current)
	assert.Equal(t, current.Data.Incident != nil, current.Data.IsActive)
	return current.Data.Incident
}

type checklistResponse struct {
	Data struct {
		IncidentID string                  `json:"incident_id"`
		Steps      []domain.ResolutionStep `json:"steps"`
		IsComplete bool                    `json:"is_complete"`
	} `json:"data"`
}

func TestCurrentIncidentFollowsWrites(t *testing.T) {
	client := operatorClient(t)
	facilityID := "facility-" + uuid.NewString()

	assert.Nil(t, currentIncident(t, client, facilityID))

	incident := createIncident(t, client, facilityID, nil)
	current := currentIncident(t, client, facilityID)
	require.NotNil(t, current)
	assert.Equal(t, incident.ID, current.ID)

	resp, err := client.POST("/api/v1/incidents/"+incident.ID+"/resolve", map[string]string{"notes": "false positive"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Nil(t, currentIncident(t, client, facilityID))
}

func TestChecklistBelongsToIncident(t *testing.T) {
	client := operatorClient(t)
	facilityID := "facility-" + uuid.NewString()

	first := createIncident(t, client, facilityID, nil)
	resp, err := client.POST("/api/v1/incidents/"+first.ID+"/resolution/begin", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	for _, step := range domain.ResolutionStepOrder[:2] {
		resp, err = client.POST("/api/v1/facilities/"+facilityID+"/resolution/steps/"+string(step)+"/complete", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Resolving through a status update clears the checklist as well.
	resp, err = client.PATCH("/api/v1/incidents/"+first.ID+"/status", map[string]string{"status": "resolved"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	var checklist checklistResponse
	resp, err = client.GET("/api/v1/facilities/" + facilityID + "/resolution")
	require.NoError(t, err)
	testutil.DecodeJSON(t, resp, &checklist)
	assert.Empty(t, checklist.Data.IncidentID)
	assert.Equal(t, domain.StepStatusInProgress, checklist.Data.Steps[0].Status)

	second := createIncident(t, client, facilityID, nil)
	resp, err = client.POST("/api/v1/incidents/"+second.ID+"/resolution/begin", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/facilities/" + facilityID + "/resolution")
	require.NoError(t, err)
	testutil.DecodeJSON(t, resp, &checklist)
	assert.Equal(t, second.ID, checklist.Data.IncidentID)
	assert.Equal(t, domain.StepStatusInProgress, checklist.Data.Steps[0].Status)
	assert.Equal(t, domain.StepStatusPending, checklist.Data.Steps[1].Status)
}

func TestStatusTransitions(t *testing.T) {
	client := operatorClient(t)
	incident := createIncident(t, client, "facility-"+uuid.NewString(), nil)

	resp, err := client.WithoutValidation().PATCH("/api/v1/incidents/"+incident.ID+"/status", map[string]string{"status": "closed"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.PATCH("/api/v1/incidents/"+incident.ID+"/status", map[string]string{"status": "resolved"})
	require.NoError(t, err)
	var updated incidentResponse
	testutil.DecodeJSON(t, resp, &updated)
	assert.Equal(t, domain.IncidentStatusResolved, updated.Data.Status)

	resp, err = client.WithoutValidation().PATCH("/api/v1/incidents/"+incident.ID+"/status", map[string]string{"status": "active"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/incidents/"+incident.ID+"/regulatory-notification", nil)
	require.NoError(t, err)
	var notified incidentResponse
	testutil.DecodeJSON(t, resp, &notified)
	assert.True(t, notified.Data.RegulatoryNotified)
	assert.NotNil(t, notified.Data.RegulatoryNotifiedAt)

	resp, err = client.WithoutValidation().GET("/api/v1/incidents/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExposureReport(t *testing.T) {
	ctx := context.Background()
	client := operatorClient(t)
	facilityID := "facility-" + uuid.NewString()
	history := exposurepostgres.NewRepository(testDB)

	base := time.Now().UTC().Add(-6 * time.Hour).Truncate(time.Second)
	at := func(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

	require.NoError(t, history.RecordTestResult(ctx, &domain.BITestResult{FacilityID: facilityID, Outcome: domain.BIOutcomePass, TestedAt: at(0)}))
	require.NoError(t, history.RecordTestResult(ctx, &domain.BITestResult{FacilityID: facilityID, Outcome: domain.BIOutcomeFail, TestedAt: at(240)}))
	require.NoError(t, history.RecordRoomEvent(ctx, facilityID, domain.RoomStateEvent{
		RoomID: "or-3", RoomName: "OR 3", State: domain.RoomStateInUse, OccurredAt: at(60),
	}))
	require.NoError(t, history.RecordTransition(ctx, facilityID, domain.AssetTransition{
		AssetID:    "tray-9", FromState: domain.AssetStateInUse, ToState: domain.AssetStateContaminated,
		OccurredAt: at(90), RoomID: "or-3", UserID: "surgeon-4",
	}))

	failureAt := at(245)
	incident := createIncident(t, client, facilityID, &failureAt)

	resp, err := client.GET("/api/v1/facilities/" + facilityID + "/incidents/" + incident.ID + "/exposure")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Data domain.ExposureReport `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &report)
	assert.Equal(t, incident.IncidentNumber, report.Data.IncidentNumber)
	require.Equal(t, 1, report.Data.TotalRoomsAffected)
	assert.Equal(t, "or-3", report.Data.Rooms[0].RoomID)
	assert.Equal(t, []string{"tray-9"}, report.Data.Rooms[0].ToolIDs)
	assert.Equal(t, []string{"surgeon-4"}, report.Data.Rooms[0].Users)

	// Wrong facility in the path hides the incident.
	resp, err = client.WithoutValidation().GET("/api/v1/facilities/other/incidents/" + incident.ID + "/exposure")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// No passed test before the failure.
	orphan := createIncident(t, client, "facility-"+uuid.NewString(), nil)
	resp, err = client.GET("/api/v1/facilities/" + orphan.FacilityID + "/incidents/" + orphan.ID + "/exposure")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := testutil.ReadBody(t, resp)
	assert.Contains(t, body, "no_prior_pass")
	assert.Contains(t, body, `"blocking":true`)
}

func TestIncidentStream(t *testing.T) {
	client := operatorClient(t)
	facilityID := "facility-" + uuid.NewString()

	token, err := tokens.IssueToken("viewer-2", domain.RoleUser, time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") +
		"/api/v1/facilities/" + facilityID + "/incidents/stream?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))

	var hello map[string]interface{}
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "session_created", hello["action"])
	assert.NotEmpty(t, hello["session_id"])

	incident := createIncident(t, client, facilityID, nil)

	var msg struct {
		Action string                `json:"action"`
		Change domain.IncidentChange `json:"change"`
	}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "incident_changed", msg.Action)
	assert.Equal(t, incident.ID, msg.Change.IncidentID)
	assert.Equal(t, domain.ChangeOperationInsert, msg.Change.Operation)
}

func TestSystemEndpoints(t *testing.T) {
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
