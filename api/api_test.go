package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/mergebot/config"
	"github.com/sorenmh/infrastructure-shared/mergebot/db"
	"github.com/sorenmh/infrastructure-shared/mergebot/deploy"
	"github.com/sorenmh/infrastructure-shared/mergebot/git"
	"github.com/sorenmh/infrastructure-shared/mergebot/models"
	"github.com/sorenmh/infrastructure-shared/mergebot/registry"
)

const testAPIKey = "test-api-key"

type stubNotifier struct{}

func (stubNotifier) SendApprovalRequest(models.SessionView, []string) (string, error) {
	return "1234.5678", nil
}
func (stubNotifier) SendApprovalProgress(models.SessionView) error { return nil }
func (stubNotifier) SendResult(models.SessionView, models.DeployResult) error { return nil }

type stubExecutor struct{}

func (stubExecutor) Merge(git.Job) error { return nil }

type stubDirectory struct{}

func (stubDirectory) ExpandGroup(groupID string) ([]string, error) {
	return []string{"U3"}, nil
}

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.Server{
			Port:    8080,
			APIKeys: []config.APIKey{{Name: "test", Key: testAPIKey}},
		},
		Slack: config.Slack{ApprovalReaction: "+1"},
		Deployables: []config.Deployable{
			{
				Name: "todos",
				Repos: []config.Repo{
					{
						Name: "backend", URL: "git@example.com:todos/backend.git",
						Environments: []config.Environment{
							{
								Name: "staging", BaseBranch: "main", TargetBranch: "staging",
								Approvers: []config.Approver{{UserID: "U1"}, {UserID: "U2"}},
							},
						},
					},
				},
			},
		},
	}

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	coordinator := deploy.NewCoordinator(registry.New(cfg.Deployables), stubDirectory{},
		stubNotifier{}, stubExecutor{}, database, time.Minute)
	t.Cleanup(coordinator.Close)

	return NewServer(cfg, database, coordinator), database
}

func performRequest(t *testing.T, s *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func deployCommand() models.CommandRequest {
	return models.CommandRequest{
		Command:     "deploy",
		Deployable:  "todos",
		Environment: "staging",
		RequesterID: "U1",
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.True(t, resp.DatabaseAccessible)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcg==", http.StatusUnauthorized},
		{"wrong key", "Bearer wrong-key", http.StatusUnauthorized},
		{"valid key", "Bearer " + testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleCommand(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodPost, "/api/v1/command", deployCommand(), true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "todos", resp.Deployable)
	assert.Equal(t, "staging", resp.Environment)
	assert.Equal(t, []string{"backend"}, resp.Repositories)
	assert.Equal(t, []string{"U1", "U2"}, resp.Approvers)
}

func TestHandleCommand_Errors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		req  models.CommandRequest
		want int
	}{
		{"unsupported command", models.CommandRequest{Command: "rollback", Deployable: "todos", Environment: "staging", RequesterID: "U1"}, http.StatusBadRequest},
		{"unknown deployable", models.CommandRequest{Command: "deploy", Deployable: "nope", Environment: "staging", RequesterID: "U1"}, http.StatusNotFound},
		{"unknown environment", models.CommandRequest{Command: "deploy", Deployable: "todos", Environment: "qa", RequesterID: "U1"}, http.StatusNotFound},
		{"unauthorized requester", models.CommandRequest{Command: "deploy", Deployable: "todos", Environment: "staging", RequesterID: "U9"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(t, s, http.MethodPost, "/api/v1/command", tt.req, true)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleCommand_NotFoundResponsesIndistinguishable(t *testing.T) {
	s, _ := newTestServer(t)

	// Probing for deployable names and probing for approver membership
	// must yield the same response body.
	unknown := performRequest(t, s, http.MethodPost, "/api/v1/command",
		models.CommandRequest{Command: "deploy", Deployable: "nope", Environment: "staging", RequesterID: "U1"}, true)
	unauthorized := performRequest(t, s, http.MethodPost, "/api/v1/command",
		models.CommandRequest{Command: "deploy", Deployable: "todos", Environment: "staging", RequesterID: "U9"}, true)

	require.Equal(t, http.StatusNotFound, unknown.Code)
	require.Equal(t, http.StatusNotFound, unauthorized.Code)

	var a, b models.ErrorResponse
	require.NoError(t, json.Unmarshal(unknown.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(unauthorized.Body.Bytes(), &b))
	assert.Equal(t, a.Error, b.Error)
	assert.Equal(t, a.Details, b.Details)
}

func TestHandleCommand_InFlightConflict(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodPost, "/api/v1/command", deployCommand(), true)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(t, s, http.MethodPost, "/api/v1/command", deployCommand(), true)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleCommand_InvalidBody(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodPost, "/api/v1/command",
		map[string]string{"command": "deploy"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEvent_ConfiguredReactionCounts(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodPost, "/api/v1/command", deployCommand(), true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// "+1" is the configured approval reaction
	w = performRequest(t, s, http.MethodPost, "/api/v1/event", models.ApprovalEventRequest{
		SessionID: resp.SessionID, UserID: "U1", ReactionKind: "+1",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	// Any other reaction is accepted but never counted
	w = performRequest(t, s, http.MethodPost, "/api/v1/event", models.ApprovalEventRequest{
		SessionID: resp.SessionID, UserID: "U2", ReactionKind: "eyes",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(t, s, http.MethodGet, "/api/v1/sessions/"+resp.SessionID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var view models.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, models.StatePending, view.State)
	assert.Equal(t, 1, view.ApprovedCount)
	assert.Equal(t, []string{"U2"}, view.Outstanding)
}

func TestHandleEvent_UnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodPost, "/api/v1/event", models.ApprovalEventRequest{
		SessionID: "no-such-session", UserID: "U1", ReactionKind: "+1",
	}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetSession_ArchiveFallback(t *testing.T) {
	s, database := newTestServer(t)

	archived := models.SessionView{
		ID:          "old-session",
		Deployable:  "todos",
		Environment: "staging",
		RequesterID: "U1",
		State:       models.StateCompleted,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, database.CreateSession(archived))

	w := performRequest(t, s, http.MethodGet, "/api/v1/sessions/old-session", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var view models.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "old-session", view.ID)
	assert.Equal(t, models.StateCompleted, view.State)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodGet, "/api/v1/sessions/nope", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHistory(t *testing.T) {
	s, database := newTestServer(t)

	base := time.Now().UTC()
	for i, id := range []string{"h1", "h2", "h3"} {
		require.NoError(t, database.CreateSession(models.SessionView{
			ID: id, Deployable: "todos", Environment: "staging", RequesterID: "U1",
			State: models.StateCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := performRequest(t, s, http.MethodGet, "/api/v1/history?limit=2", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []models.SessionView `json:"sessions"`
		Total    int                  `json:"total"`
		Limit    int                  `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "h3", resp.Sessions[0].ID)
}

func TestHandleHistory_ClampsBadPagination(t *testing.T) {
	s, _ := newTestServer(t)

	w := performRequest(t, s, http.MethodGet, "/api/v1/history?limit=bogus&offset=-5", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 20, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
}
