package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/scigateway/orchestrator/pkg/authz"
	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	"github.com/scigateway/orchestrator/pkg/persistence"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"github.com/scigateway/orchestrator/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) LaunchExperiment(ctx context.Context, req orchestrator.LaunchRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}

func (m *mockService) CancelExperiment(ctx context.Context, req orchestrator.CancelRequest) error {
	args := m.Called(ctx, req)

	return args.Error(0)
}

func (m *mockService) GetJobStatuses(ctx context.Context, experimentID string) (map[string]statemachine.Status, error) {
	args := m.Called(ctx, experimentID)

	statuses, _ := args.Get(0).(map[string]statemachine.Status)

	return statuses, args.Error(1)
}

func (m *mockService) GetWorkflowReport(ctx context.Context, handle string) (orchestrator.Report, error) {
	args := m.Called(ctx, handle)

	return args.Get(0).(orchestrator.Report), args.Error(1)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func setupTestApp(t *testing.T, health healthFunc) (*fiber.App, *mockService) {
	t.Helper()

	if health == nil {
		health = func(context.Context) error { return nil }
	}

	service := &mockService{}
	handlers := web.NewAPIHandlers(service, health, validator.New(validator.WithRequiredStructEnabled()))

	return web.NewApp(handlers), service
}

func do(t *testing.T, app *fiber.App, method, path string, body any, header map[string]string) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestAPIHandlers_LaunchExperiment(t *testing.T) {
	t.Parallel()

	notFound := &orchestrator.LaunchError{ExperimentID: "exp-404", Step: "catalog", Err: &catalog.NotFoundError{Kind: "experiment", ID: "exp-404"}}
	unknownApp := &orchestrator.LaunchError{
		ExperimentID: "exp-1",
		Step:         "compile",
		Err:          errkind.Wrap(errkind.Compile, "resolve command", &catalog.NotFoundError{Kind: "application", ID: "ghost"}),
	}

	tests := []struct {
		name           string
		body           any
		header         map[string]string
		expected       orchestrator.LaunchRequest
		handle         string
		err            error
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "launch with body token",
			body:           web.LaunchRequest{GatewayID: "seagrid", UserToken: "body-token"},
			expected:       orchestrator.LaunchRequest{GatewayID: "seagrid", UserToken: "body-token", ExperimentID: "exp-1"},
			handle:         "wf-1",
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "bearer token wins",
			body:           web.LaunchRequest{UserToken: "body-token"},
			header:         map[string]string{"Authorization": "Bearer header-token"},
			expected:       orchestrator.LaunchRequest{UserToken: "header-token", ExperimentID: "exp-1"},
			handle:         "wf-2",
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "empty body",
			expected:       orchestrator.LaunchRequest{ExperimentID: "exp-1"},
			handle:         "wf-3",
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "denied",
			expected:       orchestrator.LaunchRequest{ExperimentID: "exp-1"},
			err:            fmt.Errorf("launch experiment exp-1: %w", authz.ErrDenied),
			expectedStatus: http.StatusForbidden,
			expectedType:   "access_denied",
		},
		{
			name:           "unknown experiment",
			expected:       orchestrator.LaunchRequest{ExperimentID: "exp-1"},
			err:            notFound,
			expectedStatus: http.StatusNotFound,
			expectedType:   "experiment_not_found",
		},
		{
			name:           "unknown application",
			expected:       orchestrator.LaunchRequest{ExperimentID: "exp-1"},
			err:            unknownApp,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedType:   "invalid_workflow",
		},
		{
			name:           "persistence failure",
			expected:       orchestrator.LaunchRequest{ExperimentID: "exp-1"},
			err:            &orchestrator.LaunchError{ExperimentID: "exp-1", Step: "persist", Err: errors.New("disk full")},
			expectedStatus: http.StatusInternalServerError,
			expectedType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, service := setupTestApp(t, nil)
			service.On("LaunchExperiment", mock.Anything, tt.expected).Return(tt.handle, tt.err)

			status, body := do(t, app, http.MethodPost, "/experiments/exp-1/launch", tt.body, tt.header)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.err == nil {
				var resp web.LaunchResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, tt.handle, resp.Handle)
				assert.Equal(t, "exp-1", resp.ExperimentID)
			} else {
				var problem map[string]any
				require.NoError(t, json.Unmarshal(body, &problem))
				assert.Equal(t, tt.expectedType, problem["type"])
				assert.Equal(t, "/experiments/exp-1/launch", problem["instance"])
			}

			service.AssertExpectations(t)
		})
	}
}

func TestAPIHandlers_LaunchExperiment_InvalidBody(t *testing.T) {
	t.Parallel()

	app, service := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/experiments/exp-1/launch", "invalid-json", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	service.AssertNotCalled(t, "LaunchExperiment", mock.Anything, mock.Anything)
}

func TestAPIHandlers_CancelWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"unknown handle", persistence.NewTaskGraphError("Get", "wf-1", persistence.ErrTaskGraphNotFound), http.StatusNotFound},
		{"denied", fmt.Errorf("cancel experiment exp-1: %w", authz.ErrDenied), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, service := setupTestApp(t, nil)
			service.On("CancelExperiment", mock.Anything, orchestrator.CancelRequest{GatewayID: "seagrid", UserToken: "tok", Handle: "wf-1"}).Return(tt.err)

			status, _ := do(t, app, http.MethodPost, "/workflows/wf-1/cancel", web.CancelRequest{GatewayID: "seagrid"},
				map[string]string{"Authorization": "Bearer tok"})
			assert.Equal(t, tt.expectedStatus, status)

			service.AssertExpectations(t)
		})
	}
}

func TestAPIHandlers_GetJobStatuses(t *testing.T) {
	t.Parallel()

	app, service := setupTestApp(t, nil)
	service.On("GetJobStatuses", mock.Anything, "exp-1").Return(map[string]statemachine.Status{
		"App1": {State: models.StateComplete},
		"App2": {State: models.StateSkipped, Reason: "upstream task App1 failed", CauseTaskID: "App1"},
	}, nil)
	service.On("GetJobStatuses", mock.Anything, "exp-2").Return(nil, fmt.Errorf("%w: exp-2", orchestrator.ErrNotLaunched))

	status, body := do(t, app, http.MethodGet, "/experiments/exp-1/statuses", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var resp web.StatusesResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "exp-1", resp.ExperimentID)
	assert.Equal(t, models.StateComplete, resp.Tasks["App1"].State)
	assert.Equal(t, "App1", resp.Tasks["App2"].CauseTaskID)

	status, body = do(t, app, http.MethodGet, "/experiments/exp-2/statuses", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "not_launched")
}

func TestAPIHandlers_GetWorkflow(t *testing.T) {
	t.Parallel()

	app, service := setupTestApp(t, nil)
	service.On("GetWorkflowReport", mock.Anything, "wf-1").Return(orchestrator.Report{
		WorkflowID:   "wf-1",
		ExperimentID: "exp-1",
		State:        models.StateComplete,
		Tasks:        map[string]statemachine.Status{"App1": {State: models.StateComplete}},
		Outputs:      map[string]string{"Out": "file:///archive/exp-1/App1/result.txt"},
	}, nil)

	status, body := do(t, app, http.MethodGet, "/workflows/wf-1", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var resp web.WorkflowResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "wf-1", resp.Handle)
	assert.Equal(t, models.StateComplete, resp.State)
	assert.Equal(t, "file:///archive/exp-1/App1/result.txt", resp.Outputs["Out"])
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t, nil)

	status, body := do(t, app, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"healthy"`)

	unhealthy, _ := setupTestApp(t, func(context.Context) error { return errors.New("connection refused") })

	status, body = do(t, unhealthy, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "connection refused")

	status, body = do(t, app, http.MethodGet, "/livez", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))
}
