package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/config"
	"okami/internal/crew"
)

type scriptedRunner struct {
	result *crew.CrewResult
	block  chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, _ *crew.Plan, inputs map[string]string) *crew.CrewResult {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	if r.result != nil {
		return r.result
	}
	return &crew.CrewResult{
		FinalOutput: "done: " + inputs["task"],
		Status:      crew.StatusCompleted,
		Trace:       &crew.ExecutionTrace{RunID: "run_test", Status: crew.StatusCompleted},
	}
}

func testServer(t *testing.T, runner Runner, mutate ...func(*config.Config)) *Server {
	t.Helper()
	reg := crew.NewRegistry()
	reg.AddAgent(crew.AgentSpec{Name: "solo", Role: "Solo"})
	reg.AddTask(crew.TaskSpec{Name: "solve", Description: "{task}", AgentRef: "solo"})
	reg.AddCrew(crew.CrewSpec{Name: "default", Process: crew.ProcessSequential, Agents: []string{"solo"}, Tasks: []string{"solve"}})

	cfg := &config.Config{}
	cfg.Server.DefaultCrew = "default"
	for _, m := range mutate {
		m(cfg)
	}
	return New(Options{Config: cfg, Registry: reg, Runner: runner})
}

func postTask(t *testing.T, srv *Server, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitSync(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})

	w := postTask(t, srv, map[string]any{"task": "report on wolves"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, TaskCompleted, resp.Status)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "done: report on wolves", resp.Result.Raw)
	assert.Nil(t, resp.Error)
	assert.GreaterOrEqual(t, resp.ExecutionTime, 0.0)
}

func TestSubmitFailedRun(t *testing.T) {
	srv := testServer(t, &scriptedRunner{result: &crew.CrewResult{
		Status: crew.StatusFailed,
		Error:  "Cancelled",
		Trace:  &crew.ExecutionTrace{Status: crew.StatusFailed},
	}})

	w := postTask(t, srv, map[string]any{"task": "doomed"})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, TaskFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Cancelled", *resp.Error)
}

func TestSubmitValidation(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})

	w := postTask(t, srv, map[string]any{"crew_name": "default"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postTask(t, srv, map[string]any{"task": "x", "crew_name": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitAsyncAndPoll(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})

	w := postTask(t, srv, map[string]any{"task": "slow burn", "async_execution": true})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	assert.Equal(t, TaskProcessing, resp.Status)

	require.Eventually(t, func() bool {
		rec, ok := srv.history.get(resp.TaskID)
		return ok && rec.Status == TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+resp.TaskID, nil)
	poll := httptest.NewRecorder()
	srv.Handler().ServeHTTP(poll, req)
	require.Equal(t, http.StatusOK, poll.Code)

	var final taskResponse
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &final))
	assert.Equal(t, TaskCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "done: slow burn", final.Result.Raw)
}

func TestGetUnknownTask(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/tasks/ghost", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueFullFailsFast(t *testing.T) {
	block := make(chan struct{})
	srv := testServer(t, &scriptedRunner{block: block}, func(cfg *config.Config) {
		cfg.Server.QueueSize = 1
	})

	w := postTask(t, srv, map[string]any{"task": "hold the slot", "async_execution": true})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = postTask(t, srv, map[string]any{"task": "no room"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "queue")

	close(block)
	require.Eventually(t, func() bool { return len(srv.slots) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRecentTasksNewestFirst(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})
	postTask(t, srv, map[string]any{"task": "first"})
	postTask(t, srv, map[string]any{"task": "second"})

	req := httptest.NewRequest(http.MethodGet, "/tasks/recent?limit=1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tasks []TaskRecord `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "second", body.Tasks[0].Task)
}

func TestHealthAndStatus(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})
	postTask(t, srv, map[string]any{"task": "warm up"})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, []any{"default"}, status["crews"])
	assert.EqualValues(t, 1, status["tasks_completed"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, &scriptedRunner{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
