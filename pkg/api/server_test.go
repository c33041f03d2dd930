package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/agent"
	"github.com/inkwell-ai/inkwell/pkg/breaker"
	"github.com/inkwell-ai/inkwell/pkg/graph"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/pipeline"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/retry"
	"github.com/inkwell-ai/inkwell/pkg/runner"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(&agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte(`{"processed":true}`), nil
		},
	}))
	require.NoError(t, registry.Register(&agent.Capability{
		Kind:     model.AgentQualityChecker,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte(`{"checked":true}`), nil
		},
	}))

	bus := progress.NewBus(64)
	checkpoints := store.NewInMemoryCheckpointStore()
	limiter := ratelimit.New(map[model.Provider]ratelimit.Caps{
		model.ProviderOpenAI: {PerSecond: 1000, PerMinute: 10000},
	})

	r, err := runner.New(runner.Options{
		Registry: registry,
		Limiter:  limiter,
		Breaker:       breaker.New(breaker.Config{FailureThreshold: 100, OpenDuration: time.Minute}, nil),
		Tasks:         store.NewInMemoryTaskStore(),
		Memory:        store.NewInMemoryMemoryStore(),
		Bus:           bus,
		DefaultPolicy: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)

	orch, err := pipeline.New(pipeline.Options{Runner: r, Bus: bus, Checkpoints: checkpoints})
	require.NoError(t, err)

	stages := []graph.Stage{
		{ID: "process", AgentKind: model.AgentPaperProcessor},
		{ID: "check", AgentKind: model.AgentQualityChecker, Dependencies: []string{"process"}},
	}
	server := NewServer(orch, bus, checkpoints, limiter, stages)
	return server, server.Router()
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	providers, ok := body["providers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, providers, "openai")
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func submit(t *testing.T, router *gin.Engine, body string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestSubmitAndFetchPipeline(t *testing.T) {
	_, router := newTestServer(t)

	code, resp := submit(t, router, `{"user_id":"u1","input":{"doc":"paper.pdf"}}`)
	require.Equal(t, http.StatusAccepted, code)
	pipelineID, _ := resp["pipeline_id"].(string)
	require.NotEmpty(t, pipelineID)

	// The run is asynchronous; poll until it lands.
	var body map[string]any
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/"+pipelineID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		body = nil
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			return false
		}
		return body["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	stages, ok := body["stages"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, stages, 2)
}

func TestSubmitValidatesPayload(t *testing.T) {
	_, router := newTestServer(t)

	code, resp := submit(t, router, `{"input":{"doc":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, fmt.Sprint(resp["error"]), "UserID")
}

func TestSubmitRejectsBrokenStageSubset(t *testing.T) {
	_, router := newTestServer(t)

	code, resp := submit(t, router, `{"user_id":"u1","input":{},"enabled_stages":["check"]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, fmt.Sprint(resp["error"]), "disabled stage")
}

func TestGetPipelineNotFound(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPipelineServesCheckpointWhileRunning(t *testing.T) {
	server, router := newTestServer(t)

	// Simulate a run known only through its persisted checkpoint, e.g. after
	// a restart.
	snapshot := []byte(`{"pipeline_id":"p1","status":"running","stage_status":{"process":"running"}}`)
	require.NoError(t, server.checkpoints.Save(context.Background(), "p1", snapshot))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/p1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, string(snapshot), w.Body.String())
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's c.Stream
// requires, which httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func TestStreamEventsRelaysProgress(t *testing.T) {
	server, router := newTestServer(t)

	done := make(chan string, 1)
	go func() {
		w := newCloseNotifyRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/sse1/events", nil))
		done <- w.Body.String()
	}()

	// Wait for the subscription, publish, then close the topic to end the
	// stream.
	require.Eventually(t, func() bool {
		return server.bus.SubscriberCount("sse1") == 1
	}, time.Second, 5*time.Millisecond)
	server.bus.Publish(progress.Event{PipelineID: "sse1", Scope: progress.ScopeStage, StageID: "process", Status: "running"})
	server.bus.CloseTopic("sse1")

	select {
	case body := <-done:
		assert.Contains(t, body, "event:progress")
		assert.Contains(t, body, `"status":"running"`)
	case <-time.After(2 * time.Second):
		t.Fatal("SSE stream did not terminate")
	}
}
