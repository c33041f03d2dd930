package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/agent"
	"github.com/inkwell-ai/inkwell/pkg/breaker"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/retry"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

// captureSink records usage events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []model.UsageEvent
}

func (s *captureSink) Record(ev model.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []model.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

type harness struct {
	runner *Runner
	tasks  *store.InMemoryTaskStore
	memory *store.InMemoryMemoryStore
	sink   *captureSink
}

func newHarness(t *testing.T, capability *agent.Capability, opts func(*Options)) *harness {
	t.Helper()

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(capability))

	h := &harness{
		tasks:  store.NewInMemoryTaskStore(),
		memory: store.NewInMemoryMemoryStore(),
		sink:   &captureSink{},
	}

	options := Options{
		Registry: registry,
		Limiter: ratelimit.New(map[model.Provider]ratelimit.Caps{
			model.ProviderOpenAI: {PerSecond: 100, PerMinute: 1000},
		}),
		Breaker: breaker.New(breaker.Config{FailureThreshold: 100, OpenDuration: time.Minute}, nil),
		Tasks:   h.tasks,
		Memory:  h.memory,
		Bus:     progress.NewBus(0),
		Usage:   h.sink,
		DefaultPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
		},
	}
	if opts != nil {
		opts(&options)
	}

	r, err := New(options)
	require.NoError(t, err)
	h.runner = r
	return h
}

func echoCapability(invocations *atomic.Int32) *agent.Capability {
	return &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return append([]byte("out:"), input...), nil
		},
	}
}

func testRequest(input string) Request {
	return Request{
		PipelineID: "p1",
		StageID:    "s1",
		UserID:     "u1",
		Kind:       model.AgentPaperProcessor,
		Input:      []byte(input),
	}
}

func TestRunSuccess(t *testing.T) {
	var invocations atomic.Int32
	h := newHarness(t, echoCapability(&invocations), nil)

	result, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("out:doc"), result)
	assert.Equal(t, int32(1), invocations.Load())

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.False(t, events[0].Cached)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, model.ProviderOpenAI, events[0].Provider)
}

func TestRunCacheHit(t *testing.T) {
	var invocations atomic.Int32
	h := newHarness(t, echoCapability(&invocations), nil)
	ctx := context.Background()

	first, err := h.runner.Run(ctx, testRequest("doc"))
	require.NoError(t, err)

	second, err := h.runner.Run(ctx, testRequest("doc"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), invocations.Load(), "second run must be served from cache")

	events := h.sink.all()
	require.Len(t, events, 2)
	assert.False(t, events[0].Cached)
	assert.True(t, events[1].Cached)
	assert.True(t, events[1].Success)

	// The cached run still records a completed ledger row, driven through
	// the running state like any other task.
	completed := 0
	for _, ev := range events {
		task, err := h.tasks.Get(ctx, ev.TaskID)
		require.NoError(t, err)
		if task.Status == model.TaskCompleted {
			completed++
		}
		assert.GreaterOrEqual(t, task.Attempts, 1,
			"no row may leave pending with zero attempts")
	}
	assert.Equal(t, 2, completed)
}

func TestRunDistinctInputsNotCached(t *testing.T) {
	var invocations atomic.Int32
	h := newHarness(t, echoCapability(&invocations), nil)
	ctx := context.Background()

	_, err := h.runner.Run(ctx, testRequest("doc-a"))
	require.NoError(t, err)
	_, err = h.runner.Run(ctx, testRequest("doc-b"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), invocations.Load())
}

func TestRunCoalescesConcurrentIdenticalWork(t *testing.T) {
	var invocations atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once

	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			startOnce.Do(func() { close(started) })
			<-release
			return []byte("shared"), nil
		},
	}
	h := newHarness(t, capability, nil)
	ctx := context.Background()

	type outcome struct {
		result []byte
		err    error
	}
	results := make(chan outcome, 2)
	go func() {
		r, err := h.runner.Run(ctx, testRequest("doc"))
		results <- outcome{r, err}
	}()
	<-started
	go func() {
		r, err := h.runner.Run(ctx, testRequest("doc"))
		results <- outcome{r, err}
	}()

	// Give the joiner time to park on the in-flight entry, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.Equal(t, []byte("shared"), out.result)
	}
	assert.Equal(t, int32(1), invocations.Load(), "exactly one execution per fingerprint")

	events := h.sink.all()
	require.Len(t, events, 2)
	cached := 0
	for _, ev := range events {
		if ev.Cached {
			cached++
		}
		task, err := h.tasks.Get(ctx, ev.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCompleted, task.Status)
		assert.GreaterOrEqual(t, task.Attempts, 1,
			"no row may leave pending with zero attempts")
	}
	assert.Equal(t, 1, cached, "the joiner reports a coalesced (cached) outcome")
}

func TestRunCoalescedFailurePropagates(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once

	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			startOnce.Do(func() { close(started) })
			<-release
			return nil, model.Errorf(model.KindInvalidInput, "malformed document")
		},
	}
	h := newHarness(t, capability, nil)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := h.runner.Run(ctx, testRequest("doc"))
		errs <- err
	}()
	<-started
	go func() {
		_, err := h.runner.Run(ctx, testRequest("doc"))
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
	}
}

func TestRunCoalescedFailureCarriesJoinerContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once

	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			startOnce.Do(func() { close(started) })
			<-release
			return nil, model.Errorf(model.KindInvalidInput, "malformed document")
		},
	}
	h := newHarness(t, capability, nil)
	ctx := context.Background()

	leaderErrs := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, testRequest("doc"))
		leaderErrs <- err
	}()
	<-started

	// Same input from another pipeline and stage coalesces onto the leader.
	joinerReq := Request{
		PipelineID: "p2",
		StageID:    "s2",
		UserID:     "u1",
		Kind:       model.AgentPaperProcessor,
		Input:      []byte("doc"),
	}
	joinerErrs := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, joinerReq)
		joinerErrs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	leaderErr := <-leaderErrs
	joinerErr := <-joinerErrs
	require.Error(t, leaderErr)
	require.Error(t, joinerErr)

	var leaderEngineErr, joinerEngineErr *model.EngineError
	require.ErrorAs(t, leaderErr, &leaderEngineErr)
	require.ErrorAs(t, joinerErr, &joinerEngineErr)

	// The joiner's error carries its own stage and task, not the leader's.
	assert.Equal(t, "s1", leaderEngineErr.StageID)
	assert.Equal(t, "s2", joinerEngineErr.StageID)
	assert.NotEqual(t, leaderEngineErr.TaskID, joinerEngineErr.TaskID)
	assert.Equal(t, model.KindInvalidInput, joinerEngineErr.Kind)

	var joinerTaskID string
	for _, ev := range h.sink.all() {
		if ev.PipelineID == "p2" {
			joinerTaskID = ev.TaskID
		}
	}
	assert.Equal(t, joinerTaskID, joinerEngineErr.TaskID)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			if invocations.Add(1) < 3 {
				return nil, model.Errorf(model.KindTransientProvider, "provider hiccup")
			}
			return []byte("ok"), nil
		},
	}
	h := newHarness(t, capability, nil)

	result, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, int32(3), invocations.Load())

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Attempts)

	task, err := h.tasks.Get(context.Background(), events[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 3, task.Attempts)
}

func TestRunNonRetriableShortCircuits(t *testing.T) {
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return nil, model.Errorf(model.KindInvalidInput, "malformed")
		},
	}
	h := newHarness(t, capability, nil)

	_, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
	assert.Equal(t, int32(1), invocations.Load())
}

func TestRunRetriablePredicateVetoes(t *testing.T) {
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:      model.AgentPaperProcessor,
		Provider:  model.ProviderOpenAI,
		Retriable: func(err error) bool { return false },
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return nil, model.Errorf(model.KindTransientProvider, "hiccup")
		},
	}
	h := newHarness(t, capability, nil)

	_, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.Error(t, err)
	assert.Equal(t, int32(1), invocations.Load(), "predicate veto must stop retries")
}

func TestRunBreakerOpenSkipsAgent(t *testing.T) {
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return nil, model.Errorf(model.KindInvalidInput, "broken")
		},
	}
	h := newHarness(t, capability, func(o *Options) {
		o.Breaker = breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute}, nil)
	})
	ctx := context.Background()

	_, err := h.runner.Run(ctx, testRequest("doc-a"))
	require.Error(t, err)
	require.Equal(t, int32(1), invocations.Load())

	// Breaker tripped; the next call fails fast without touching the agent.
	_, err = h.runner.Run(ctx, testRequest("doc-b"))
	require.Error(t, err)
	assert.Equal(t, model.KindBreakerOpen, model.KindOf(err))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(1), invocations.Load())

	events := h.sink.all()
	require.Len(t, events, 2)
	task, err := h.tasks.Get(ctx, events[1].TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestRunCancellation(t *testing.T) {
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, capability, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, testRequest("doc"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not return")
	}
	require.Error(t, err)
	assert.Equal(t, model.KindCancelled, model.KindOf(err))

	events := h.sink.all()
	require.Len(t, events, 1)
	task, getErr := h.tasks.Get(context.Background(), events[0].TaskID)
	require.NoError(t, getErr)
	assert.Equal(t, model.TaskCancelled, task.Status)
}

func TestRunAttemptTimeout(t *testing.T) {
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, capability, func(o *Options) {
		o.Timeouts = map[model.AgentKind]time.Duration{
			model.AgentPaperProcessor: 20 * time.Millisecond,
		}
		o.DefaultPolicy = retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 2}
	})

	_, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))

	events := h.sink.all()
	require.Len(t, events, 1)
	task, getErr := h.tasks.Get(context.Background(), events[0].TaskID)
	require.NoError(t, getErr)
	assert.Equal(t, model.TaskTimedOut, task.Status)
}

func TestRunUnknownKind(t *testing.T) {
	var invocations atomic.Int32
	h := newHarness(t, echoCapability(&invocations), nil)

	req := testRequest("doc")
	req.Kind = model.AgentResearch
	_, err := h.runner.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestRunResultCachedWithTTL(t *testing.T) {
	var invocations atomic.Int32
	h := newHarness(t, echoCapability(&invocations), func(o *Options) {
		o.ResultTTL = 30 * time.Millisecond
	})
	ctx := context.Background()

	_, err := h.runner.Run(ctx, testRequest("doc"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = h.runner.Run(ctx, testRequest("doc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), invocations.Load(), "expired cache entry must recompute")
}

func TestRunnerOptionValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires")
}

func TestRunRateLimitedFailureClassification(t *testing.T) {
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return nil, model.Errorf(model.KindRateLimitedExternal, "429 from provider")
		},
	}
	h := newHarness(t, capability, func(o *Options) {
		o.DefaultPolicy = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	})

	start := time.Now()
	_, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimitedExternal, model.KindOf(err))
	assert.Equal(t, int32(2), invocations.Load(), "rate-limited errors are retriable")
	// The penalty drains the provider window, so the second attempt waits
	// for the next fixed-window reset.
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestRunWrapsRawErrors(t *testing.T) {
	raw := errors.New("connection reset")
	var invocations atomic.Int32
	capability := &agent.Capability{
		Kind:     model.AgentPaperProcessor,
		Provider: model.ProviderOpenAI,
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			invocations.Add(1)
			return nil, raw
		},
	}
	h := newHarness(t, capability, nil)

	_, err := h.runner.Run(context.Background(), testRequest("doc"))
	require.Error(t, err)
	// Unclassified errors default to transient and burn all attempts.
	assert.Equal(t, int32(3), invocations.Load())

	var engineErr *model.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "s1", engineErr.StageID)
	assert.NotEmpty(t, engineErr.TaskID)
	assert.ErrorIs(t, err, raw)
}
