package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
)

// fakeRuns is an in-memory Runs with injectable errors.
type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]scheduler.Run
	submitted []scheduler.RunConfig
	resumed   []orchestrator.ApprovalResponse
	cancelled []string
	submitErr error
	resumeErr error
	listPage  [2]int
}

func newFakeRuns(runs ...scheduler.Run) *fakeRuns {
	f := &fakeRuns{runs: make(map[string]scheduler.Run)}
	for _, r := range runs {
		f.runs[r.ID] = r
	}
	return f
}

func (f *fakeRuns) Submit(_ context.Context, caller string, rc scheduler.RunConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, rc)
	f.runs["new-run"] = scheduler.Run{ID: "new-run", CallerID: caller, Status: scheduler.StatusQueued}
	return "new-run", nil
}

func (f *fakeRuns) Status(_ context.Context, id string) (scheduler.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return scheduler.Run{}, scheduler.ErrNotFound
	}
	return r, nil
}

func (f *fakeRuns) List(_ context.Context, caller string, page, size int) ([]scheduler.Run, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPage = [2]int{page, size}
	var out []scheduler.Run
	for _, r := range f.runs {
		if r.CallerID == caller {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (f *fakeRuns) Approval(_ context.Context, id string) (*orchestrator.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	if r.Approval == nil {
		return nil, orchestrator.ErrNotSuspended
	}
	return r.Approval, nil
}

func (f *fakeRuns) Resume(_ context.Context, _ string, resp orchestrator.ApprovalResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, resp)
	return nil
}

func (f *fakeRuns) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func testKeys(t *testing.T) *Keys {
	t.Helper()
	keys, err := ParseKeys("alice:key-a,bob:key-b")
	require.NoError(t, err)
	return keys
}

func setupTestServer(t *testing.T, runs Runs, opts ...Option) *Server {
	t.Helper()
	server, err := NewServer(runs, testKeys(t), zap.NewNop(), nil, opts...)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func suspendedRun() scheduler.Run {
	return scheduler.Run{
		ID:       "run-1",
		CallerID: "alice",
		Status:   scheduler.StatusSuspended,
		Approval: &orchestrator.ApprovalRequest{RunID: "run-1", Round: 1, Progress: "round 1 of 3"},
	}
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t, newFakeRuns())
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newFakeRuns(), testKeys(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when runs is nil", func(t *testing.T) {
		_, err := NewServer(nil, testKeys(t), zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runs cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, setupTestServer(t, newFakeRuns()), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	scheduler.NewMetrics(reg).QueueDepth.Set(4)
	rec := do(t, setupTestServer(t, newFakeRuns(), WithGatherer(reg)), http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "itemforge_queue_depth 4")
}

func TestAuth(t *testing.T) {
	server := setupTestServer(t, newFakeRuns(suspendedRun()))

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing key", key: "", want: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", want: http.StatusUnauthorized},
		{name: "dev key is not accepted when keys are configured", key: DevAPIKey, want: http.StatusUnauthorized},
		{name: "owner", key: "key-a", want: http.StatusOK},
		{name: "other caller sees not found", key: "key-b", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodGet, "/api/v1/runs/run-1", tt.key, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys("")
	require.NoError(t, err)
	assert.True(t, keys.Dev())
	caller, ok := keys.Caller(DevAPIKey)
	assert.True(t, ok)
	assert.Equal(t, DevCaller, caller)

	keys, err = ParseKeys(" alice : key-a , bob:key-b ")
	require.NoError(t, err)
	assert.False(t, keys.Dev())
	caller, ok = keys.Caller("key-b")
	assert.True(t, ok)
	assert.Equal(t, "bob", caller)

	_, err = ParseKeys("alice")
	assert.Error(t, err)
	_, err = ParseKeys("alice:k,bob:k")
	assert.Error(t, err)
}

func TestHandleSubmit(t *testing.T) {
	t.Run("accepts a preset", func(t *testing.T) {
		runs := newFakeRuns()
		rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs", "key-a",
			map[string]interface{}{"preset": "aaaw", "mode": "auto", "max_revisions": 2})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "new-run", resp.RunID)
		assert.Equal(t, scheduler.StatusQueued, resp.Status)

		require.Len(t, runs.submitted, 1)
		rc := runs.submitted[0]
		assert.Equal(t, "aaaw", rc.Preset)
		assert.Equal(t, orchestrator.ModeAuto, rc.Mode)
		require.NotNil(t, rc.MaxRevisions)
		assert.Equal(t, 2, *rc.MaxRevisions)
	})

	t.Run("accepts a custom construct", func(t *testing.T) {
		runs := newFakeRuns()
		rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs", "key-a", map[string]interface{}{
			"construct": map[string]interface{}{"name": "Grit", "definition": "Perseverance for long-term goals."},
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.NotNil(t, runs.submitted[0].Construct)
		assert.Equal(t, "Grit", runs.submitted[0].Construct.Name)
	})

	invalid := []struct {
		name string
		body interface{}
	}{
		{name: "empty body", body: map[string]interface{}{}},
		{name: "preset and construct", body: map[string]interface{}{
			"preset":    "aaaw",
			"construct": map[string]interface{}{"name": "Grit", "definition": "x"},
		}},
		{name: "construct without definition", body: map[string]interface{}{
			"construct": map[string]interface{}{"name": "Grit"},
		}},
		{name: "unknown mode", body: map[string]interface{}{"preset": "aaaw", "mode": "robot"}},
		{name: "negative revisions", body: map[string]interface{}{"preset": "aaaw", "max_revisions": -1}},
		{name: "too many items", body: map[string]interface{}{"preset": "aaaw", "num_items": 500}},
	}
	for _, tt := range invalid {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			runs := newFakeRuns()
			rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs", "key-a", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, runs.submitted)
		})
	}
}

func TestHandleSubmit_AdmissionErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		retryAfter string
	}{
		{
			name:       "minute limit",
			err:        &scheduler.AdmissionRejected{CallerID: "alice", Reason: scheduler.ReasonMinute, RetryAfter: 1500 * time.Millisecond},
			want:       http.StatusTooManyRequests,
			retryAfter: "2",
		},
		{
			name: "daily limit",
			err:  &scheduler.AdmissionRejected{CallerID: "alice", Reason: scheduler.ReasonDaily},
			want: http.StatusTooManyRequests,
		},
		{
			name: "concurrency",
			err:  &scheduler.AdmissionRejected{CallerID: "alice", Reason: scheduler.ReasonConcurrency},
			want: http.StatusConflict,
		},
		{
			name: "capacity",
			err:  &scheduler.AdmissionRejected{CallerID: "alice", Reason: scheduler.ReasonCapacity},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "invalid run",
			err:  scheduler.ErrInvalidRun,
			want: http.StatusBadRequest,
		},
		{
			name: "shutting down",
			err:  scheduler.ErrClosed,
			want: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := newFakeRuns()
			runs.submitErr = tt.err
			rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs", "key-a",
				map[string]interface{}{"preset": "aaaw"})
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestHandleList(t *testing.T) {
	runs := newFakeRuns(
		scheduler.Run{ID: "a1", CallerID: "alice"},
		scheduler.Run{ID: "a2", CallerID: "alice"},
		scheduler.Run{ID: "b1", CallerID: "bob"},
	)
	server := setupTestServer(t, runs)

	rec := do(t, server, http.MethodGet, "/api/v1/runs?page=2&page_size=500", "key-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Runs, 2)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 100, resp.PageSize, "page size is capped")
	assert.Equal(t, [2]int{2, 100}, runs.listPage)

	rec = do(t, server, http.MethodGet, "/api/v1/runs?page=0", "key-a", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApproval(t *testing.T) {
	runs := newFakeRuns(suspendedRun(), scheduler.Run{ID: "run-2", CallerID: "alice", Status: scheduler.StatusRunning})
	server := setupTestServer(t, runs)

	rec := do(t, server, http.MethodGet, "/api/v1/runs/run-1/approval", "key-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req orchestrator.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, "round 1 of 3", req.Progress)

	rec = do(t, server, http.MethodGet, "/api/v1/runs/run-2/approval", "key-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleFeedback(t *testing.T) {
	t.Run("resumes a suspended run", func(t *testing.T) {
		runs := newFakeRuns(suspendedRun())
		rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs/run-1/feedback", "key-a",
			map[string]interface{}{"approve": false, "decisions": map[string]string{"1": "keep", "2": "Revise"}, "note": "Item 2 is vague."})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		require.Len(t, runs.resumed, 1)
		resp := runs.resumed[0]
		assert.False(t, resp.Approve)
		assert.Equal(t, map[int]string{1: "KEEP", 2: "REVISE"}, resp.Decisions)
		assert.Equal(t, "Item 2 is vague.", resp.Note)
	})

	t.Run("not suspended is a conflict", func(t *testing.T) {
		runs := newFakeRuns(suspendedRun())
		runs.resumeErr = orchestrator.ErrNotSuspended
		rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs/run-1/feedback", "key-a",
			map[string]interface{}{"approve": true})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid decision", func(t *testing.T) {
		runs := newFakeRuns(suspendedRun())
		rec := do(t, setupTestServer(t, runs), http.MethodPost, "/api/v1/runs/run-1/feedback", "key-a",
			map[string]interface{}{"decisions": map[string]string{"1": "maybe"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, runs.resumed)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := do(t, setupTestServer(t, newFakeRuns()), http.MethodPost, "/api/v1/runs/missing/feedback", "key-a",
			map[string]interface{}{"approve": true})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleCancel(t *testing.T) {
	runs := newFakeRuns(suspendedRun())
	server := setupTestServer(t, runs)

	rec := do(t, server, http.MethodDelete, "/api/v1/runs/run-1", "key-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, runs.cancelled)

	rec = do(t, server, http.MethodDelete, "/api/v1/runs/run-1", "key-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"run-1"}, runs.cancelled)
}

func TestHandleEvents(t *testing.T) {
	t.Run("disabled without a subscriber", func(t *testing.T) {
		rec := do(t, setupTestServer(t, newFakeRuns(suspendedRun())), http.MethodGet, "/api/v1/runs/run-1/events", "key-a", nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("finished run yields its final event", func(t *testing.T) {
		runs := newFakeRuns(scheduler.Run{ID: "done-1", CallerID: "alice", Status: scheduler.StatusDone, Outcome: orchestrator.OutcomeApproved})
		rec := do(t, setupTestServer(t, runs, WithSubscriber(events.NewHub())), http.MethodGet, "/api/v1/runs/done-1/events", "key-a", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
		assert.Contains(t, rec.Body.String(), "event: completed\n")
		assert.Contains(t, rec.Body.String(), `"outcome":"approved"`)
	})

	t.Run("streams until a terminal event", func(t *testing.T) {
		hub := events.NewHub()
		runs := newFakeRuns(scheduler.Run{ID: "run-1", CallerID: "alice", Status: scheduler.StatusRunning})
		ts := httptest.NewServer(setupTestServer(t, runs, WithSubscriber(hub), WithHeartbeat(10*time.Millisecond)).Handler())
		defer ts.Close()

		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/runs/run-1/events", nil)
		require.NoError(t, err)
		req.Header.Set(HeaderAPIKey, "key-a")
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		go func() {
			// Publish until the stream has subscribed and seen them.
			for _, typ := range []events.Type{events.Phase, events.Completed} {
				assert.Eventually(t, func() bool {
					hub.mu.RLock()
					defer hub.mu.RUnlock()
					return len(hub.subs["run-1"]) > 0
				}, 2*time.Second, 5*time.Millisecond)
				_ = hub.Publish(context.Background(), events.Event{Type: typ, RunID: "run-1", CallerID: "alice", Phase: "review"})
			}
		}()

		var seen []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				seen = append(seen, name)
			}
		}
		assert.Equal(t, []string{"phase", "completed"}, seen, "stream closes after the terminal event")
	})
}
