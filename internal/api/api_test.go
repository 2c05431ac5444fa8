package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/etf-validator/etfd/internal/api"
	"github.com/etf-validator/etfd/internal/driver"
	"github.com/etf-validator/etfd/internal/report"
	"github.com/etf-validator/etfd/internal/service"
	"github.com/etf-validator/etfd/internal/store"
	"github.com/etf-validator/etfd/internal/testrun"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// blocking never finishes a step unless canceled
var blocking = driver.Simulated{Steps: 1, Interval: time.Hour}

func start(t *testing.T, cfg service.Config) (*service.Service, http.Handler, func()) {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "etfd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg.TerminalPause = time.Millisecond
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.Uploaders = []report.Uploader{report.NewWriteUploader(&bytes.Buffer{})}
	s, err := service.New(t.Context(), db, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := s.Do(ctx)
		require.NoError(t, err)
	})
	stop := sync.OnceFunc(func() {
		cancel()
		wg.Wait()
	})
	t.Cleanup(stop)
	return s, api.New(s).Handler(), stop
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, path, nil)
	case string:
		r = httptest.NewRequest(method, path, strings.NewReader(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(raw))
	}
	r = r.WithContext(t.Context())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) api.Error {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	e := decode[api.Error](t, w)
	require.Equal(t, code, e.Code)
	return e
}

func startRequest(label, objectID string) api.StartTestRunRequest {
	return api.StartTestRunRequest{
		Label:                  label,
		ExecutableTestSuiteIDs: []string{"EIDsuite"},
		TestObject:             api.TestObject{ID: objectID},
	}
}

func inlineRequest(label string) api.StartTestRunRequest {
	return api.StartTestRunRequest{
		Label:                  label,
		ExecutableTestSuiteIDs: []string{"EIDsuite"},
		Arguments:              map[string]string{"level": "strict"},
		TestObject: api.TestObject{
			Label:     label,
			Resources: map[string]string{"serviceEndpoint": "https://example.com/wfs"},
		},
	}
}

func TestTestRuns(t *testing.T) {
	t.Parallel()
	_, h, _ := start(t, service.Config{PoolSize: 2, Driver: blocking})

	w := do(t, h, http.MethodPost, "/v2/TestObjects", api.TestObject{
		Label:     "WFS service",
		Resources: map[string]string{"serviceEndpoint": "https://example.com/wfs"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	objectID := decode[api.CreatedResponse](t, w).ID

	w = do(t, h, http.MethodPost, "/v2/TestRuns", startRequest("run A", objectID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	runID := decode[api.CreatedResponse](t, w).ID
	require.Equal(t, "/v2/TestRuns/"+runID, w.Header().Get("Location"))

	w = do(t, h, http.MethodPost, "/v2/TestRuns", startRequest("run B", objectID))
	e := requireError(t, w, http.StatusConflict, api.CodeTestObjectInUse)
	require.Contains(t, e.Message, "WFS service")

	w = do(t, h, http.MethodGet, "/v2/TestRuns?view=progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sums := decode[[]api.TestRunSummary](t, w)
	require.Len(t, sums, 1)
	require.Equal(t, runID, sums[0].ID)
	require.Equal(t, "run A", sums[0].Label)
	require.Equal(t, 1, sums[0].TestTaskCount)

	w = do(t, h, http.MethodGet, "/v2/TestRuns", nil)
	requireError(t, w, http.StatusBadRequest, api.CodeInvalidRequest)

	w = do(t, h, http.MethodHead, "/v2/TestRuns/"+runID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodHead, "/v2/TestRuns/EIDunknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress?pos=abc", nil)
	requireError(t, w, http.StatusBadRequest, api.CodeInvalidRequest)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress?pos=-3", nil)
		return w.Code == http.StatusOK && decode[api.Progress](t, w).State == testrun.Running.String()
	}, waitFor, tick)
	w = do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"val":"0"`)
	require.Contains(t, w.Body.String(), `"max":"1"`)
	p := decode[api.Progress](t, w)
	require.Equal(t, []string{testrun.MsgStarted}, p.Log)

	w = do(t, h, http.MethodDelete, "/v2/TestRuns/"+runID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "canceled", w.Header().Get("action"))

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress?pos=1", nil)
		if w.Code != http.StatusOK {
			return false
		}
		p = decode[api.Progress](t, w)
		return p.State == testrun.Canceled.String()
	}, waitFor, tick)
	require.Equal(t, []string{testrun.MsgTerminated}, p.Log)
	require.Equal(t, 1, p.Max)

	w = do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress", nil)
	requireError(t, w, http.StatusNotFound, api.CodeNotFound)
	w = do(t, h, http.MethodDelete, "/v2/TestRuns/"+runID, nil)
	requireError(t, w, http.StatusNotFound, api.CodeNotFound)

	// the test object is free again
	w = do(t, h, http.MethodPost, "/v2/TestRuns", startRequest("run B", objectID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestTestRuns_Completed(t *testing.T) {
	t.Parallel()
	_, h, _ := start(t, service.Config{Driver: driver.Simulated{Steps: 2}})

	w := do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("fast"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	runID := decode[api.CreatedResponse](t, w).ID

	var p api.Progress
	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress", nil)
		p = decode[api.Progress](t, w)
		return p.State == testrun.Completed.String()
	}, waitFor, tick)
	require.Equal(t, 2, p.Val)
	require.Equal(t, 2, p.Max)
	require.Empty(t, p.Log)

	// a new submission removes finished runs
	w = do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("second"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/v2/TestRuns/"+runID+"/progress", nil)
		p = decode[api.Progress](t, w)
		return w.Code == http.StatusOK && p.State == "" && p.Val == 2
	}, waitFor, tick)
	require.Equal(t, []string{service.MsgAlreadyCompleted}, p.Log)

	w = do(t, h, http.MethodDelete, "/v2/TestRuns/"+runID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "deleted", w.Header().Get("action"))
	w = do(t, h, http.MethodHead, "/v2/TestRuns/"+runID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTestRun_Fail(t *testing.T) {
	t.Parallel()
	s, h, _ := start(t, service.Config{PoolSize: 1, QueueLen: 1, Driver: blocking})

	var testCases = []struct {
		scenario string
		given    any
		then     int
		code     string
	}{
		{
			scenario: "malformed json",
			given:    `{"label": `,
			then:     http.StatusBadRequest,
			code:     api.CodeInvalidRequest,
		},
		{
			scenario: "no suites",
			given:    api.StartTestRunRequest{Label: "x", TestObject: api.TestObject{ID: "EIDx"}},
			then:     http.StatusBadRequest,
			code:     api.CodeInvalidRequest,
		},
		{
			scenario: "unknown test object",
			given:    startRequest("x", "EIDunknown"),
			then:     http.StatusNotFound,
			code:     api.CodeNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v2/TestRuns", tc.given)
			requireError(t, w, tc.then, tc.code)
		})
	}

	t.Run("capacity", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("running"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.Eventually(t, func() bool { return s.Running() == 1 }, waitFor, tick)
		w = do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("queued"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("rejected"))
		requireError(t, w, http.StatusServiceUnavailable, api.CodeCapacityExceeded)
		require.NotEmpty(t, w.Header().Get("Retry-After"))
	})
}

func TestTestObjects(t *testing.T) {
	t.Parallel()
	_, h, _ := start(t, service.Config{Driver: driver.Simulated{Steps: 1}})

	w := do(t, h, http.MethodPost, "/v2/TestObjects", `[]`)
	requireError(t, w, http.StatusBadRequest, api.CodeInvalidRequest)
	w = do(t, h, http.MethodPost, "/v2/TestObjects", api.TestObject{})
	requireError(t, w, http.StatusBadRequest, api.CodeInvalidRequest)

	w = do(t, h, http.MethodPost, "/v2/TestObjects", api.TestObject{Label: "staged"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[api.CreatedResponse](t, w).ID

	w = do(t, h, http.MethodGet, "/v2/TestObjects/"+id, nil)
	requireError(t, w, http.StatusNotFound, api.CodeTemporaryTestObject)
	w = do(t, h, http.MethodHead, "/v2/TestObjects/"+id, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v2/TestRuns", startRequest("promote", id))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v2/TestObjects/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	obj := decode[testrun.TestObject](t, w)
	require.Equal(t, id, obj.ID)
	require.Equal(t, "staged", obj.Label)
	w = do(t, h, http.MethodHead, "/v2/TestObjects/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodDelete, "/v2/TestObjects/"+id, nil)
		return w.Code == http.StatusNoContent
	}, waitFor, tick)
	w = do(t, h, http.MethodGet, "/v2/TestObjects/"+id, nil)
	requireError(t, w, http.StatusNotFound, api.CodeNotFound)
	w = do(t, h, http.MethodDelete, "/v2/TestObjects/"+id, nil)
	requireError(t, w, http.StatusNotFound, api.CodeNotFound)
}

func TestStartTestRun_Inline(t *testing.T) {
	t.Parallel()
	_, h, _ := start(t, service.Config{PoolSize: 2, Driver: blocking})

	req := inlineRequest("with id")
	req.TestObject.ID = "EIDinline"
	w := do(t, h, http.MethodPost, "/v2/TestRuns", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[api.CreatedResponse](t, w).ID

	w = do(t, h, http.MethodGet, "/v2/TestObjects/EIDinline", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "with id", decode[api.TestObject](t, w).Label)

	w = do(t, h, http.MethodDelete, "/v2/TestRuns/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// the id is taken by a durable test object now, 409 until the run ends
	require.Eventually(t, func() bool {
		w = do(t, h, http.MethodPost, "/v2/TestRuns", req)
		return w.Code != http.StatusConflict
	}, waitFor, tick)
	requireError(t, w, http.StatusBadRequest, api.CodeInvalidRequest)
}

func TestStartTestRun_Stopped(t *testing.T) {
	t.Parallel()
	_, h, stop := start(t, service.Config{PoolSize: 1, Driver: blocking})
	stop()

	w := do(t, h, http.MethodPost, "/v2/TestRuns", inlineRequest("late"))
	requireError(t, w, http.StatusServiceUnavailable, api.CodeUnavailable)
}
