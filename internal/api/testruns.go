package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/service"
	"github.com/etf-validator/etfd/internal/testrun"
)

// StartTestRunRequest starts a test run of the executable test suites. The
// test object is referenced by its id, or defined inline by its resources.
// An inline test object keeps its id, if given.
type StartTestRunRequest struct {
	Label                  string            `json:"label"`
	ExecutableTestSuiteIDs []string          `json:"executableTestSuiteIds"`
	Arguments              map[string]string `json:"arguments,omitempty"`
	TestObject             TestObject        `json:"testObject"`
}

type TestObject struct {
	ID         string            `json:"id,omitempty"`
	Label      string            `json:"label,omitempty"`
	Resources  map[string]string `json:"resources,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (req StartTestRunRequest) definition() service.Definition {
	def := service.Definition{Label: req.Label}
	for _, suite := range req.ExecutableTestSuiteIDs {
		def.Tasks = append(def.Tasks, testrun.Task{
			SuiteID:   suite,
			Arguments: req.Arguments,
		})
	}
	if len(req.TestObject.Resources) > 0 {
		def.TestObject = &testrun.TestObject{
			ID:         req.TestObject.ID,
			Label:      req.TestObject.Label,
			Resources:  req.TestObject.Resources,
			Properties: req.TestObject.Properties,
		}
	} else {
		def.TestObjectID = req.TestObject.ID
	}
	return def
}

type CreatedResponse struct {
	ID string `json:"id"`
}

// Progress is the progress of a test run. Numbers are encoded as strings.
type Progress struct {
	Val   int      `json:"val,string"`
	Max   int      `json:"max,string"`
	Log   []string `json:"log"`
	State string   `json:"state,omitempty"`
}

type TestRunSummary struct {
	ID                    string  `json:"id"`
	Label                 string  `json:"label"`
	TestTaskCount         int     `json:"testTaskCount"`
	StartTimestamp        int64   `json:"startTimestamp,omitempty"` // unix millis
	PercentStepsCompleted float64 `json:"percentStepsCompleted"`
	State                 string  `json:"state"`
}

func (a *API) startTestRun(w http.ResponseWriter, r *http.Request) {
	var req StartTestRunRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := a.svc.SubmitJob(r.Context(), req.definition())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", BasePath+"/TestRuns/"+id)
	writeJSON(w, r, http.StatusCreated, CreatedResponse{ID: id})
}

func (a *API) testRunProgress(w http.ResponseWriter, r *http.Request) {
	cursor := 0
	if pos := r.URL.Query().Get("pos"); pos != "" {
		n, err := strconv.Atoi(pos)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid pos %q", model.ErrValidation, pos))
			return
		}
		cursor = max(n, 0)
	}

	view, err := a.svc.GetProgress(r.Context(), chi.URLParam(r, "id"), cursor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := Progress{
		Val: view.Completed,
		Max: view.Max,
		Log: view.Messages,
	}
	if p.Log == nil {
		p.Log = []string{}
	}
	if !view.AlreadyCompleted {
		p.State = view.State.String()
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (a *API) listTestRuns(w http.ResponseWriter, r *http.Request) {
	if view := r.URL.Query().Get("view"); view != "progress" {
		writeError(w, r, fmt.Errorf("%w: unsupported view %q", model.ErrValidation, view))
		return
	}
	sums := a.svc.ListActiveSummaries()
	ret := make([]TestRunSummary, 0, len(sums))
	for _, s := range sums {
		sum := TestRunSummary{
			ID:                    s.ID,
			Label:                 s.Label,
			TestTaskCount:         s.TaskCount,
			PercentStepsCompleted: s.Percent,
			State:                 s.State.String(),
		}
		if !s.Started.IsZero() {
			sum.StartTimestamp = s.Started.UnixMilli()
		}
		ret = append(ret, sum)
	}
	writeJSON(w, r, http.StatusOK, ret)
}

func (a *API) testRunExists(w http.ResponseWriter, r *http.Request) {
	ok, err := a.svc.Exists(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		writeError(w, r, err)
	case ok:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *API) deleteTestRun(w http.ResponseWriter, r *http.Request) {
	action, err := a.svc.CancelOrDelete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("action", string(action))
	w.WriteHeader(http.StatusNoContent)
}
