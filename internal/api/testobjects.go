package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/testrun"
)

// createTestObject stages a temporary test object, which becomes permanent
// once a test run uses it.
func (a *API) createTestObject(w http.ResponseWriter, r *http.Request) {
	var req TestObject
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := a.svc.StageTestObject(r.Context(), testrun.TestObject{
		Label:      req.Label,
		Resources:  req.Resources,
		Properties: req.Properties,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, CreatedResponse{ID: id})
}

func (a *API) getTestObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var buf bytes.Buffer
	if err := a.svc.WriteTestObjectJSON(r.Context(), &buf, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := buf.WriteTo(w); err != nil {
		slog.DebugContext(r.Context(), "writing response failed", "error", err)
	}
}

// testObjectExists answers 404 for temporary test objects.
func (a *API) testObjectExists(w http.ResponseWriter, r *http.Request) {
	ok, err := a.svc.TestObjectExists(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		writeError(w, r, err)
	case ok:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *API) deleteTestObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, r, fmt.Errorf("%w: missing id", model.ErrValidation))
		return
	}
	if err := a.svc.DeleteTestObject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
