// Package api exposes the test run service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/etf-validator/etfd/internal/guard"
	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/service"
	"github.com/etf-validator/etfd/internal/testrun"
)

const (
	BasePath = "/v2"

	maxBodySize = 1 << 20
)

// Service is the part of *service.Service used by the handlers.
type Service interface {
	SubmitJob(ctx context.Context, def service.Definition) (string, error)
	GetProgress(ctx context.Context, id string, cursor int) (service.ProgressView, error)
	CancelOrDelete(ctx context.Context, id string) (service.Action, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListActiveSummaries() []service.Summary

	StageTestObject(ctx context.Context, obj testrun.TestObject) (string, error)
	WriteTestObjectJSON(ctx context.Context, w io.Writer, id string) error
	TestObjectExists(ctx context.Context, id string) (bool, error)
	DeleteTestObject(ctx context.Context, id string) error
}

type API struct {
	svc Service
}

func New(svc Service) *API {
	return &API{svc: svc}
}

// Handler returns the router with all routes under BasePath.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route(BasePath, func(r chi.Router) {
		r.Route("/TestRuns", func(r chi.Router) {
			r.Get("/", a.listTestRuns)
			r.Post("/", a.startTestRun)
			r.Head("/{id}", a.testRunExists)
			r.Delete("/{id}", a.deleteTestRun)
			r.Get("/{id}/progress", a.testRunProgress)
		})
		r.Route("/TestObjects", func(r chi.Router) {
			r.Post("/", a.createTestObject)
			r.Get("/{id}", a.getTestObject)
			r.Head("/{id}", a.testObjectExists)
			r.Delete("/{id}", a.deleteTestObject)
		})
	})
	return r
}

// Error is the body of all error responses.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeTemporaryTestObject = "temporary_test_object"
	CodeTestObjectInUse     = "test_object_in_use"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeUnavailable         = "service_unavailable"
	CodeInternal            = "internal_error"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	var conflict *guard.ConflictError
	switch {
	case errors.As(err, &conflict):
		status, code = http.StatusConflict, CodeTestObjectInUse
	case errors.Is(err, model.ErrValidation):
		status, code = http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, model.ErrNotDurable):
		status, code = http.StatusNotFound, CodeTemporaryTestObject
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, model.ErrCapacity):
		status, code = http.StatusServiceUnavailable, CodeCapacityExceeded
		w.Header().Set("Retry-After", "5")
	case errors.Is(err, model.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, CodeUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, r, status, Error{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(r.Context(), "writing response failed", "error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
