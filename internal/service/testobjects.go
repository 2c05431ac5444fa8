package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/store"
	"github.com/etf-validator/etfd/internal/testrun"
	"github.com/etf-validator/etfd/internal/transient"
)

// StageTestObject creates a transient test object. It becomes durable once
// a test run uses it, or expires after the transient TTL.
func (s *Service) StageTestObject(ctx context.Context, obj testrun.TestObject) (string, error) {
	if obj.Label == "" {
		return "", fmt.Errorf("%w: label is required", model.ErrValidation)
	}
	obj = cloneObject(obj)
	obj.ID = testrun.NewID()
	s.staged.Put(obj.ID, obj)
	slog.DebugContext(ctx, "test object staged", "test_object_id", obj.ID, "ttl", s.staged.TTL().String())
	return obj.ID, nil
}

// TestObject returns a durable test object. Transient test objects fail with
// model.ErrNotDurable.
func (s *Service) TestObject(ctx context.Context, id string) (testrun.TestObject, error) {
	if s.staged.Contains(id) {
		return testrun.TestObject{}, fmt.Errorf("test object %s: %w", id, transient.ErrNotDurable)
	}
	row, err := store.GetTestObject(ctx, s.db, id)
	if err != nil {
		return testrun.TestObject{}, fmt.Errorf("test object %s: %w", id, err)
	}
	return fromRecord(row.TestObject), nil
}

// WriteTestObjectJSON streams a durable test object to w.
func (s *Service) WriteTestObjectJSON(ctx context.Context, w io.Writer, id string) error {
	if s.staged.Contains(id) {
		return s.staged.Stream(w, id)
	}
	obj, err := s.TestObject(ctx, id)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(obj)
}

// TestObjectExists reports whether a durable test object exists, transient
// ones are not reported.
func (s *Service) TestObjectExists(ctx context.Context, id string) (bool, error) {
	return store.TestObjectExists(ctx, s.db, id)
}

// IsStaged reports whether id is a transient test object.
func (s *Service) IsStaged(id string) bool {
	return s.staged.Contains(id)
}

// DeleteTestObject deletes a transient or a durable test object. An object
// used by an active run fails with *guard.ConflictError.
func (s *Service) DeleteTestObject(ctx context.Context, id string) error {
	if s.staged.Delete(id) {
		return nil
	}
	return s.guard.Free(id, func() error {
		err := store.DeleteTestObject(ctx, s.db, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("test object %s: %w", id, err)
		}
		return err
	})
}

func cloneObject(obj testrun.TestObject) testrun.TestObject {
	obj.Resources = maps.Clone(obj.Resources)
	obj.Properties = maps.Clone(obj.Properties)
	return obj
}

func toRecord(obj testrun.TestObject) store.TestObject {
	return store.TestObject{
		UUID:       obj.ID,
		Label:      obj.Label,
		Resources:  obj.Resources,
		Properties: obj.Properties,
	}
}

func fromRecord(rec store.TestObject) testrun.TestObject {
	return testrun.TestObject{
		ID:         rec.UUID,
		Label:      rec.Label,
		Resources:  rec.Resources,
		Properties: rec.Properties,
	}
}
