package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/store"
	"github.com/stretchr/testify/require"
)

func initDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "etfd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTestObjects(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	obj := store.TestObject{
		UUID:      "EIDobject",
		Label:     "WFS service",
		Resources: map[string]string{"serviceEndpoint": "https://example.com/wfs"},
	}
	require.NoError(t, store.AddTestObject(ctx, db, obj))
	require.ErrorIs(t, store.AddTestObject(ctx, db, obj), store.ErrAlreadyExists)

	found, err := store.TestObjectExists(ctx, db, obj.UUID)
	require.NoError(t, err)
	require.True(t, found)

	row, err := store.GetTestObject(ctx, db, obj.UUID)
	require.NoError(t, err)
	require.Equal(t, obj.Label, row.Label)
	require.Equal(t, obj.Resources, row.Resources)
	require.Empty(t, row.Properties)
	require.NotZero(t, row.ID)
	require.False(t, row.Created.IsZero())

	require.NoError(t, store.DeleteTestObject(ctx, db, obj.UUID))
	require.ErrorIs(t, store.DeleteTestObject(ctx, db, obj.UUID), store.ErrNotFound)
	_, err = store.GetTestObject(ctx, db, obj.UUID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, err, model.ErrNotFound)

	found, err = store.TestObjectExists(ctx, db, obj.UUID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRuns(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	run := store.Run{
		UUID:       "EIDrun",
		Label:      "run 1",
		ObjectUUID: "EIDobject",
		Tasks:      2,
		State:      "CREATED",
	}
	require.NoError(t, store.AddRun(ctx, db, run))
	require.ErrorIs(t, store.AddRun(ctx, db, run), store.ErrAlreadyExists)

	row, err := store.GetRun(ctx, db, run.UUID)
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Equal(t, "CREATED", row.State)
	require.Equal(t, 2, row.Tasks)
	require.Nil(t, row.Finished)
	require.Nil(t, row.FailureReason)

	_, err = store.GetRun(ctx, db, "EIDmissing")
	require.ErrorIs(t, err, store.ErrNotFound)

	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	finished := started.Add(time.Minute)
	reason := "task t1: boom"
	finish := store.Finish{
		State:         "FAILED",
		Completed:     3,
		Max:           10,
		Started:       started,
		Finished:      finished,
		FailureReason: &reason,
	}
	require.NoError(t, store.FinishRun(ctx, db, run.UUID, finish))
	require.ErrorIs(t, store.FinishRun(ctx, db, run.UUID, finish), store.ErrAlreadyFinished)
	require.ErrorIs(t, store.FinishRun(ctx, db, "EIDmissing", finish), store.ErrNotFound)

	row, err = store.GetRun(ctx, db, run.UUID)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.Equal(t, "FAILED", row.State)
	require.Equal(t, 3, row.Completed)
	require.Equal(t, 10, row.Max)
	require.NotNil(t, row.Started)
	require.True(t, started.Equal(*row.Started))
	require.NotNil(t, row.Finished)
	require.True(t, finished.Equal(*row.Finished))
	require.Equal(t, &reason, row.FailureReason)
	require.Contains(t, row.String(), `failure_reason: "task t1: boom"`)

	found, err := store.RunExists(ctx, db, run.UUID)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.DeleteRun(ctx, db, run.UUID))
	require.ErrorIs(t, store.DeleteRun(ctx, db, run.UUID), store.ErrNotFound)
	found, err = store.RunExists(ctx, db, run.UUID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInitDB_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "etfd.db")
	db, err := store.InitDB(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, store.AddRun(t.Context(), db, store.Run{UUID: "EID1", State: "CREATED"}))
	require.NoError(t, db.Close())

	db, err = store.InitDB(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	found, err := store.RunExists(t.Context(), db, "EID1")
	require.NoError(t, err)
	require.True(t, found)
}
