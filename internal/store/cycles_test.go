package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/stretchr/testify/require"
)

func TestStartCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		setup   func(*sql.DB)
		uuid    string
		wantErr error
	}{
		{
			name:  "new cycle",
			setup: func(db *sql.DB) {},
			uuid:  "test-uuid-1",
		},
		{
			name: "cycle already in progress",
			setup: func(db *sql.DB) {
				err := store.StartCycle(context.Background(), db, "test-uuid-2")
				require.NoError(t, err)
			},
			uuid: "test-uuid-2",
		},
		{
			name: "cycle already finished",
			setup: func(db *sql.DB) {
				err := store.StartCycle(context.Background(), db, "test-uuid-3")
				require.NoError(t, err)
				err = store.FinishCycleOK(context.Background(), db, "test-uuid-3", "{}")
				require.NoError(t, err)
			},
			uuid:    "test-uuid-3",
			wantErr: store.ErrAlreadyFinished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := setupTestDB(t)
			tt.setup(db)

			err := store.StartCycle(context.Background(), db, tt.uuid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGetCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		setup    func(*sql.DB)
		uuid     string
		wantErr  error
		validate func(*testing.T, store.CycleRow)
	}{
		{
			name:    "cycle not found",
			setup:   func(db *sql.DB) {},
			uuid:    "non-existent",
			wantErr: store.ErrNotFound,
		},
		{
			name: "cycle in progress",
			setup: func(db *sql.DB) {
				require.NoError(t, store.StartCycle(context.Background(), db, "test-uuid-1"))
			},
			uuid: "test-uuid-1",
			validate: func(t *testing.T, c store.CycleRow) {
				require.Equal(t, "test-uuid-1", c.UUID)
				require.True(t, c.InProgress)
				require.Nil(t, c.Success)
				require.Nil(t, c.Report)
				require.Nil(t, c.FailureReason)
				require.Nil(t, c.FinishedAt)
				require.False(t, c.StartedAt.IsZero())
			},
		},
		{
			name: "cycle finished successfully",
			setup: func(db *sql.DB) {
				require.NoError(t, store.StartCycle(context.Background(), db, "test-uuid-2"))
				require.NoError(t, store.FinishCycleOK(context.Background(), db, "test-uuid-2", `{"resolved":2}`))
			},
			uuid: "test-uuid-2",
			validate: func(t *testing.T, c store.CycleRow) {
				require.False(t, c.InProgress)
				require.NotNil(t, c.Success)
				require.True(t, *c.Success)
				require.NotNil(t, c.Report)
				require.JSONEq(t, `{"resolved":2}`, *c.Report)
				require.Nil(t, c.FailureReason)
				require.NotNil(t, c.FinishedAt)
			},
		},
		{
			name: "cycle finished with error",
			setup: func(db *sql.DB) {
				require.NoError(t, store.StartCycle(context.Background(), db, "test-uuid-3"))
				require.NoError(t, store.FinishCycleErr(context.Background(), db, "test-uuid-3", "storage unreachable"))
			},
			uuid: "test-uuid-3",
			validate: func(t *testing.T, c store.CycleRow) {
				require.False(t, c.InProgress)
				require.NotNil(t, c.Success)
				require.False(t, *c.Success)
				require.Nil(t, c.Report)
				require.NotNil(t, c.FailureReason)
				require.Equal(t, "storage unreachable", *c.FailureReason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := setupTestDB(t)
			tt.setup(db)

			result, err := store.GetCycle(context.Background(), db, tt.uuid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, result)
			}
		})
	}
}

func TestFinishCycle(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := t.Context()

	require.ErrorIs(t, store.FinishCycleOK(ctx, db, "non-existent", "{}"), store.ErrNotFound)
	require.ErrorIs(t, store.FinishCycleErr(ctx, db, "non-existent", "reason"), store.ErrNotFound)

	require.NoError(t, store.StartCycle(ctx, db, "uuid-1"))
	require.NoError(t, store.FinishCycleOK(ctx, db, "uuid-1", "{}"))
	require.ErrorIs(t, store.FinishCycleOK(ctx, db, "uuid-1", "{}"), store.ErrAlreadyFinished)
	require.ErrorIs(t, store.FinishCycleErr(ctx, db, "uuid-1", "reason"), store.ErrAlreadyFinished)

	t.Run("fail canceled context", func(t *testing.T) {
		require.NoError(t, store.StartCycle(ctx, db, "uuid-2"))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := store.FinishCycleOK(ctx, db, "uuid-2", "{}")
		require.Error(t, err)
		require.True(t, errors.Is(err, context.Canceled))
	})
}

func TestListAndDeleteCycles(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := t.Context()

	require.ErrorIs(t, store.DeleteCycle(ctx, db, "uuid-1"), store.ErrNotFound)

	for _, id := range []string{"uuid-1", "uuid-2", "uuid-3"} {
		require.NoError(t, store.StartCycle(ctx, db, id))
	}
	cycles, err := store.ListCycles(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	require.Equal(t, "uuid-3", cycles[0].UUID)
	require.Equal(t, "uuid-2", cycles[1].UUID)

	require.NoError(t, store.DeleteCycle(ctx, db, "uuid-2"))
	require.ErrorIs(t, store.DeleteCycle(ctx, db, "uuid-2"), store.ErrNotFound)

	cycles, err = store.ListCycles(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	require.Contains(t, cycles[1].String(), `uuid: "uuid-1"`)
}
