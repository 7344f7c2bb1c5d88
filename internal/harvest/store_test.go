package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"omoharvest-backend/internal/harvest/db"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	defer store.Close()

	created := int64(1704067200000)
	records := []Record{
		{ID: "a", CreatedAt: &created, Raw: json.RawMessage(`{"_id":"a","v":1}`)},
		{ID: "b", Raw: json.RawMessage(`{"_id":"b","v":1}`)},
		{Raw: json.RawMessage(`{"v":1}`)},
	}
	now := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	written, err := store.SaveRecords(ctx, "run-1", "omolaat", DefaultRecordType, records, now)
	require.NoError(t, err)
	require.Equal(t, 2, written)

	records[0].Raw = json.RawMessage(`{"_id":"a","v":2}`)
	written, err = store.SaveRecords(ctx, "run-2", "omolaat", DefaultRecordType, records, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, written)

	count, err := store.CountRecords(ctx, "omolaat", DefaultRecordType)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	record, err := store.GetRecord(ctx, "omolaat", DefaultRecordType, "a")
	require.NoError(t, err)
	require.Equal(t, "run-2", record.RunId)
	require.JSONEq(t, `{"_id":"a","v":2}`, record.Data)
	require.Equal(t, sql.NullInt64{Int64: created, Valid: true}, record.CreatedAt)
	require.Equal(t, now.Add(time.Hour).UnixMilli(), record.UpdatedAt)

	record, err = store.GetRecord(ctx, "omolaat", DefaultRecordType, "b")
	require.NoError(t, err)
	require.False(t, record.CreatedAt.Valid)

	// other record types are kept apart
	count, err = store.CountRecords(ctx, "omolaat", "custom.refund")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStoreRuns(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	started := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.StartRun(ctx, "run-1", "nightly", "omolaat", started))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, string(db.RUN_STATUS_RUNNING), run.Status)
	require.False(t, run.FinishedAt.Valid)

	require.NoError(t, store.FinishRun(ctx, "run-1", started.Add(time.Minute), RunSummary{
		Status: db.RUN_STATUS_SUCCEEDED,
		Pages:  4,
		Hits:   37,
	}))
	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "nightly", run.Job)
	require.Equal(t, string(db.RUN_STATUS_SUCCEEDED), run.Status)
	require.Equal(t, started.Add(time.Minute).UnixMilli(), run.FinishedAt.Int64)
	require.Equal(t, int64(4), run.Pages)
	require.Equal(t, int64(37), run.Hits)

	_, err = store.GetRun(ctx, "unknown")
	require.ErrorIs(t, err, sql.ErrNoRows)
}
