package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/state"
	"github.com/mattjoyce/sharegate/internal/storage"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	s := storage.NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finishedExtract(t *testing.T, s storage.Store, d queue.Descriptor) *queue.Job {
	t.Helper()
	ctx := context.Background()
	fp, err := cache.Fingerprint(d)
	require.NoError(t, err)

	q := queue.New(s, time.Hour)
	job, err := q.Create(ctx, queue.CreateRequest{Kind: queue.KindExtract, Fingerprint: fp, Descriptor: d})
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	job, err = q.Complete(ctx, job.ID, queue.StatusSuccess, json.RawMessage(`{"columns":["id","v"],"rows":[[1,2],[3,4]]}`), "")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, cache.PointerKey(fp), []byte(job.ID), time.Hour))
	return job
}

func TestJobReport(t *testing.T) {
	s := openStore(t)
	d := queue.Descriptor{Handler: "census", Server: "srv", Body: json.RawMessage(`{"table":"pop"}`)}
	job := finishedExtract(t, s, d)

	r, err := Job(context.Background(), s, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, job.ID, r.Pointer)
	assert.Equal(t, []string{"id", "v"}, r.Columns)
	assert.Equal(t, 2, r.Rows)
	assert.Empty(t, r.Result, "tables are summarised, not dumped")

	text := FormatJob(r)
	assert.Contains(t, text, "Pointer     : this job")
	assert.Contains(t, text, "Table       : 2 rows x [id, v]")

	_, err = Job(context.Background(), s, "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestStateReportShowsLineage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	live := queue.Descriptor{Handler: "census", Server: "srv", Body: json.RawMessage(`{"table":"a"}`)}
	liveJob := finishedExtract(t, s, live)
	gone := queue.Descriptor{Handler: "census", Server: "srv", Body: json.RawMessage(`{"table":"b"}`)}

	saved := state.Saved{
		ID:       "st-1",
		Template: "$" + liveJob.ID + "$ vs $old$",
		Handler:  "census",
		Server:   "srv",
		Dependencies: []state.Dependency{
			{JobID: liveJob.ID, Descriptor: live},
			{JobID: "old", Descriptor: gone},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, storage.SetJSON(ctx, s, state.Key(saved.ID), saved, time.Hour))

	r, err := State(ctx, s, saved.ID)
	require.NoError(t, err)
	require.Len(t, r.Steps, 2)
	assert.Equal(t, "success", r.Steps[0].Status)
	assert.Equal(t, liveJob.ID, r.Steps[0].Pointer)
	assert.Equal(t, "expired", r.Steps[1].Status)
	assert.Empty(t, r.Steps[1].Pointer)

	text := FormatState(r)
	assert.True(t, strings.HasPrefix(text, "State Report\n"))
	assert.Contains(t, text, "[2] old (expired)")
	assert.Contains(t, text, `"table": "b"`)

	out, err := JSON(r)
	require.NoError(t, err)
	assert.Contains(t, out, `"state_id": "st-1"`)
}

func TestReportsRequireIDs(t *testing.T) {
	s := storage.NewMemoryStore()
	_, err := Job(context.Background(), s, " ")
	assert.Error(t, err)
	_, err = State(context.Background(), s, "")
	assert.Error(t, err)
}
