package checkpoint_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-data/tern/internal/checkpoint"
	"github.com/tern-data/tern/internal/domain"
)

func testStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.Open(filepath.Join(t.TempDir(), "tern.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestFile(rel, brand, purchaser string) domain.FileEntry {
	now := time.Now()
	return domain.FileEntry{
		RelativePath: rel,
		FullPath:     "/staging/" + rel,
		Brand:        brand,
		Purchaser:    purchaser,
		Size:         128,
		ETag:         "etag-" + rel,
		SHA256:       "sha-" + rel,
		SyncedAt:     &now,
	}
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tern.db")

	s, err := checkpoint.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = checkpoint.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestStore_RegisterFilesPreservesExtractionState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	f := newTestFile("acme/retail/a.pdf", "acme", "retail")
	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{f}))
	require.NoError(t, s.UpdateFileStatus(ctx, f.RelativePath, domain.StatusDone, "RUN1"))

	// Re-registering after a fresh sync must not reset the done status.
	f.ETag = "etag-v2"
	f.Size = 256
	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{f}))

	got, err := s.GetFile(ctx, f.RelativePath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusDone, got.ExtractStatus)
	assert.Equal(t, "RUN1", got.LastRunID)
	assert.Equal(t, "etag-v2", got.ETag)
	assert.EqualValues(t, 256, got.Size)
}

func TestStore_PathNormalization(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{
		newTestFile(`\acme\retail\b.pdf`, "acme", "retail"),
	}))

	got, err := s.GetFile(ctx, "acme/retail/b.pdf")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme/retail/b.pdf", got.RelativePath)

	// Variant spellings resolve to the same row.
	got, err = s.GetFile(ctx, "/acme/retail/b.pdf")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStore_GetUnextractedFilesFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{
		newTestFile("acme/retail/a.pdf", "acme", "retail"),
		newTestFile("acme/web/b.pdf", "acme", "web"),
		newTestFile("globex/retail/c.pdf", "globex", "retail"),
		newTestFile("globex/web/d.pdf", "globex", "web"),
	}))
	require.NoError(t, s.UpdateFileStatus(ctx, "acme/retail/a.pdf", domain.StatusDone, "RUN1"))
	require.NoError(t, s.UpdateFileStatus(ctx, "globex/web/d.pdf", domain.StatusSkipped, "RUN1"))

	// Only done is excluded; a skipped file stays eligible for a later pass.
	all, err := s.GetUnextractedFiles(ctx, checkpoint.FileFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	paths := []string{all[0].RelativePath, all[1].RelativePath, all[2].RelativePath}
	assert.Contains(t, paths, "globex/web/d.pdf")

	acme, err := s.GetUnextractedFiles(ctx, checkpoint.FileFilter{Brand: "acme"})
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "acme/web/b.pdf", acme[0].RelativePath)

	paired, err := s.GetUnextractedFiles(ctx, checkpoint.FileFilter{Pairs: []domain.Pair{
		{Tenant: "globex", Purchaser: "retail"},
		{Tenant: "acme", Purchaser: "web"},
	}})
	require.NoError(t, err)
	assert.Len(t, paired, 2)
}

func TestStore_UpsertRecordMirrorsFileStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	f := newTestFile("acme/retail/a.pdf", "acme", "retail")
	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{f}))

	started := time.Now()
	require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
		RunID:        "RUN1",
		RelativePath: f.RelativePath,
		Brand:        "acme",
		Purchaser:    "retail",
		Status:       domain.StatusRunning,
		StartedAt:    &started,
	}))

	got, err := s.GetFile(ctx, f.RelativePath)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.ExtractStatus)

	finished := started.Add(2 * time.Second)
	require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
		RunID:        "RUN1",
		RelativePath: f.RelativePath,
		Status:       domain.StatusDone,
		StartedAt:    &started,
		FinishedAt:   &finished,
		LatencyMs:    2000,
		StatusCode:   200,
		PatternKey:   "invoice_v2",
		FullResponse: json.RawMessage(`{"pattern":{"pattern_key":"invoice_v2"}}`),
	}))

	got, err = s.GetFile(ctx, f.RelativePath)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.ExtractStatus)
	require.NotNil(t, got.ExtractedAt)
	assert.Equal(t, "RUN1", got.LastRunID)

	recs, err := s.GetRecordsForRun(ctx, "RUN1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusDone, recs[0].Status)
	assert.Equal(t, "invoice_v2", recs[0].PatternKey)
	assert.EqualValues(t, 2000, recs[0].LatencyMs)
	assert.JSONEq(t, `{"pattern":{"pattern_key":"invoice_v2"}}`, string(recs[0].FullResponse))
}

func TestStore_ProcessedAndCompletedPaths(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	write := func(rel string, status domain.ExtractStatus) {
		require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{newTestFile(rel, "acme", "retail")}))
		require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
			RunID: "RUN1", RelativePath: rel, Status: status,
		}))
	}
	write("a.pdf", domain.StatusDone)
	write("b.pdf", domain.StatusSkipped)
	write("c.pdf", domain.StatusError)
	write("d.pdf", domain.StatusRunning)

	processed, err := s.GetProcessedPaths(ctx, "RUN1")
	require.NoError(t, err)
	assert.Len(t, processed, 3)
	assert.NotContains(t, processed, "d.pdf")

	completed, err := s.GetCompletedPaths(ctx, "RUN1")
	require.NoError(t, err)
	assert.Len(t, completed, 2)
	assert.NotContains(t, completed, "c.pdf")

	errored, err := s.GetErrorPaths(ctx, "RUN1")
	require.NoError(t, err)
	assert.Len(t, errored, 1)
	assert.Contains(t, errored, "c.pdf")
}

func TestStore_GetFailedFilesUsesLatestRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterFiles(ctx, []domain.FileEntry{
		newTestFile("a.pdf", "acme", "retail"),
		newTestFile("b.pdf", "acme", "retail"),
	}))

	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()
	// a.pdf failed in RUN1 but succeeded in RUN2: not failed anymore.
	require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
		RunID: "RUN1", RelativePath: "a.pdf", Status: domain.StatusError, StartedAt: &t1,
	}))
	require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
		RunID: "RUN2", RelativePath: "a.pdf", Status: domain.StatusDone, StartedAt: &t2,
	}))
	// b.pdf still failing.
	require.NoError(t, s.UpsertRecord(ctx, domain.ExtractionRecord{
		RunID: "RUN2", RelativePath: "b.pdf", Status: domain.StatusError, StartedAt: &t2,
	}))

	failed, err := s.GetFailedFiles(ctx, checkpoint.FileFilter{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b.pdf", failed[0].RelativePath)
}

func TestStore_StartNewRunSequencesIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.StartNewRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RUN1", id1)

	id2, err := s.StartNewRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RUN2", id2)

	current, ok, err := s.GetValue(ctx, domain.KeyCurrentRunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RUN2", current)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, domain.RunStatusRunning, r.Status)
	}
}

func TestStore_MarkRunCompletedAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.StartNewRun(ctx)
	require.NoError(t, err)

	summary := domain.BuildRunSummary(id, []domain.ExtractionRecord{
		{Status: domain.StatusDone, LatencyMs: 100},
		{Status: domain.StatusError, StatusCode: 500, ErrorMessage: "boom", RelativePath: "x.pdf"},
	}, 5000)
	require.NoError(t, s.SaveRunSummary(ctx, id, summary))
	require.NoError(t, s.MarkRunCompleted(ctx, id, domain.RunStatusDone))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusDone, run.Status)
	require.NotNil(t, run.FinishedAt)

	var stored domain.RunSummary
	require.NoError(t, json.Unmarshal(run.Summary, &stored))
	assert.Equal(t, 2, stored.TotalFiles)
	assert.Equal(t, 1, stored.FailedCount)

	_, ok, err := s.GetValue(ctx, domain.KeyLastRunCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	running, err := s.ListRunningRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStore_ScheduleSlotUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := domain.Schedule{ID: "sched-a", Brands: []string{"acme"}, Cron: "30 2 * * *", Timezone: "UTC"}
	require.NoError(t, s.CreateSchedule(ctx, a))

	dup := domain.Schedule{ID: "sched-b", Cron: "30 2 * * *", Timezone: "UTC"}
	assert.ErrorIs(t, s.CreateSchedule(ctx, dup), domain.ErrDuplicateSchedule)

	// Same time in a different timezone is a different slot.
	dup.Timezone = "Asia/Kolkata"
	require.NoError(t, s.CreateSchedule(ctx, dup))

	// Updating b onto a's slot collides; updating a onto its own slot does not.
	dup.Timezone = "UTC"
	assert.ErrorIs(t, s.UpdateSchedule(ctx, dup), domain.ErrDuplicateSchedule)
	a.Brands = []string{"acme", "globex"}
	require.NoError(t, s.UpdateSchedule(ctx, a))

	got, err := s.GetSchedule(ctx, "sched-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"acme", "globex"}, got.Brands)

	assert.ErrorIs(t, s.UpdateSchedule(ctx, domain.Schedule{ID: "missing", Cron: "0 9 * * *", Timezone: "UTC"}), domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSchedule(ctx, "missing"), domain.ErrNotFound)
	require.NoError(t, s.DeleteSchedule(ctx, "sched-a"))
}

func TestStore_AuditPagingAndRetention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, domain.ScheduleAuditEntry{
			ScheduleID: "sched-a",
			Outcome:    domain.AuditExecuted,
			Message:    "tick",
		}))
	}
	old := domain.ScheduleAuditEntry{
		Timestamp: time.Now().AddDate(0, 0, -90),
		Outcome:   domain.AuditSkipped,
		Level:     "warn",
		Message:   "overlap",
	}
	require.NoError(t, s.AppendAudit(ctx, old))

	page, total, err := s.ListAudit(ctx, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, page, 3)

	pruned, err := s.DeleteAuditOlderThan(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	_, total, err = s.ListAudit(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestStore_SyncHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSyncHistory(ctx, domain.SyncHistoryEntry{
		Synced: 10, Skipped: 3, Errors: 1,
		Brands: []string{"acme"}, Purchasers: []string{"retail"},
	}))
	require.NoError(t, s.AppendSyncHistory(ctx, domain.SyncHistoryEntry{Synced: 2}))

	entries, err := s.ListSyncHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Synced)

	entries, err = s.ListSyncHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"acme"}, entries[1].Brands)
}

func TestStore_RunStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state, err := s.GetRunState(ctx, domain.CasePipe)
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.SetRunState(ctx, domain.CasePipe, domain.RunState{
		Status: domain.RunStateRunning, RunID: "RUN7",
	}))
	state, err = s.GetRunState(ctx, domain.CasePipe)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "RUN7", state.RunID)

	// Per-case keys are independent.
	other, err := s.GetRunState(ctx, domain.CaseExtract)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, s.ClearRunState(ctx, domain.CasePipe))
	state, err = s.GetRunState(ctx, domain.CasePipe)
	require.NoError(t, err)
	assert.Nil(t, state)
}
