// Package coordinator owns the lifecycle of a run: admission, run identity,
// the SYNC and EXTRACT phases, cancellation, resume, and finalisation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/checkpoint"
	"github.com/tern-data/tern/internal/config"
	"github.com/tern-data/tern/internal/domain"
	syncpkg "github.com/tern-data/tern/internal/sync"
)

// Syncer is the sync-engine surface the coordinator drives.
type Syncer interface {
	SyncBucket(ctx context.Context, bucket config.BucketConfig, stagingDir string, opts syncpkg.Options) (syncpkg.Result, error)
}

// PoolRunner is the worker-pool surface the coordinator drives.
type PoolRunner interface {
	Run(ctx context.Context, runID string, files []domain.FileEntry, onProgress func(done, total int)) error
}

// Coordinator wires the pipeline stages together.
type Coordinator struct {
	cfg       *config.Config
	store     *checkpoint.Store
	syncer    Syncer
	pool      PoolRunner
	admission *admission.Controller
	notifier  domain.Notifier
	logger    *slog.Logger
}

// New builds a coordinator. A nil notifier is replaced with a no-op.
func New(cfg *config.Config, store *checkpoint.Store, syncer Syncer, pool PoolRunner,
	adm *admission.Controller, notifier domain.Notifier, logger *slog.Logger) *Coordinator {
	if notifier == nil {
		notifier = domain.NoopNotifier{}
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		syncer:    syncer,
		pool:      pool,
		admission: adm,
		notifier:  notifier,
		logger:    logger,
	}
}

// Admission exposes the controller for status and stop endpoints.
func (c *Coordinator) Admission() *admission.Controller {
	return c.admission
}

// StartRun admits a run and executes it on a new goroutine. The returned
// channel streams typed events until the run finishes, then closes.
// Cancelling ctx stops the run cooperatively.
func (c *Coordinator) StartRun(ctx context.Context, caseID domain.CaseID, params domain.RunParams,
	origin domain.Origin, scheduleID string) (<-chan domain.RunEvent, error) {

	ticket, err := c.admission.Admit(caseID, params, origin, scheduleID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ticket.BindCancel(cancel)

	events := make(chan domain.RunEvent, 64)
	go func() {
		defer close(events)
		defer ticket.Release()
		defer cancel()
		c.execute(runCtx, caseID, params, ticket, events)
	}()
	return events, nil
}

// Stop cancels the active run for a case, if any.
func (c *Coordinator) Stop(caseID domain.CaseID) bool {
	return c.admission.Stop(caseID)
}

// RunScheduled starts a PIPE run on behalf of the scheduler and blocks until
// it finishes, draining the event stream into the log. The terminal error
// event, if any, becomes the returned error.
func (c *Coordinator) RunScheduled(ctx context.Context, params domain.RunParams, scheduleID string) error {
	events, err := c.StartRun(ctx, domain.CasePipe, params, domain.OriginScheduled, scheduleID)
	if err != nil {
		return err
	}
	var failure error
	for ev := range events {
		if ev.Type == domain.EventError {
			failure = errors.New(ev.Message)
		}
	}
	return failure
}

// runState tracks one executing run.
type runState struct {
	caseID   domain.CaseID
	params   domain.RunParams
	ticket   *admission.Ticket
	events   chan<- domain.RunEvent
	runID    string
	resumed  bool
	started  time.Time
	syncSeen []syncpkg.Job
}

func (r *runState) emit(ev domain.RunEvent) {
	select {
	case r.events <- ev:
	default:
		// A stalled consumer must not wedge the run; drop the event.
	}
}

// emitFinal delivers a terminal event even under consumer backpressure: the
// stream must always end with a report or an error. Gives up only when the
// finalisation deadline passes.
func (r *runState) emitFinal(ctx context.Context, ev domain.RunEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Coordinator) execute(ctx context.Context, caseID domain.CaseID, params domain.RunParams,
	ticket *admission.Ticket, events chan<- domain.RunEvent) {

	r := &runState{
		caseID:  caseID,
		params:  params,
		ticket:  ticket,
		events:  events,
		started: time.Now(),
	}

	if err := c.resolveRunID(ctx, r); err != nil {
		r.emit(domain.RunEvent{Type: domain.EventError, Message: err.Error()})
		return
	}

	var runErr error
	if caseID == domain.CaseSync || caseID == domain.CasePipe {
		runErr = c.syncPhase(ctx, r)
	}
	if runErr == nil && (caseID == domain.CaseExtract || caseID == domain.CasePipe) {
		runErr = c.extractPhase(ctx, r)
	}

	c.finalise(ctx, r, runErr)
}

// resolveRunID performs the resume check. A sequenced id is only reserved
// later, at the first persisted work; a resumed run reuses its old id.
func (c *Coordinator) resolveRunID(ctx context.Context, r *runState) error {
	if !c.cfg.ResumeCapable(r.caseID) {
		return nil
	}
	state, err := c.store.GetRunState(ctx, r.caseID)
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if state != nil && state.Status == domain.RunStateStopped && state.RunID != "" {
		r.runID = state.RunID
		r.resumed = true
		r.ticket.SetRunID(r.runID)
		r.emit(domain.RunEvent{Type: domain.EventRunID, RunID: r.runID})
		r.emit(domain.LogEvent("info", fmt.Sprintf("Resuming interrupted run %s", r.runID)))
	}
	return nil
}

// ensureRunID allocates the sequenced run id on first persisted work.
func (c *Coordinator) ensureRunID(ctx context.Context, r *runState) (string, error) {
	if r.runID != "" {
		return r.runID, nil
	}
	id, err := c.store.StartNewRun(ctx)
	if err != nil {
		return "", fmt.Errorf("allocate run id: %w", err)
	}
	r.runID = id
	r.ticket.SetRunID(id)
	r.emit(domain.RunEvent{Type: domain.EventRunID, RunID: id})
	return id, nil
}

func (c *Coordinator) syncPhase(ctx context.Context, r *runState) error {
	buckets := c.cfg.BucketsForScope(r.params)
	if len(buckets) == 0 {
		r.emit(domain.LogEvent("warn", "no buckets match the requested scope"))
		return nil
	}

	limit := r.params.SyncLimit
	if limit == 0 {
		limit = c.cfg.S3.SyncLimit
	}
	var limitRemaining *int
	if limit > 0 {
		remaining := limit
		limitRemaining = &remaining
	}

	hotSet, err := c.extractedPaths(ctx, r)
	if err != nil {
		return err
	}

	totals := domain.SyncHistoryEntry{}
	for _, b := range buckets {
		totals.Brands = appendUnique(totals.Brands, b.Tenant)
		totals.Purchasers = appendUnique(totals.Purchasers, b.Purchaser)
	}

	for _, bucket := range buckets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.emit(domain.LogEvent("info", fmt.Sprintf("Syncing %s/%s", bucket.Tenant, bucket.Purchaser)))

		res, err := c.syncer.SyncBucket(ctx, bucket, c.cfg.S3.StagingDir, syncpkg.Options{
			LimitRemaining:   limitRemaining,
			InitialLimit:     limit,
			AlreadyExtracted: hotSet,
			OnProgress: func(done, total int) {
				r.emit(domain.ProgressEvent(domain.PhaseSync, done, total))
			},
			OnSkipProgress: func(skipped, processed int) {
				r.emit(domain.ResumeSkipEvent(domain.PhaseSync, skipped, processed))
			},
			OnFileSynced: func(job syncpkg.Job) {
				r.syncSeen = append(r.syncSeen, job)
			},
			OnStartDownload: func(destPath, manifestKey string) {
				// First download is the first persisted work of the run.
				runID, err := c.ensureRunID(ctx, r)
				if err != nil {
					c.logger.Error("allocate run id", "error", err)
					return
				}
				if c.cfg.ResumeCapable(r.caseID) {
					if err := c.store.SetRunState(ctx, r.caseID, domain.RunState{
						Status: domain.RunStateRunning, RunID: runID,
					}); err != nil {
						c.logger.Warn("persist run state", "error", err)
					}
				}
			},
		})
		totals.Synced += res.Synced
		totals.Skipped += res.Skipped
		totals.Errors += res.Errors
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.emit(domain.LogEvent("error", fmt.Sprintf("Sync of %s/%s failed: %v",
				bucket.Tenant, bucket.Purchaser, err)))
		}
	}

	if err := c.store.AppendSyncHistory(ctx, totals); err != nil {
		c.logger.Warn("append sync history", "error", err)
	}
	r.emit(domain.LogEvent("info", fmt.Sprintf("Sync finished: %d synced, %d skipped, %d errors",
		totals.Synced, totals.Skipped, totals.Errors)))
	return nil
}

// extractedPaths builds the hot-set of staged paths already extracted, used
// by the sync engine for registry-free fast skips.
func (c *Coordinator) extractedPaths(ctx context.Context, r *runState) (map[string]struct{}, error) {
	if !c.cfg.Run.SkipCompleted {
		return nil, nil
	}
	files, err := c.store.ListFiles(ctx, c.scopeFilter(r.params), 0)
	if err != nil {
		return nil, fmt.Errorf("list extracted files: %w", err)
	}
	out := map[string]struct{}{}
	for _, f := range files {
		if f.ExtractStatus == domain.StatusDone {
			out[f.FullPath] = struct{}{}
		}
	}
	return out, nil
}

func (c *Coordinator) scopeFilter(params domain.RunParams) checkpoint.FileFilter {
	return checkpoint.FileFilter{
		Brand:     params.Tenant,
		Purchaser: params.Purchaser,
		Pairs:     params.Pairs,
	}
}

func (c *Coordinator) extractPhase(ctx context.Context, r *runState) error {
	candidates, err := c.candidateFiles(ctx, r)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		r.emit(domain.LogEvent("info", "nothing to extract"))
		return nil
	}

	runID, err := c.ensureRunID(ctx, r)
	if err != nil {
		return err
	}
	if c.cfg.ResumeCapable(r.caseID) {
		if err := c.store.SetRunState(ctx, r.caseID, domain.RunState{
			Status: domain.RunStateRunning, RunID: runID,
		}); err != nil {
			c.logger.Warn("persist run state", "error", err)
		}
	}

	r.emit(domain.LogEvent("info", fmt.Sprintf("Extracting %d files", len(candidates))))
	return c.pool.Run(ctx, runID, candidates, func(done, total int) {
		r.emit(domain.ProgressEvent(domain.PhaseExtract, done, total))
	})
}

// candidateFiles builds the extract queue: just-synced files plus anything
// the registry still owes, narrowed to failures on retry runs, minus work a
// resumed run already finished.
func (c *Coordinator) candidateFiles(ctx context.Context, r *runState) ([]domain.FileEntry, error) {
	filter := c.scopeFilter(r.params)

	var files []domain.FileEntry
	var err error
	if r.params.RetryFailed {
		files, err = c.store.GetFailedFiles(ctx, filter)
	} else {
		files, err = c.store.GetUnextractedFiles(ctx, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("build candidate set: %w", err)
	}

	seen := map[string]struct{}{}
	for _, f := range files {
		seen[f.RelativePath] = struct{}{}
	}
	for _, job := range r.syncSeen {
		if job.Skipped {
			continue
		}
		if _, ok := seen[checkpoint.NormalizePath(job.ManifestKey)]; ok {
			continue
		}
		entry, err := c.store.GetFile(ctx, job.ManifestKey)
		if err != nil {
			return nil, err
		}
		if entry != nil && !entry.ExtractStatus.Terminal() {
			files = append(files, *entry)
			seen[entry.RelativePath] = struct{}{}
		}
	}

	if r.resumed {
		var done map[string]struct{}
		if r.params.RetryFailed {
			done, err = c.store.GetCompletedPaths(ctx, r.runID)
		} else {
			done, err = c.store.GetProcessedPaths(ctx, r.runID)
		}
		if err != nil {
			return nil, fmt.Errorf("read processed paths: %w", err)
		}
		total := len(files)
		kept := files[:0]
		for _, f := range files {
			if _, ok := done[f.RelativePath]; !ok {
				kept = append(kept, f)
			}
		}
		files = kept
		if skipped := total - len(files); skipped > 0 {
			r.emit(domain.ResumeSkipEvent(domain.PhaseExtract, skipped, total))
		}
	}

	if r.params.ExtractLimit > 0 && len(files) > r.params.ExtractLimit {
		files = files[:r.params.ExtractLimit]
	}
	return files, nil
}

// finalise closes the run: summary, terminal status, resume state, report
// event, notification. Runs that never touched persistence get a skip id and
// leave no run row behind.
func (c *Coordinator) finalise(ctx context.Context, r *runState, runErr error) {
	// Terminal writes must survive the run context being cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if r.runID == "" {
		skipID := NewSkipID(time.Now())
		r.ticket.SetRunID(skipID)
		r.emit(domain.RunEvent{Type: domain.EventRunID, RunID: skipID})
		if runErr != nil {
			r.emitFinal(fctx, domain.RunEvent{Type: domain.EventError, Message: runErr.Error()})
		}
		r.emitFinal(fctx, domain.RunEvent{Type: domain.EventReport, RunID: skipID,
			RunSummary: domain.BuildRunSummary(skipID, nil, time.Since(r.started).Milliseconds())})
		return
	}

	interrupted := errors.Is(runErr, context.Canceled)
	if interrupted && c.cfg.ResumeCapable(r.caseID) {
		if err := c.store.SetRunState(fctx, r.caseID, domain.RunState{
			Status: domain.RunStateStopped, RunID: r.runID,
		}); err != nil {
			c.logger.Error("persist stopped run state", "run_id", r.runID, "error", err)
		}
	}

	records, err := c.store.GetRecordsForRun(fctx, r.runID)
	if err != nil {
		c.logger.Error("load run records", "run_id", r.runID, "error", err)
	}
	summary := domain.BuildRunSummary(r.runID, records, time.Since(r.started).Milliseconds())
	if err := c.store.SaveRunSummary(fctx, r.runID, summary); err != nil {
		c.logger.Error("save run summary", "run_id", r.runID, "error", err)
	}

	status := domain.RunStatusDone
	if runErr != nil {
		status = domain.RunStatusError
	}
	if err := c.store.MarkRunCompleted(fctx, r.runID, status); err != nil {
		c.logger.Error("mark run completed", "run_id", r.runID, "error", err)
	}

	if runErr == nil && c.cfg.ResumeCapable(r.caseID) {
		if err := c.store.ClearRunState(fctx, r.caseID); err != nil {
			c.logger.Warn("clear run state", "run_id", r.runID, "error", err)
		}
	}

	if runErr != nil {
		r.emitFinal(fctx, domain.RunEvent{Type: domain.EventError, Message: runErr.Error()})
		c.notifier.RunFailed(r.runID, runErr)
	} else {
		c.notifier.RunCompleted(r.runID, summary)
	}
	r.emitFinal(fctx, domain.RunEvent{Type: domain.EventReport, RunID: r.runID, RunSummary: summary})

	c.logger.Info("run finished",
		"run_id", r.runID, "case", r.caseID, "status", status,
		"total", summary.TotalFiles, "failed", summary.FailedCount)
}

// RecoverInterrupted reconciles state left behind by a previous process.
// A RunState still marked running belongs to a run that died mid-flight; it is
// rewritten to stopped so the next run of that case resumes it. Run rows in
// running state with no such resume claim are closed as error. Called once at
// startup before the API accepts traffic.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) error {
	resumable := map[string]struct{}{}
	for _, rc := range c.cfg.Run.ResumeCases {
		caseID := domain.CaseID(rc)
		state, err := c.store.GetRunState(ctx, caseID)
		if err != nil {
			return fmt.Errorf("read run state for %s: %w", caseID, err)
		}
		if state == nil || state.RunID == "" {
			continue
		}
		if state.Status == domain.RunStateRunning {
			c.logger.Warn("marking interrupted run resumable",
				"case", caseID, "run_id", state.RunID)
			if err := c.store.SetRunState(ctx, caseID, domain.RunState{
				Status: domain.RunStateStopped, RunID: state.RunID,
			}); err != nil {
				return fmt.Errorf("persist stopped run state for %s: %w", caseID, err)
			}
		}
		resumable[state.RunID] = struct{}{}
	}

	runs, err := c.store.ListRunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range runs {
		if _, ok := resumable[run.RunID]; ok {
			continue
		}
		c.logger.Warn("closing interrupted run", "run_id", run.RunID)
		if err := c.store.MarkRunCompleted(ctx, run.RunID, domain.RunStatusError); err != nil {
			return fmt.Errorf("close interrupted run %s: %w", run.RunID, err)
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
