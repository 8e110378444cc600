// Package worker implements the bounded-concurrency, rate-limited extraction
// pool. Each file gets one checkpoint row per attempt sequence; transport
// outages abort the whole run instead of burning the queue.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tern-data/tern/internal/domain"
	"github.com/tern-data/tern/internal/extract"
)

const (
	// NetworkMaxRetries bounds consecutive transport failures on one file
	// before the run is aborted.
	NetworkMaxRetries = 5

	// networkRetryDelay is the fixed pause between transport retries.
	networkRetryDelay = 12 * time.Second

	// maxErrorMessage bounds persisted error messages.
	maxErrorMessage = 500
)

// RecordStore is the checkpoint surface the pool writes through.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec domain.ExtractionRecord) error
}

// Config tunes one pool run.
type Config struct {
	Concurrency       int
	RequestsPerSecond int // 0 disables rate limiting
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Pool drives extraction for a set of staged files.
type Pool struct {
	store   RecordStore
	invoker extract.Invoker
	logger  *slog.Logger
	cfg     Config

	// retryDelay is overridable in tests; production uses the fixed delay.
	retryDelay time.Duration
}

// NewPool builds a pool. Concurrency below 1 is clamped to 1.
func NewPool(store RecordStore, invoker extract.Invoker, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pool{
		store:      store,
		invoker:    invoker,
		logger:     logger,
		cfg:        cfg,
		retryDelay: networkRetryDelay,
	}
}

// Run processes files under runID. onProgress receives monotonic (done, total)
// after every completion. Returns domain.ErrNetworkAbort (wrapped) when the
// extraction API stays unreachable past the transport retry budget; the
// remaining queue is then cancelled.
func (p *Pool) Run(ctx context.Context, runID string, files []domain.FileEntry, onProgress func(done, total int)) error {
	if len(files) == 0 {
		return nil
	}

	var limiter *rate.Limiter
	if p.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.RequestsPerSecond)
	}

	total := len(files)
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			err := p.processFile(gctx, runID, f, limiter)

			mu.Lock()
			done++
			d := done
			mu.Unlock()
			if onProgress != nil {
				onProgress(d, total)
			}
			return err
		})
	}
	return g.Wait()
}

// processFile runs the per-file procedure: running row, read, invoke with
// retries, terminal row.
func (p *Pool) processFile(ctx context.Context, runID string, f domain.FileEntry, limiter *rate.Limiter) error {
	started := time.Now()
	rec := domain.ExtractionRecord{
		RunID:        runID,
		RelativePath: f.RelativePath,
		FilePath:     f.FullPath,
		Brand:        f.Brand,
		Purchaser:    f.Purchaser,
		Status:       domain.StatusRunning,
		StartedAt:    &started,
	}
	if err := p.store.UpsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint running row: %w", err)
	}

	body, err := os.ReadFile(f.FullPath)
	if err != nil {
		p.finish(ctx, rec, extract.Result{}, extract.Outcome{
			ErrorMessage: fmt.Sprintf("Read file: %v", err),
		}, 1)
		return nil
	}

	req := extract.Request{
		FileName:  f.RelativePath,
		Brand:     f.Brand,
		Purchaser: f.Purchaser,
		Content:   base64.StdEncoding.EncodeToString(body),
	}

	res, attempts, err := p.invokeWithRetries(ctx, req, limiter)
	if err != nil {
		// Cancellation is not a transport failure: leave the running row in
		// place for the resumed run and surface the context error as-is.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Transport retry budget exhausted: record the failure, then fail
		// the run.
		p.finish(ctx, rec, res, extract.Outcome{ErrorMessage: err.Error()}, attempts)
		return fmt.Errorf("%s: %w", f.RelativePath, domain.ErrNetworkAbort)
	}

	p.finish(ctx, rec, res, extract.Interpret(res), attempts)
	return nil
}

// invokeWithRetries runs the two retry loops: fixed-delay transport retries
// and linear-backoff application retries on 429/5xx.
func (p *Pool) invokeWithRetries(ctx context.Context, req extract.Request, limiter *rate.Limiter) (extract.Result, int, error) {
	attempts := 0
	networkFailures := 0
	appRetries := 0
	var res extract.Result

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return res, attempts, err
			}
		}
		attempts++
		res = p.invoker.Submit(ctx, req)

		if res.StatusCode == 0 {
			if ctx.Err() != nil {
				return res, attempts, ctx.Err()
			}
			networkFailures++
			p.logger.Warn("extraction transport failure",
				"file", req.FileName, "attempt", networkFailures, "error", res.Err)
			if networkFailures >= NetworkMaxRetries {
				return res, attempts, fmt.Errorf("extraction API unreachable after %d attempts: %v",
					networkFailures, res.Err)
			}
			if err := sleepCtx(ctx, p.retryDelay); err != nil {
				return res, attempts, err
			}
			continue
		}

		if (res.StatusCode == 429 || res.StatusCode >= 500) && appRetries < p.cfg.MaxRetries {
			appRetries++
			p.logger.Info("extraction retrying",
				"file", req.FileName, "status", res.StatusCode, "retry", appRetries)
			if err := sleepCtx(ctx, p.cfg.RetryBackoff*time.Duration(appRetries)); err != nil {
				return res, attempts, err
			}
			continue
		}
		return res, attempts, nil
	}
}

// finish writes the terminal checkpoint row for one file.
func (p *Pool) finish(ctx context.Context, rec domain.ExtractionRecord, res extract.Result, out extract.Outcome, attempts int) {
	finished := time.Now()
	rec.FinishedAt = &finished
	rec.LatencyMs = res.LatencyMs
	rec.StatusCode = res.StatusCode
	rec.PatternKey = out.PatternKey
	rec.FullResponse = out.FullResponse

	if out.Success {
		rec.Status = domain.StatusDone
	} else {
		rec.Status = domain.StatusError
		msg := out.ErrorMessage
		if msg == "" && res.Err != nil {
			msg = res.Err.Error()
		}
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		if attempts > 1 {
			msg = fmt.Sprintf("%s (after %d attempts)", msg, attempts)
		}
		rec.ErrorMessage = msg
	}

	// The terminal row must land even if the run context was cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.UpsertRecord(writeCtx, rec); err != nil {
		p.logger.Error("checkpoint terminal row failed",
			"file", rec.RelativePath, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
