// Package scheduler fires pipeline runs from user-defined daily schedules.
// It runs as a background goroutine inside ternd, checking registered
// schedules at a configurable interval (default 30s) against wall-clock time
// in each schedule's timezone.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/domain"
)

// DefaultCheckInterval is how often schedules are evaluated.
const DefaultCheckInterval = 30 * time.Second

// DefaultAuditRetention bounds how long schedule audit rows are kept.
const DefaultAuditRetention = 60 * 24 * time.Hour

// AllowedTimezones is the closed set a schedule may use.
var AllowedTimezones = []string{
	"UTC",
	"America/Los_Angeles",
	"America/Chicago",
	"America/New_York",
	"Europe/London",
	"Asia/Kolkata",
}

// TimezoneAllowed reports membership in the allow-list.
func TimezoneAllowed(tz string) bool {
	for _, allowed := range AllowedTimezones {
		if tz == allowed {
			return true
		}
	}
	return false
}

// ValidateCron checks the restricted daily form "M H * * *" with M a multiple
// of five. Returns the parsed minute and hour.
func ValidateCron(expr string) (minute, hour int, err error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return 0, 0, fmt.Errorf("cron must have the form \"M H * * *\", got %q", expr)
	}
	minute, err = strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("cron minute must be 0-59, got %q", fields[0])
	}
	if minute%5 != 0 {
		return 0, 0, fmt.Errorf("cron minute must be a multiple of 5, got %d", minute)
	}
	hour, err = strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("cron hour must be 0-23, got %q", fields[1])
	}
	return minute, hour, nil
}

// ValidateSchedule checks cron and timezone together.
func ValidateSchedule(cronExpr, timezone string) error {
	if _, _, err := ValidateCron(cronExpr); err != nil {
		return err
	}
	if !TimezoneAllowed(timezone) {
		return fmt.Errorf("timezone %q is not allowed", timezone)
	}
	return nil
}

// ScheduleStore is the checkpoint surface the dispatcher reads and audits
// through.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	AppendAudit(ctx context.Context, entry domain.ScheduleAuditEntry) error
	DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	GetRunState(ctx context.Context, caseID domain.CaseID) (*domain.RunState, error)
}

// Runner starts a scheduled pipeline run and blocks until it finishes.
type Runner interface {
	RunScheduled(ctx context.Context, params domain.RunParams, scheduleID string) error
}

// Dispatcher evaluates schedules and fires PIPE runs when they come due.
type Dispatcher struct {
	store       ScheduleStore
	admission   *admission.Controller
	runner      Runner
	resumeCases []domain.CaseID
	brandMap    func() map[string][]string
	interval    time.Duration
	retention   time.Duration
	parser      cron.Parser
	logger      *slog.Logger

	mu      sync.Mutex
	nextDue map[string]time.Time // schedule id -> next fire time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher. brandMap supplies the brand → purchasers
// expansion used to turn schedule scopes into pair lists.
func New(store ScheduleStore, adm *admission.Controller, runner Runner,
	resumeCases []domain.CaseID, brandMap func() map[string][]string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		admission:   adm,
		runner:      runner,
		resumeCases: resumeCases,
		brandMap:    brandMap,
		interval:    DefaultCheckInterval,
		retention:   DefaultAuditRetention,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:      logger,
		nextDue:     map[string]time.Time{},
	}
}

// SetInterval overrides the check interval (used by tests).
func (d *Dispatcher) SetInterval(interval time.Duration) {
	d.interval = interval
}

// Start begins the background dispatcher goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		pruned := time.Time{}

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				d.Tick(ctx, now)
				if now.Sub(pruned) >= 24*time.Hour {
					pruned = now
					d.pruneAudit(ctx, now)
				}
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// Tick evaluates every schedule once against now. Exported for tests.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	schedules, err := d.store.ListSchedules(ctx)
	if err != nil {
		d.logger.Error("scheduler: list schedules failed", "error", err)
		return
	}

	live := map[string]struct{}{}
	for _, sched := range schedules {
		live[sched.ID] = struct{}{}
		d.evaluate(ctx, sched, now)
	}

	// Forget fire times of deleted schedules.
	d.mu.Lock()
	for id := range d.nextDue {
		if _, ok := live[id]; !ok {
			delete(d.nextDue, id)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) evaluate(ctx context.Context, sched domain.Schedule, now time.Time) {
	if err := ValidateSchedule(sched.Cron, sched.Timezone); err != nil {
		d.audit(ctx, sched.ID, domain.AuditSkipped, "error",
			fmt.Sprintf("schedule rejected: %v", err), nil)
		return
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		d.audit(ctx, sched.ID, domain.AuditSkipped, "error",
			fmt.Sprintf("timezone load failed: %v", err), nil)
		return
	}
	cronSched, err := d.parser.Parse(sched.Cron)
	if err != nil {
		d.audit(ctx, sched.ID, domain.AuditSkipped, "error",
			fmt.Sprintf("cron parse failed: %v", err), nil)
		return
	}

	// First sighting: arm the next fire time, don't fire.
	d.mu.Lock()
	due, armed := d.nextDue[sched.ID]
	if !armed {
		d.nextDue[sched.ID] = cronSched.Next(now.In(loc))
		d.mu.Unlock()
		return
	}
	if due.After(now) {
		d.mu.Unlock()
		return
	}
	// Advance from now so a missed window fires at most once.
	d.nextDue[sched.ID] = cronSched.Next(now.In(loc))
	d.mu.Unlock()

	d.fire(ctx, sched)
}

// fire runs the admission and pause gates, then starts a PIPE run.
func (d *Dispatcher) fire(ctx context.Context, sched domain.Schedule) {
	params := d.scopeParams(sched)

	if active, hit := d.admission.OverlapsActive(params); hit {
		d.audit(ctx, sched.ID, domain.AuditSkipped, "warn",
			fmt.Sprintf("skipped: scope overlap with %s run (case %s, run %s)",
				active.Origin, active.CaseID, active.RunID), nil)
		return
	}

	for _, caseID := range d.resumeCases {
		state, err := d.store.GetRunState(ctx, caseID)
		if err != nil {
			d.logger.Warn("scheduler: run state check failed", "case", caseID, "error", err)
			continue
		}
		if state != nil && state.Status == domain.RunStateStopped {
			d.audit(ctx, sched.ID, domain.AuditSkipped, "warn",
				fmt.Sprintf("skipped: case %s is paused on run %s", caseID, state.RunID), nil)
			return
		}
	}

	d.audit(ctx, sched.ID, domain.AuditExecuted, "info", "Scheduled job started",
		mustJSON(params))

	if err := d.runner.RunScheduled(ctx, params, sched.ID); err != nil {
		d.audit(ctx, sched.ID, domain.AuditExecuted, "error",
			fmt.Sprintf("Scheduled job failed: %v", err), nil)
		return
	}
	d.audit(ctx, sched.ID, domain.AuditExecuted, "info", "Scheduled job finished", nil)
}

// scopeParams expands (brands, purchasers) to the pair list the run scopes to.
// An empty brand list means every configured brand.
func (d *Dispatcher) scopeParams(sched domain.Schedule) domain.RunParams {
	byBrand := d.brandMap()
	brands := sched.Brands
	if len(brands) == 0 {
		for b := range byBrand {
			brands = append(brands, b)
		}
	}

	wanted := map[string]struct{}{}
	for _, p := range sched.Purchasers {
		wanted[p] = struct{}{}
	}

	var pairs []domain.Pair
	for _, brand := range brands {
		for _, purchaser := range byBrand[brand] {
			if len(wanted) > 0 {
				if _, ok := wanted[purchaser]; !ok {
					continue
				}
			}
			pairs = append(pairs, domain.Pair{Tenant: brand, Purchaser: purchaser})
		}
	}
	return domain.RunParams{Pairs: pairs}
}

func (d *Dispatcher) audit(ctx context.Context, scheduleID string, outcome domain.AuditOutcome, level, message string, data json.RawMessage) {
	err := d.store.AppendAudit(ctx, domain.ScheduleAuditEntry{
		ScheduleID: scheduleID,
		Outcome:    outcome,
		Level:      level,
		Message:    message,
		Data:       data,
	})
	if err != nil {
		d.logger.Warn("scheduler: audit write failed", "schedule_id", scheduleID, "error", err)
	}
}

func (d *Dispatcher) pruneAudit(ctx context.Context, now time.Time) {
	n, err := d.store.DeleteAuditOlderThan(ctx, now.Add(-d.retention))
	if err != nil {
		d.logger.Warn("scheduler: audit prune failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("scheduler: pruned audit entries", "count", n)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
