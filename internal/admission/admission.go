// Package admission gates run starts: one run per case at a time, and no two
// concurrent runs whose scopes touch the same (brand, purchaser) data.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// ConflictError describes the active run a new request collided with.
type ConflictError struct {
	CaseID domain.CaseID
	Origin domain.Origin
	RunID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scope overlaps %s run (case %s, origin %s)",
		e.RunID, e.CaseID, e.Origin)
}

// Ticket is the registration of one admitted run. The coordinator binds its
// cancel function so a stop request can reach the run, and releases the
// ticket when the run finishes.
type Ticket struct {
	ctrl   *Controller
	caseID domain.CaseID
}

// BindCancel installs the run's cancellation handle.
func (t *Ticket) BindCancel(cancel context.CancelFunc) {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	if e, ok := t.ctrl.active[t.caseID]; ok {
		e.cancel = cancel
	}
}

// SetRunID records the allocated run id on the active entry.
func (t *Ticket) SetRunID(runID string) {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	if e, ok := t.ctrl.active[t.caseID]; ok {
		e.run.RunID = runID
	}
}

// Release unregisters the run. Safe to call once per ticket.
func (t *Ticket) Release() {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	delete(t.ctrl.active, t.caseID)
}

type entry struct {
	run    domain.ActiveRun
	cancel context.CancelFunc
}

// Controller holds the in-memory active-run table.
type Controller struct {
	mu     sync.Mutex
	active map[domain.CaseID]*entry
}

// NewController builds an empty admission table.
func NewController() *Controller {
	return &Controller{active: map[domain.CaseID]*entry{}}
}

// Admit registers a new run if its case is idle and its scope does not
// overlap any active run. Nothing is mutated on rejection.
func (c *Controller) Admit(caseID domain.CaseID, params domain.RunParams, origin domain.Origin, scheduleID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[caseID]; ok {
		return nil, fmt.Errorf("%s: %w", caseID, domain.ErrAlreadyRunning)
	}
	for _, e := range c.active {
		if ScopesOverlap(params, e.run.Params) {
			return nil, &ConflictError{
				CaseID: e.run.CaseID,
				Origin: e.run.Origin,
				RunID:  e.run.RunID,
			}
		}
	}

	c.active[caseID] = &entry{run: domain.ActiveRun{
		CaseID:     caseID,
		Params:     params,
		StartTime:  time.Now(),
		Status:     "running",
		Origin:     origin,
		ScheduleID: scheduleID,
	}}
	return &Ticket{ctrl: c, caseID: caseID}, nil
}

// OverlapsActive reports whether a scope would collide with any active run,
// without registering anything. The dispatcher probes with this before a tick.
func (c *Controller) OverlapsActive(params domain.RunParams) (domain.ActiveRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.active {
		if ScopesOverlap(params, e.run.Params) {
			return e.run, true
		}
	}
	return domain.ActiveRun{}, false
}

// Stop cancels the active run for a case. Returns false if the case is idle.
func (c *Controller) Stop(caseID domain.CaseID) bool {
	c.mu.Lock()
	e, ok := c.active[caseID]
	var cancel context.CancelFunc
	if ok {
		e.run.Status = "stopping"
		cancel = e.cancel
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// Get returns the active run for a case, if any.
func (c *Controller) Get(caseID domain.CaseID) (domain.ActiveRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[caseID]
	if !ok {
		return domain.ActiveRun{}, false
	}
	return e.run, true
}

// Active returns a snapshot of all active runs.
func (c *Controller) Active() []domain.ActiveRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ActiveRun, 0, len(c.active))
	for _, e := range c.active {
		out = append(out, e.run)
	}
	return out
}

// IsGlobal reports whether a scope names no tenant and no pairs. A global
// scope conflicts with everything.
func IsGlobal(p domain.RunParams) bool {
	return p.Tenant == "" && len(p.Pairs) == 0
}

// ScopesOverlap implements the scope conflict rule: global scopes overlap
// everything; otherwise the pair sets must intersect, where a pair with an
// empty purchaser covers the whole brand.
func ScopesOverlap(a, b domain.RunParams) bool {
	if IsGlobal(a) || IsGlobal(b) {
		return true
	}
	for _, pa := range pairSet(a) {
		for _, pb := range pairSet(b) {
			if pa.Tenant != pb.Tenant {
				continue
			}
			if pa.Purchaser == "" || pb.Purchaser == "" || pa.Purchaser == pb.Purchaser {
				return true
			}
		}
	}
	return false
}

// pairSet expands a scope to its pair list. An explicit pair list wins;
// otherwise the (tenant, purchaser) fields form a single pair.
func pairSet(p domain.RunParams) []domain.Pair {
	if len(p.Pairs) > 0 {
		return p.Pairs
	}
	return []domain.Pair{{Tenant: p.Tenant, Purchaser: p.Purchaser}}
}
