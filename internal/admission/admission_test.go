package admission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/domain"
)

func scope(tenant, purchaser string) domain.RunParams {
	return domain.RunParams{Tenant: tenant, Purchaser: purchaser}
}

func pairScope(pairs ...domain.Pair) domain.RunParams {
	return domain.RunParams{Pairs: pairs}
}

func TestScopesOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b domain.RunParams
		want bool
	}{
		{"global vs anything", domain.RunParams{}, scope("acme", "retail"), true},
		{"anything vs global", scope("acme", "retail"), domain.RunParams{}, true},
		{"same pair", scope("acme", "retail"), scope("acme", "retail"), true},
		{"same tenant different purchaser", scope("acme", "retail"), scope("acme", "web"), false},
		{"tenant wildcard covers purchaser", scope("acme", ""), scope("acme", "web"), true},
		{"different tenants", scope("acme", "retail"), scope("globex", "retail"), false},
		{"pair list intersects", pairScope(domain.Pair{Tenant: "acme", Purchaser: "web"}), scope("acme", "web"), true},
		{"pair list disjoint", pairScope(domain.Pair{Tenant: "acme", Purchaser: "web"}), scope("globex", ""), false},
		{
			"pair lists share one pair",
			pairScope(domain.Pair{Tenant: "acme", Purchaser: "a"}, domain.Pair{Tenant: "globex", Purchaser: "b"}),
			pairScope(domain.Pair{Tenant: "globex", Purchaser: "b"}),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, admission.ScopesOverlap(tt.a, tt.b))
			assert.Equal(t, tt.want, admission.ScopesOverlap(tt.b, tt.a))
		})
	}
}

func TestController_RejectsSameCase(t *testing.T) {
	c := admission.NewController()

	ticket, err := c.Admit(domain.CasePipe, scope("acme", "retail"), domain.OriginManual, "")
	require.NoError(t, err)
	defer ticket.Release()

	_, err = c.Admit(domain.CasePipe, scope("globex", "web"), domain.OriginManual, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestController_RejectsOverlappingScope(t *testing.T) {
	c := admission.NewController()

	ticket, err := c.Admit(domain.CasePipe, scope("acme", ""), domain.OriginScheduled, "sched-1")
	require.NoError(t, err)
	ticket.SetRunID("RUN9")
	defer ticket.Release()

	_, err = c.Admit(domain.CaseSync, scope("acme", "retail"), domain.OriginManual, "")
	var conflict *admission.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.CasePipe, conflict.CaseID)
	assert.Equal(t, domain.OriginScheduled, conflict.Origin)
	assert.Equal(t, "RUN9", conflict.RunID)
}

func TestController_DisjointScopesRunConcurrently(t *testing.T) {
	c := admission.NewController()

	t1, err := c.Admit(domain.CasePipe, scope("acme", "retail"), domain.OriginManual, "")
	require.NoError(t, err)
	t2, err := c.Admit(domain.CaseSync, scope("globex", "web"), domain.OriginManual, "")
	require.NoError(t, err)

	assert.Len(t, c.Active(), 2)

	t1.Release()
	t2.Release()
	assert.Empty(t, c.Active())
}

func TestController_ReleaseAllowsReadmission(t *testing.T) {
	c := admission.NewController()

	ticket, err := c.Admit(domain.CasePipe, domain.RunParams{}, domain.OriginManual, "")
	require.NoError(t, err)
	ticket.Release()

	ticket, err = c.Admit(domain.CasePipe, domain.RunParams{}, domain.OriginManual, "")
	require.NoError(t, err)
	ticket.Release()
}

func TestController_StopCancelsBoundContext(t *testing.T) {
	c := admission.NewController()

	ticket, err := c.Admit(domain.CaseExtract, scope("acme", "retail"), domain.OriginManual, "")
	require.NoError(t, err)
	defer ticket.Release()

	ctx, cancel := context.WithCancel(context.Background())
	ticket.BindCancel(cancel)

	require.True(t, c.Stop(domain.CaseExtract))
	<-ctx.Done()

	run, ok := c.Get(domain.CaseExtract)
	require.True(t, ok)
	assert.Equal(t, "stopping", run.Status)

	assert.False(t, c.Stop(domain.CasePipe), "idle case has nothing to stop")
}

func TestController_OverlapsActiveProbe(t *testing.T) {
	c := admission.NewController()

	_, hit := c.OverlapsActive(scope("acme", "retail"))
	assert.False(t, hit)

	ticket, err := c.Admit(domain.CasePipe, scope("acme", ""), domain.OriginManual, "")
	require.NoError(t, err)
	defer ticket.Release()

	run, hit := c.OverlapsActive(scope("acme", "retail"))
	assert.True(t, hit)
	assert.Equal(t, domain.CasePipe, run.CaseID)
}
