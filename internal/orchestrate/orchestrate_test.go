package orchestrate_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/orchestrate"
	"github.com/honeyscan/honeyscan/internal/plugin"
	"github.com/honeyscan/honeyscan/internal/registry"
	"github.com/honeyscan/honeyscan/internal/resolve"
	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var plugins = []model.Plugin{
	{Name: "nmap", Enabled: true, Category: "network", Consumes: []string{"ip", "domain"}},
	{Name: "nikto", Enabled: true, Category: "web", Consumes: []string{"web"}, DependsOn: []string{"nmap"}, StrictDependencies: true},
}

// fakeSource emulates nmap discovering a web server and nikto reporting on it
type fakeSource struct {
	plugin model.Plugin
	target adapter.Target
	fail   bool
}

func (s fakeSource) Name() string { return s.plugin.Name }

func (s fakeSource) Run(context.Context) (adapter.Batch, error) {
	if s.fail {
		return adapter.Batch{}, errors.New("boom")
	}
	var f model.Finding
	switch s.plugin.Name {
	case "nmap":
		f = model.Finding{
			Target:      s.target.Value,
			Port:        80,
			Protocol:    model.ProtocolTCP,
			ServiceName: "http",
			Category:    "network",
			Severity:    model.SeverityMedium,
			Title:       "open tcp/80 http",
		}
	case "nikto":
		f = model.Finding{
			Target:      s.target.Value,
			Port:        s.target.Port,
			Protocol:    model.Protocol(s.target.Protocol),
			Category:    "web",
			Severity:    model.SeverityLow,
			Description: "X-Frame-Options header is not present",
		}
	}
	f.SourcePlugin = s.plugin.Name
	return adapter.Batch{Source: s.plugin.Name, Findings: []model.Finding{f}}, nil
}

type recorder struct {
	mx    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recorder) sources(p model.Plugin, target adapter.Target, _ time.Duration) (adapter.Source, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, p.Name+" "+target.Address())
	return fakeSource{plugin: p, target: target, fail: r.fail[p.Name]}, nil
}

func setup(t *testing.T, rec *recorder, maxIterations int) (*sql.DB, *registry.Registry, *orchestrate.Orchestrator) {
	t.Helper()
	db, err := store.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g, err := plugin.New(plugins)
	require.NoError(t, err)
	reg := registry.New(db, g)
	cycle := ingest.New(db, resolve.New(db, model.DefaultRules(), 2), reg, g, nil, 2)
	o := orchestrate.New(reg, cycle, orchestrate.Options{
		Targets:        model.Targets{IP: []string{"10.0.0.5"}},
		AdapterTimeout: time.Minute,
		MaxIterations:  maxIterations,
		Sources:        rec.sources,
	})
	return db, reg, o
}

func TestRun(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	db, reg, o := setup(t, rec, 5)
	ctx := t.Context()

	sum, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Seeded)
	require.Equal(t, 2, sum.Iterations)
	require.Equal(t, 2, sum.Claimed)
	require.Equal(t, 2, sum.Done)
	require.Zero(t, sum.Failed)
	require.True(t, sum.FixedPoint)
	require.Len(t, sum.Cycles, 2)
	require.Equal(t, []string{"nmap 10.0.0.5", "nikto 10.0.0.5:80"}, rec.calls)

	entries, err := reg.List(ctx, store.RegistryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, model.StatusDone, e.Status, e.RegistryKey)
	}

	counts, err := store.GetCounts(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Hosts)
	require.Equal(t, 2, counts.Vulnerabilities)

	t.Run("rerun is a fixed point", func(t *testing.T) {
		sum, err := o.Run(ctx)
		require.NoError(t, err)
		require.Zero(t, sum.Seeded)
		require.Zero(t, sum.Iterations)
		require.True(t, sum.FixedPoint)
	})
}

func TestIterationBudget(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	_, reg, o := setup(t, rec, 1)

	sum, err := o.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Iterations)
	require.False(t, sum.FixedPoint)

	fresh, err := reg.List(t.Context(), store.RegistryFilter{Statuses: []model.Status{model.StatusNew}})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, []string{"web"}, fresh[0].Tags)
}

func TestAdapterFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{fail: map[string]bool{"nikto": true}}
	_, reg, o := setup(t, rec, 5)

	sum, err := o.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Done)
	require.Equal(t, 1, sum.Failed)
	require.True(t, sum.FixedPoint)

	failed, err := reg.List(t.Context(), store.RegistryFilter{Statuses: []model.Status{model.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 80, failed[0].Port)
}
