// Package orchestrate chains plugins through the registry. Every iteration
// claims all new entries, runs the plugins consuming them in a single
// ingestion cycle and marks the entries done. Findings of the cycle may
// create new entries for the next iteration. The loop stops at a fixed point,
// when nothing is claimable, or after the iteration budget.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/registry"
	"github.com/honeyscan/honeyscan/internal/store"
)

// SourceFunc creates the adapter of plugin p for a claimed entry
type SourceFunc func(p model.Plugin, target adapter.Target, timeout time.Duration) (adapter.Source, error)

type Options struct {
	Targets        model.Targets
	AdapterTimeout time.Duration
	MaxIterations  int
	// Sources defaults to adapter.New
	Sources SourceFunc
}

type Orchestrator struct {
	registry *registry.Registry
	cycle    *ingest.Cycle
	opts     Options
}

// New returns an Orchestrator running plugins applicable according to reg
func New(reg *registry.Registry, cycle *ingest.Cycle, opts Options) *Orchestrator {
	if opts.Sources == nil {
		opts.Sources = adapter.New
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1
	}
	return &Orchestrator{
		registry: reg,
		cycle:    cycle,
		opts:     opts,
	}
}

// Summary of an orchestrator run
type Summary struct {
	Seeded     int             `json:"seeded" yaml:"seeded"`
	Iterations int             `json:"iterations" yaml:"iterations"`
	Claimed    int             `json:"claimed" yaml:"claimed"`
	Done       int             `json:"done" yaml:"done"`
	Failed     int             `json:"failed" yaml:"failed"`
	FixedPoint bool            `json:"fixed_point" yaml:"fixed_point"`
	Cycles     []ingest.Result `json:"cycles" yaml:"cycles"`
}

// Run seeds the registry with configured targets and iterates until no entry
// is claimable or MaxIterations is reached
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	seeded, err := o.registry.Seed(ctx, o.opts.Targets)
	if err != nil {
		return sum, fmt.Errorf("seeding registry: %w", err)
	}
	sum.Seeded = seeded
	slog.DebugContext(ctx, "registry seeded", "created", seeded)

	for i := range o.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ictx := log.ContextAttrs(ctx, slog.Int("iteration", i+1))
		claimed, err := o.claimAll(ictx)
		if err != nil {
			return sum, err
		}
		if len(claimed) == 0 {
			sum.FixedPoint = true
			slog.InfoContext(ictx, "nothing to claim: fixed point reached")
			return sum, nil
		}
		sum.Iterations++
		sum.Claimed += len(claimed)

		res, done, failed, err := o.iterate(ictx, claimed)
		sum.Done += done
		sum.Failed += failed
		if err != nil {
			return sum, err
		}
		sum.Cycles = append(sum.Cycles, res)
	}

	left, err := o.registry.List(ctx, store.RegistryFilter{Statuses: []model.Status{model.StatusNew}, Limit: 1})
	if err != nil {
		return sum, err
	}
	if len(left) > 0 {
		slog.WarnContext(ctx, "iteration budget exhausted with new registry entries left", "max_iterations", o.opts.MaxIterations)
	} else {
		sum.FixedPoint = true
	}
	return sum, nil
}

func (o *Orchestrator) claimAll(ctx context.Context) ([]model.RegistryEntry, error) {
	var ret []model.RegistryEntry
	for {
		e, err := o.registry.ClaimNext(ctx, store.RegistryFilter{})
		if errors.Is(err, store.ErrNotFound) {
			return ret, nil
		}
		if err != nil {
			return ret, fmt.Errorf("claiming registry entry: %w", err)
		}
		ret = append(ret, e)
	}
}

// iterate runs all plugins applicable to the claimed entries in one cycle
func (o *Orchestrator) iterate(ctx context.Context, claimed []model.RegistryEntry) (ingest.Result, int, int, error) {
	var jobs []ingest.Job
	var failed int
	runnable := make([]model.RegistryEntry, 0, len(claimed))
	for _, e := range claimed {
		entryJobs, err := o.jobs(e)
		if err != nil {
			slog.WarnContext(ctx, "can't create adapters", "registry_id", e.ID, "error", err)
			if ferr := o.registry.MarkFailed(ctx, e.ID, err.Error()); ferr != nil {
				return ingest.Result{}, 0, failed, ferr
			}
			failed++
			continue
		}
		jobs = append(jobs, entryJobs...)
		runnable = append(runnable, e)
	}

	res, err := o.cycle.Run(ctx, jobs)
	if err != nil {
		ids := make([]int64, len(runnable))
		for i, e := range runnable {
			ids[i] = e.ID
		}
		n, ferr := o.registry.FailTriggered(context.WithoutCancel(ctx), ids, "ingestion cycle failed: "+err.Error())
		if ferr != nil {
			slog.ErrorContext(ctx, "can't mark claimed entries failed", "error", ferr)
		}
		return res, 0, failed + n, fmt.Errorf("ingestion cycle: %w", err)
	}
	for _, f := range res.Failures {
		failed += f.Failed
	}

	var done int
	for _, e := range runnable {
		err := o.finish(ctx, e.ID)
		switch {
		case err == nil:
			done++
		case errors.Is(err, model.ErrInvalidTransition):
			// failed by an adapter of this cycle
		default:
			return res, done, failed, err
		}
	}
	return res, done, failed, nil
}

func (o *Orchestrator) jobs(e model.RegistryEntry) ([]ingest.Job, error) {
	plugins := o.registry.Applicable(e)
	if len(plugins) == 0 {
		return nil, fmt.Errorf("%w: entry %d", model.ErrNotApplicable, e.ID)
	}
	target := adapter.TargetOf(e)
	ret := make([]ingest.Job, 0, len(plugins))
	for _, p := range plugins {
		src, err := o.opts.Sources(p, target, o.opts.AdapterTimeout)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ingest.Job{Source: src, Triggered: []int64{e.ID}})
	}
	return ret, nil
}

func (o *Orchestrator) finish(ctx context.Context, id int64) error {
	if err := o.registry.MarkScanned(ctx, id); err != nil {
		return err
	}
	return o.registry.MarkDone(ctx, id)
}
