// Package ingest runs ingestion cycles. A cycle waits for every adapter to
// finish, merges all findings at once and resolves the canonical findings
// into the storage. At most one cycle runs at a time.
package ingest

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/merge"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/parallel"
	"github.com/honeyscan/honeyscan/internal/registry"
	"github.com/honeyscan/honeyscan/internal/resolve"
	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/google/uuid"
)

// Job is one adapter run together with the registry entries which triggered it
type Job struct {
	Source    adapter.Source
	Triggered []int64
}

// AdapterFailure describes a failed adapter run
type AdapterFailure struct {
	Source    string  `json:"source"`
	Error     string  `json:"error"`
	Triggered []int64 `json:"triggered,omitempty"`
	Failed    int     `json:"failed"`
}

// Result of a single cycle
type Result struct {
	UUID       string                 `json:"uuid"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Adapters   int                    `json:"adapters"`
	Received   int                    `json:"received"`
	Canonical  int                    `json:"canonical"`
	Dropped    int                    `json:"dropped"`
	Rejected   []model.RecordError    `json:"rejected,omitempty"`
	Failures   []AdapterFailure       `json:"adapter_failures,omitempty"`
	Report     model.ResolutionReport `json:"report"`
}

// Ranker orders batches of a cycle, a lower rank is processed earlier
type Ranker interface {
	Rank(name string) int
}

// Cycle is safe for concurrent use, a concurrent Run fails with
// model.ErrCycleInProgress
type Cycle struct {
	mx       sync.Mutex
	db       *sql.DB
	resolver *resolve.Resolver
	registry *registry.Registry
	ranker   Ranker
	stats    model.Stats
	workers  int
}

// New returns a Cycle. ranker and stats may be nil.
func New(db *sql.DB, resolver *resolve.Resolver, reg *registry.Registry, ranker Ranker, stats model.Stats, workers int) *Cycle {
	if stats == nil {
		stats = nopStats{}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Cycle{
		db:       db,
		resolver: resolver,
		registry: reg,
		ranker:   ranker,
		stats:    stats,
		workers:  workers,
	}
}

type batch struct {
	idx int
	job Job
	adapter.Batch
	err error
}

// Run executes one ingestion cycle. Failed adapters mark the entries which
// triggered them failed and never abort the cycle. Only an unreachable
// storage or a canceled context does.
func (c *Cycle) Run(ctx context.Context, jobs []Job) (Result, error) {
	if !c.mx.TryLock() {
		return Result{}, model.ErrCycleInProgress
	}
	defer c.mx.Unlock()

	res := Result{
		UUID:      uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Adapters:  len(jobs),
	}
	ctx = log.ContextAttrs(ctx, slog.GroupAttrs("cycle", slog.String("uuid", res.UUID)))
	c.stats.IncCycles()

	if err := store.Ping(ctx, c.db); err != nil {
		c.stats.IncErrCycles()
		return res, err
	}
	if err := store.StartCycle(ctx, c.db, res.UUID); err != nil {
		c.stats.IncErrCycles()
		return res, fmt.Errorf("starting cycle: %w", err)
	}
	slog.InfoContext(ctx, "cycle started", "adapters", len(jobs))

	err := c.run(ctx, jobs, &res)
	res.FinishedAt = time.Now().UTC()
	if err != nil {
		c.stats.IncErrCycles()
		slog.ErrorContext(ctx, "cycle failed", "error", err)
		// ctx may be the reason
		if ferr := store.FinishCycleErr(context.WithoutCancel(ctx), c.db, res.UUID, err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "can't record cycle failure", "error", ferr)
		}
		return res, err
	}

	report, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encoding cycle report: %w", err)
	}
	if err := store.FinishCycleOK(ctx, c.db, res.UUID, string(report)); err != nil {
		c.stats.IncErrCycles()
		return res, fmt.Errorf("finishing cycle: %w", err)
	}
	slog.InfoContext(ctx, "cycle finished",
		slog.Int("received", res.Received),
		slog.Int("canonical", res.Canonical),
		slog.Int("dropped", res.Dropped),
		slog.Int("rejected", len(res.Rejected)),
		slog.Int("resolved", res.Report.Resolved),
		slog.Int("failed", len(res.Report.Failures)),
		slog.Int("adapter_failures", len(res.Failures)),
		slog.String("elapsed", res.FinishedAt.Sub(res.StartedAt).String()),
	)
	return res, nil
}

func (c *Cycle) run(ctx context.Context, jobs []Job, res *Result) error {
	batches, err := c.barrier(ctx, jobs)
	if err != nil {
		return err
	}

	var findings []model.Finding
	for _, b := range batches {
		c.stats.IncAdapters()
		if b.err != nil {
			c.stats.IncErrAdapters()
			res.Failures = append(res.Failures, c.adapterFailed(ctx, b))
			continue
		}
		res.Rejected = append(res.Rejected, b.Rejected...)
		findings = append(findings, b.Findings...)
	}
	res.Received = len(findings)

	merged := merge.Merge(findings)
	res.Canonical = len(merged.Findings)
	res.Dropped = merged.Dropped
	res.Rejected = append(res.Rejected, merged.Rejected...)
	c.stats.AddFindings(res.Received)
	c.stats.AddRejectedFindings(len(res.Rejected))
	c.stats.AddDroppedFindings(res.Dropped)

	if err := store.Ping(ctx, c.db); err != nil {
		return err
	}
	res.Report = c.resolver.Resolve(ctx, merged.Findings)
	c.stats.AddFailedFindings(len(res.Report.Failures))
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// barrier runs all jobs and waits for every one of them. Batches are
// returned in processing order: by rank of the source, then job order.
func (c *Cycle) barrier(ctx context.Context, jobs []Job) ([]batch, error) {
	seq := func(yield func(batch, error) bool) {
		for idx, job := range jobs {
			if !yield(batch{idx: idx, job: job}, nil) {
				return
			}
		}
	}
	runJob := func(ctx context.Context, b batch) (batch, error) {
		b.Batch, b.err = b.job.Source.Run(ctx)
		if b.err != nil && !errors.Is(b.err, model.ErrAdapterFailure) {
			b.err = fmt.Errorf("%w: %s: %w", model.ErrAdapterFailure, b.job.Source.Name(), b.err)
		}
		return b, nil
	}

	batches := make([]batch, 0, len(jobs))
	for b, err := range parallel.NewMap(ctx, c.workers, runJob).Iter(iter.Seq2[batch, error](seq)) {
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(batches, func(a, b batch) int {
		return cmp.Or(
			cmp.Compare(c.rank(a.job.Source.Name()), c.rank(b.job.Source.Name())),
			cmp.Compare(a.idx, b.idx),
		)
	})
	return batches, nil
}

func (c *Cycle) rank(name string) int {
	if c.ranker == nil {
		return 0
	}
	return c.ranker.Rank(name)
}

func (c *Cycle) adapterFailed(ctx context.Context, b batch) AdapterFailure {
	f := AdapterFailure{
		Source:    b.job.Source.Name(),
		Error:     b.err.Error(),
		Triggered: b.job.Triggered,
	}
	slog.WarnContext(ctx, "adapter failed", "source", f.Source, "error", b.err, "triggered", f.Triggered)
	if c.registry == nil || len(b.job.Triggered) == 0 {
		return f
	}
	n, err := c.registry.FailTriggered(ctx, b.job.Triggered, b.err.Error())
	if err != nil {
		slog.ErrorContext(ctx, "can't mark triggered entries failed", "source", f.Source, "error", err)
	}
	f.Failed = n
	return f
}

type nopStats struct{}

func (nopStats) IncCycles() {}
func (nopStats) IncErrCycles() {}
func (nopStats) AddFindings(int) {}
func (nopStats) AddRejectedFindings(int) {}
func (nopStats) AddDroppedFindings(int) {}
func (nopStats) AddFailedFindings(int) {}
func (nopStats) IncAdapters() {}
func (nopStats) IncErrAdapters() {}
func (nopStats) Stats() iter.Seq2[string, string] {
	return func(func(string, string) bool) {}
}
