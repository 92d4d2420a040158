// Package registry drives the lifecycle of registry entries
//
//	new -> queued -> scanned -> done
//	queued, scanned -> failed
//	failed -> new
//
// Every transition is a single compare-and-set in the storage, so two
// concurrent callers can never both move the same entry.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/plugin"
	"github.com/honeyscan/honeyscan/internal/store"
)

const (
	// SeedSource is the source_plugin of entries seeded from configured targets
	SeedSource = "config"

	metaError    = "error"
	metaFailedAt = "failed_at"
)

type Registry struct {
	db    *sql.DB
	graph *plugin.Graph
}

// New returns a Registry. Entries are claimed only when graph has a plugin
// consuming one of their tags, a nil graph disables the check.
func New(db *sql.DB, graph *plugin.Graph) *Registry {
	return &Registry{db: db, graph: graph}
}

func (r *Registry) Get(ctx context.Context, id int64) (model.RegistryEntry, error) {
	return store.GetRegistry(ctx, r.db, id)
}

func (r *Registry) List(ctx context.Context, filter store.RegistryFilter) ([]model.RegistryEntry, error) {
	return store.ListRegistry(ctx, r.db, filter)
}

// Applicable returns plugins which may consume the entry
func (r *Registry) Applicable(e model.RegistryEntry) []model.Plugin {
	if r.graph == nil {
		return nil
	}
	return r.graph.Applicable(e.Tags)
}

func (r *Registry) applicable(e model.RegistryEntry) bool {
	return r.graph == nil || len(r.graph.Applicable(e.Tags)) > 0
}

// Claim moves a new entry to queued. It returns model.ErrNotApplicable when
// no plugin consumes the entry, which then stays new, and model.ErrRaceLost
// when a concurrent caller claimed it first.
func (r *Registry) Claim(ctx context.Context, id int64) (model.RegistryEntry, error) {
	e, err := store.GetRegistry(ctx, r.db, id)
	if err != nil {
		return e, err
	}
	if e.Status != model.StatusNew {
		return e, fmt.Errorf("%w: entry %d is %s", model.ErrInvalidTransition, id, e.Status)
	}
	if !r.applicable(e) {
		return e, fmt.Errorf("%w: entry %d tags %v", model.ErrNotApplicable, id, e.Tags)
	}
	ok, err := store.CompareAndSetStatus(ctx, r.db, id, []model.Status{model.StatusNew}, model.StatusQueued, nil)
	if err != nil {
		return e, err
	}
	if !ok {
		return e, fmt.Errorf("%w: entry %d claimed concurrently", model.ErrRaceLost, id)
	}
	slog.DebugContext(ctx, "registry entry claimed", slog.Int64("registry_id", id))
	return store.GetRegistry(ctx, r.db, id)
}

// ClaimNext claims the oldest new entry matching filter with an applicable
// plugin. Lost races move on to the next candidate. model.ErrNotFound is
// returned when nothing is left to claim.
func (r *Registry) ClaimNext(ctx context.Context, filter store.RegistryFilter) (model.RegistryEntry, error) {
	filter.Statuses = []model.Status{model.StatusNew}
	filter.Limit = 0
	entries, err := store.ListRegistry(ctx, r.db, filter)
	if err != nil {
		return model.RegistryEntry{}, err
	}
	for _, e := range entries {
		if !r.applicable(e) {
			continue
		}
		claimed, err := r.Claim(ctx, e.ID)
		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, model.ErrRaceLost), errors.Is(err, model.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			continue
		default:
			return model.RegistryEntry{}, err
		}
	}
	return model.RegistryEntry{}, fmt.Errorf("%w: no claimable entry", store.ErrNotFound)
}

// Transition moves the entry to status to if the lifecycle allows it
func (r *Registry) Transition(ctx context.Context, id int64, to model.Status) error {
	ok, err := store.CompareAndSetStatus(ctx, r.db, id, model.Sources(to), to, nil)
	if err != nil {
		return err
	}
	if ok {
		slog.DebugContext(ctx, "registry entry transition", slog.Int64("registry_id", id), slog.String("status", string(to)))
		return nil
	}
	return r.rejected(ctx, id, to)
}

func (r *Registry) rejected(ctx context.Context, id int64, to model.Status) error {
	e, err := store.GetRegistry(ctx, r.db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %d %s -> %s", model.ErrInvalidTransition, id, e.Status, to)
}

// MarkScanned records the dependent scan output was ingested
func (r *Registry) MarkScanned(ctx context.Context, id int64) error {
	return r.Transition(ctx, id, model.StatusScanned)
}

// MarkDone records no further plugin applies to the entry
func (r *Registry) MarkDone(ctx context.Context, id int64) error {
	return r.Transition(ctx, id, model.StatusDone)
}

// MarkFailed moves a queued or scanned entry to failed and stores the reason
// in its meta
func (r *Registry) MarkFailed(ctx context.Context, id int64, reason string) error {
	err := store.Tx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		e, err := store.GetRegistry(ctx, tx, id)
		if err != nil {
			return err
		}
		meta := e.Meta.Union(model.Meta{
			metaError:    reason,
			metaFailedAt: time.Now().UTC().Format(time.RFC3339),
		})
		ok, err := store.CompareAndSetStatus(ctx, tx, id, model.Sources(model.StatusFailed), model.StatusFailed, meta)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entry %d %s -> %s", model.ErrInvalidTransition, id, e.Status, model.StatusFailed)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "registry entry failed", slog.Int64("registry_id", id), slog.String("reason", reason))
	return nil
}

// FailTriggered marks failed every entry whose dependent scan failed. Entries
// which can't fail any more are skipped. Returns number of failed entries.
func (r *Registry) FailTriggered(ctx context.Context, ids []int64, reason string) (int, error) {
	var n int
	var errs []error
	for _, id := range ids {
		err := r.MarkFailed(ctx, id, reason)
		switch {
		case err == nil:
			n++
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			slog.DebugContext(ctx, "skipping registry entry", slog.Int64("registry_id", id), slog.String("error", err.Error()))
		default:
			errs = append(errs, fmt.Errorf("entry %d: %w", id, err))
		}
	}
	return n, errors.Join(errs...)
}

// Requeue is the operator action resetting a failed entry to new
func (r *Registry) Requeue(ctx context.Context, id int64) error {
	return r.Transition(ctx, id, model.StatusNew)
}

// Purge deletes entries in any of statuses, nothing is purged implicitly
func (r *Registry) Purge(ctx context.Context, statuses []model.Status) (int64, error) {
	for _, s := range statuses {
		if !s.IsValid() {
			return 0, fmt.Errorf("purge: unknown status %q", s)
		}
	}
	n, err := store.PurgeRegistry(ctx, r.db, statuses)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "registry purged", slog.Int64("deleted", n), slog.Any("statuses", statuses))
	return n, nil
}

// Seed creates entries for the configured targets tagged by their type.
// Existing entries are left untouched. Returns number of created entries.
func (r *Registry) Seed(ctx context.Context, targets model.Targets) (int, error) {
	var n int
	seed := func(typ model.TargetType, values []string) error {
		for _, v := range values {
			if v == "" {
				continue
			}
			key := model.RegistryKey{TargetType: typ, TargetValue: v}
			_, err := store.GetRegistryByKey(ctx, r.db, key)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			e := model.RegistryEntry{
				RegistryKey:  key,
				SourcePlugin: SeedSource,
				Status:       model.StatusNew,
				Tags:         []string{string(typ)},
			}
			err = store.InsertRegistry(ctx, r.db, &e)
			switch {
			case err == nil:
				n++
			case errors.Is(err, model.ErrRaceLost):
				// seeded concurrently
			default:
				return err
			}
		}
		return nil
	}

	if err := seed(model.TargetIP, normalize(targets.IP)); err != nil {
		return n, err
	}
	if err := seed(model.TargetDomain, normalize(targets.Domain)); err != nil {
		return n, err
	}
	if err := seed(model.TargetNetwork, targets.Network); err != nil {
		return n, err
	}
	return n, nil
}

// normalize renders hosts the same way findings are normalized
func normalize(values []string) []string {
	ret := make([]string, 0, len(values))
	for _, v := range values {
		ret = append(ret, model.Finding{Target: v}.Normalized().Target)
	}
	return ret
}
