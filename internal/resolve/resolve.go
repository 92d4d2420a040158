// Package resolve maps canonical findings onto persistent hosts, services,
// vulnerabilities, evidence and registry entries.
//
// Every finding is written in its own transaction. Findings sharing a host
// identity or a registry key are serialized by an in-process keyed lock, the
// storage unique constraints catch everything else as model.ErrRaceLost.
package resolve

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/merge"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	// transaction failures are retried once
	txRetries = 1
	// lost races are retried from scratch, the bound only guards against livelock
	raceRetries = 5

	identityConflictsKey = "identity_conflicts"
)

// Resolver is safe for concurrent use
type Resolver struct {
	db      *sql.DB
	rules   model.Rules
	workers int
	locks   *keyedMutex
}

func New(db *sql.DB, rules model.Rules, workers int) *Resolver {
	if workers <= 0 {
		workers = 1
	}
	return &Resolver{
		db:      db,
		rules:   rules,
		workers: workers,
		locks:   newKeyedMutex(),
	}
}

type outcome struct {
	report model.ResolutionReport
	err    error
}

// Resolve persists findings and returns the counts of created and updated
// rows. A failing finding is reported in Failures and never aborts the rest.
func (r *Resolver) Resolve(ctx context.Context, findings []model.Finding) model.ResolutionReport {
	outcomes := make([]outcome, len(findings))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for idx, f := range findings {
		g.Go(func() error {
			rep, err := r.ResolveOne(ctx, f)
			outcomes[idx] = outcome{report: rep, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var ret model.ResolutionReport
	for idx, o := range outcomes {
		if o.err != nil {
			rerr := model.NewRecordError(idx, findings[idx], o.err)
			slog.WarnContext(ctx, "resolving finding failed",
				slog.Int("index", idx),
				slog.String("target", findings[idx].Target),
				slog.String("code", string(rerr.Code)),
				slog.String("error", o.err.Error()),
			)
			ret.Failures = append(ret.Failures, rerr)
			continue
		}
		ret.Merge(o.report)
	}
	return ret
}

// ResolveOne persists a single finding atomically. Transaction failures are
// retried once, lost races are retried from scratch.
func (r *Resolver) ResolveOne(ctx context.Context, f model.Finding) (model.ResolutionReport, error) {
	if err := f.Validate(); err != nil {
		return model.ResolutionReport{}, err
	}
	f = f.Normalized()
	ip, fqdn := f.HostIdentity()
	candidates := r.rules.Derive(f)

	ctx = log.ContextAttrs(ctx, slog.Group("finding",
		slog.String("target", f.Target),
		slog.String("key", f.Key().String()),
		slog.String("source_plugin", f.SourcePlugin),
	))

	unlock := r.locks.Lock(lockKeys(ip, fqdn, candidates)...)
	defer unlock()

	var txTries, raceTries int
	for {
		var rep model.ResolutionReport
		err := store.Tx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			rep, err = r.apply(ctx, tx, f, ip, fqdn, candidates)
			return err
		})
		switch {
		case err == nil:
			rep.Resolved = 1
			return rep, nil
		case errors.Is(err, model.ErrRaceLost) && raceTries < raceRetries:
			raceTries++
			slog.DebugContext(ctx, "race lost, retrying", slog.Int("attempt", raceTries), slog.String("error", err.Error()))
		case errors.Is(err, model.ErrTransactionFailure) && txTries < txRetries:
			txTries++
			slog.DebugContext(ctx, "transaction failed, retrying", slog.String("error", err.Error()))
		default:
			return model.ResolutionReport{}, err
		}
	}
}

func lockKeys(ip, fqdn string, candidates []model.RegistryCandidate) []string {
	keys := make([]string, 0, 2+len(candidates))
	if ip != "" {
		keys = append(keys, "ip:"+ip)
	}
	if fqdn != "" {
		keys = append(keys, "fqdn:"+fqdn)
	}
	for _, c := range candidates {
		keys = append(keys, "registry:"+string(c.TargetType)+"/"+c.TargetValue+":"+strconv.Itoa(c.Port)+"/"+string(c.Protocol))
	}
	return keys
}

func (r *Resolver) apply(ctx context.Context, tx *sql.Tx, f model.Finding, ip, fqdn string, candidates []model.RegistryCandidate) (model.ResolutionReport, error) {
	var rep model.ResolutionReport

	host, err := upsertHost(ctx, tx, f, ip, fqdn, &rep)
	if err != nil {
		return rep, fmt.Errorf("upserting host: %w", err)
	}

	var svc *model.Service
	if f.HasService() || f.HasVulnerability() {
		s, err := upsertService(ctx, tx, f, host.ID, &rep)
		if err != nil {
			return rep, fmt.Errorf("upserting service: %w", err)
		}
		svc = &s
	}

	if svc != nil && f.HasVulnerability() {
		if err := insertVulnerability(ctx, tx, f, *svc, &rep); err != nil {
			return rep, err
		}
	}

	for _, c := range candidates {
		if err := upsertRegistry(ctx, tx, c, host.ID, svc, &rep); err != nil {
			return rep, fmt.Errorf("upserting registry entry %s: %w", c.TargetValue, err)
		}
	}
	return rep, nil
}

// upsertHost reuses a host matching either identity component. When the
// match would merge two distinct identities the existing host is kept and
// the conflict recorded in its meta.
func upsertHost(ctx context.Context, tx *sql.Tx, f model.Finding, ip, fqdn string, rep *model.ResolutionReport) (model.Host, error) {
	hosts, err := store.FindHosts(ctx, tx, ip, fqdn)
	if err != nil {
		return model.Host{}, err
	}
	if len(hosts) == 0 {
		h := model.Host{IP: ip, FQDN: fqdn, OS: f.OS, Meta: f.Meta.Clone()}
		if err := store.InsertHost(ctx, tx, &h); err != nil {
			return model.Host{}, err
		}
		rep.Hosts.Created++
		return h, nil
	}

	h := pickHost(hosts, ip, fqdn)
	orig := h
	conflict := len(hosts) > 1 ||
		(ip != "" && h.IP != "" && h.IP != ip) ||
		(fqdn != "" && h.FQDN != "" && h.FQDN != fqdn)

	if conflict {
		slog.WarnContext(ctx, "keeping existing host",
			slog.Int64("host_id", h.ID),
			slog.String("error", fmt.Errorf("%w: ip %q fqdn %q", model.ErrConflictingIdentity, ip, fqdn).Error()),
		)
		h.Meta = recordConflict(h.Meta, ip, fqdn, f.SourcePlugin)
		rep.Conflicts++
	} else {
		if h.IP == "" {
			h.IP = ip
		}
		if h.FQDN == "" {
			h.FQDN = fqdn
		}
		if h.OS == "" {
			h.OS = f.OS
		}
		h.Meta = h.Meta.Union(f.Meta)
	}

	if h.IP == orig.IP && h.FQDN == orig.FQDN && h.OS == orig.OS && metaEqual(h.Meta, orig.Meta) {
		return h, nil
	}
	if err := store.UpdateHost(ctx, tx, &h); err != nil {
		return model.Host{}, err
	}
	rep.Hosts.Updated++
	return h, nil
}

// pickHost prefers an exact identity match, then an IP match, then the oldest host
func pickHost(hosts []model.Host, ip, fqdn string) model.Host {
	for _, h := range hosts {
		if h.IP == ip && h.FQDN == fqdn {
			return h
		}
	}
	if ip != "" {
		for _, h := range hosts {
			if h.IP == ip {
				return h
			}
		}
	}
	return hosts[0]
}

func recordConflict(meta model.Meta, ip, fqdn, source string) model.Meta {
	entry := map[string]any{"ip": ip, "fqdn": fqdn, "source_plugin": source}
	var conflicts []any
	if existing, ok := meta[identityConflictsKey].([]any); ok {
		conflicts = slices.Clone(existing)
	}
	for _, c := range conflicts {
		if m, ok := c.(map[string]any); ok && m["ip"] == ip && m["fqdn"] == fqdn && m["source_plugin"] == source {
			return meta
		}
	}
	conflicts = append(conflicts, entry)
	return meta.Union(model.Meta{identityConflictsKey: conflicts})
}

func upsertService(ctx context.Context, tx *sql.Tx, f model.Finding, hostID int64, rep *model.ResolutionReport) (model.Service, error) {
	key := model.ServiceKey{
		HostID:       hostID,
		Port:         f.Port,
		Protocol:     f.Protocol,
		ServiceName:  f.ServiceName,
		SourcePlugin: f.SourcePlugin,
	}
	svc, err := store.GetServiceByKey(ctx, tx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		svc = model.Service{
			HostID:       key.HostID,
			Port:         key.Port,
			Protocol:     key.Protocol,
			ServiceName:  key.ServiceName,
			SourcePlugin: key.SourcePlugin,
			Product:      f.Product,
			Version:      f.Version,
			Banner:       f.Banner,
			Meta:         f.Meta.Clone(),
		}
		if err := store.InsertService(ctx, tx, &svc); err != nil {
			return model.Service{}, err
		}
		rep.Services.Created++
		return svc, nil
	case err != nil:
		return model.Service{}, err
	}

	orig := svc
	overwrite(&svc.Product, f.Product)
	overwrite(&svc.Version, f.Version)
	overwrite(&svc.Banner, f.Banner)
	svc.Meta = svc.Meta.Union(f.Meta)
	if svc.Product == orig.Product && svc.Version == orig.Version && svc.Banner == orig.Banner && metaEqual(svc.Meta, orig.Meta) {
		return svc, nil
	}
	if err := store.UpdateService(ctx, tx, &svc); err != nil {
		return model.Service{}, err
	}
	rep.Services.Updated++
	return svc, nil
}

func overwrite(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// insertVulnerability appends a vulnerability unless the service already has
// one with identical content
func insertVulnerability(ctx context.Context, tx *sql.Tx, f model.Finding, svc model.Service, rep *model.ResolutionReport) error {
	fp := Fingerprint(f)
	exists, err := store.VulnerabilityExists(ctx, tx, svc.ID, fp)
	if err != nil {
		return err
	}
	if exists {
		slog.DebugContext(ctx, "vulnerability already recorded", slog.String("fingerprint", fp))
		return nil
	}

	sources := f.SourcePlugin
	first := sources
	if s := merge.Sources(sources); len(s) > 0 {
		first = s[0]
	}
	v := model.Vulnerability{
		ServiceID:    svc.ID,
		HostID:       svc.HostID,
		Category:     f.Category,
		Severity:     f.Severity,
		Title:        f.Title,
		Description:  f.Description,
		References:   f.References,
		Source:       sources,
		SourcePlugin: first,
		Fingerprint:  fp,
		Meta:         f.Meta,
	}
	if err := store.InsertVulnerability(ctx, tx, &v); err != nil {
		return fmt.Errorf("inserting vulnerability: %w", err)
	}
	rep.Vulnerabilities.Created++

	if f.RawEvidence == nil {
		return nil
	}
	e := model.Evidence{
		VulnerabilityID: v.ID,
		LogPath:         f.RawEvidence.LogPath,
		LogType:         f.RawEvidence.LogType,
		Data:            f.RawEvidence.Data,
	}
	if err := store.InsertEvidence(ctx, tx, &e); err != nil {
		return fmt.Errorf("inserting evidence: %w", err)
	}
	rep.Evidence.Created++
	return nil
}

// upsertRegistry creates the entry in status new or enriches an existing one.
// The status of an existing entry is never changed.
func upsertRegistry(ctx context.Context, tx *sql.Tx, c model.RegistryCandidate, hostID int64, svc *model.Service, rep *model.ResolutionReport) error {
	var serviceID *int64
	if svc != nil {
		serviceID = &svc.ID
	}

	e, err := store.GetRegistryByKey(ctx, tx, c.RegistryKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e = model.RegistryEntry{
			RegistryKey:  c.RegistryKey,
			HostID:       &hostID,
			ServiceID:    serviceID,
			SourcePlugin: c.SourcePlugin,
			Status:       model.StatusNew,
			Tags:         c.Tags,
			Meta:         c.Meta,
		}
		if err := store.InsertRegistry(ctx, tx, &e); err != nil {
			return err
		}
		rep.Registry.Created++
		slog.DebugContext(ctx, "registry entry created", slog.Int64("registry_id", e.ID), slog.Any("tags", e.Tags))
		return nil
	case err != nil:
		return err
	}

	changed := false
	tags := model.UnionTags(e.Tags, c.Tags)
	if !slices.Equal(tags, e.Tags) {
		e.Tags = tags
		changed = true
	}
	if meta := e.Meta.Union(c.Meta); !metaEqual(meta, e.Meta) {
		e.Meta = meta
		changed = true
	}
	if e.HostID == nil {
		e.HostID = &hostID
		changed = true
	}
	if e.ServiceID == nil && serviceID != nil {
		e.ServiceID = serviceID
		changed = true
	}
	if !changed {
		return nil
	}
	if err := store.UpdateRegistryEnrichment(ctx, tx, &e); err != nil {
		return err
	}
	rep.Registry.Updated++
	return nil
}

// Fingerprint identifies the vulnerability content of a finding
func Fingerprint(f model.Finding) string {
	refs := slices.Clone(f.References)
	slices.Sort(refs)
	b, _ := json.Marshal(struct {
		Category    string   `json:"c"`
		Severity    string   `json:"s"`
		Title       string   `json:"t"`
		Description string   `json:"d"`
		References  []string `json:"r"`
		Source      string   `json:"p"`
	}{
		Category:    f.Category,
		Severity:    f.Severity.String(),
		Title:       f.Title,
		Description: f.Description,
		References:  refs,
		Source:      f.SourcePlugin,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// metaEqual compares meta as stored, numbers decoded from the database are float64
func metaEqual(a, b model.Meta) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
