package stats

import (
	"expvar"
	"iter"
	"maps"
	"slices"
)

// Stats holds expvar-backed counters of the ingestion and publishes them under
// a common key prefix. All counters are expvar.Map and are safe for
// concurrent updates. The server mode exposes them at /debug/vars.
//
//   - cycles: total, errors - ingestion cycles started and failed
//   - findings: total, rejected, dropped, failed - findings received from
//     adapters, rejected as malformed, dropped as not informative and failed
//     to resolve
//   - adapters: total, errors - adapter runs and failed adapter runs
type Stats struct {
	prefix   string
	root     *expvar.Map
	cycles   *expvar.Map
	findings *expvar.Map
	adapters *expvar.Map
}

// New publishes new set of metrics. Registering the same prefix twice causes
// panic, so tests should use a unique prefix.
func New(prefix string) *Stats {
	root := expvar.NewMap(prefix)
	cycles := new(expvar.Map).Init()
	findings := new(expvar.Map).Init()
	adapters := new(expvar.Map).Init()

	for _, k := range []string{"total", "errors"} {
		cycles.Add(k, 0)
		adapters.Add(k, 0)
	}
	for _, k := range []string{"total", "rejected", "dropped", "failed"} {
		findings.Add(k, 0)
	}

	root.Set("cycles", cycles)
	root.Set("findings", findings)
	root.Set("adapters", adapters)

	return &Stats{
		prefix:   prefix,
		root:     root,
		cycles:   cycles,
		findings: findings,
		adapters: adapters,
	}
}

func (s *Stats) IncCycles() {
	s.cycles.Add("total", 1)
}
func (s *Stats) IncErrCycles() {
	s.cycles.Add("errors", 1)
}
func (s *Stats) AddFindings(n int) {
	s.findings.Add("total", int64(n))
}
func (s *Stats) AddRejectedFindings(n int) {
	s.findings.Add("rejected", int64(n))
}
func (s *Stats) AddDroppedFindings(n int) {
	s.findings.Add("dropped", int64(n))
}
func (s *Stats) AddFailedFindings(n int) {
	s.findings.Add("failed", int64(n))
}
func (s *Stats) IncAdapters() {
	s.adapters.Add("total", 1)
}
func (s *Stats) IncErrAdapters() {
	s.adapters.Add("errors", 1)
}

// Stats returns a name, value iterator across registered metrics in an
// alphabetic order. It uses expvar.Do, so is safe to be called concurrently.
func (s *Stats) Stats() iter.Seq2[string, string] {
	stats := make(map[string]string, 8)
	for group, m := range map[string]*expvar.Map{
		"cycles":   s.cycles,
		"findings": s.findings,
		"adapters": s.adapters,
	} {
		m.Do(func(kv expvar.KeyValue) {
			stats["/"+group+"/"+kv.Key] = kv.Value.String()
		})
	}

	keys := slices.Sorted(maps.Keys(stats))
	return func(yield func(string, string) bool) {
		for _, key := range keys {
			if !yield(s.prefix+key, stats[key]) {
				return
			}
		}
	}
}
