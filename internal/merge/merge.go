// Package merge deduplicates findings of one ingestion cycle.
//
// Findings sharing (target, port, protocol, category) are combined into one
// canonical finding:
//   - source_plugin becomes the composite label of all contributors, for example "nmap+nikto"
//   - severity is the maximum
//   - references and meta are united
//   - conflicting scalar fields are taken from the later finding in processing order
//
// Findings which are not informative after merging are dropped.
package merge

import (
	"slices"
	"strings"

	"github.com/honeyscan/honeyscan/internal/model"
)

// SourceSeparator joins plugin names of a composite source label
const SourceSeparator = "+"

// Result of a Merge call
type Result struct {
	Findings []model.Finding
	Rejected []model.RecordError
	// Dropped counts canonical findings removed by the informativeness filter
	Dropped int
}

// Merge combines merge candidates of findings. The input order is the
// processing order, output keeps the order of first appearance.
// Malformed findings are rejected individually.
func Merge(findings []model.Finding) Result {
	var ret Result
	index := make(map[model.MergeKey]int, len(findings))
	merged := make([]model.Finding, 0, len(findings))

	for idx, f := range findings {
		if err := f.Validate(); err != nil {
			ret.Rejected = append(ret.Rejected, model.NewRecordError(idx, f, err))
			continue
		}
		f = f.Normalized()
		key := f.Key()
		pos, ok := index[key]
		if !ok {
			f.SourcePlugin = Label(Sources(f.SourcePlugin))
			f.References = unionStrings(nil, f.References)
			index[key] = len(merged)
			merged = append(merged, f)
			continue
		}
		merged[pos] = combine(merged[pos], f)
	}

	for _, f := range merged {
		if !f.Informative() {
			ret.Dropped++
			continue
		}
		ret.Findings = append(ret.Findings, f)
	}
	return ret
}

// combine merges right into left, right wins on scalar collisions
func combine(left, right model.Finding) model.Finding {
	ret := left
	ret.SourcePlugin = Label(append(Sources(left.SourcePlugin), Sources(right.SourcePlugin)...))
	ret.Severity = model.MaxSeverity(left.Severity, right.Severity)
	ret.References = unionStrings(left.References, right.References)
	ret.Meta = left.Meta.Union(right.Meta)

	overwrite(&ret.IP, right.IP)
	overwrite(&ret.FQDN, right.FQDN)
	overwrite(&ret.OS, right.OS)
	overwrite(&ret.ServiceName, right.ServiceName)
	overwrite(&ret.Product, right.Product)
	overwrite(&ret.Version, right.Version)
	overwrite(&ret.Banner, right.Banner)
	overwrite(&ret.Title, right.Title)
	overwrite(&ret.Description, right.Description)
	if right.RawEvidence != nil {
		ret.RawEvidence = right.RawEvidence
	}
	return ret
}

func overwrite(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Sources splits a composite label into plugin names
func Sources(label string) []string {
	var ret []string
	for _, s := range strings.Split(label, SourceSeparator) {
		if s = strings.TrimSpace(s); s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}

// Label renders unique plugin names in order of first appearance
func Label(sources []string) string {
	seen := make([]string, 0, len(sources))
	for _, s := range sources {
		if !slices.Contains(seen, s) {
			seen = append(seen, s)
		}
	}
	return strings.Join(seen, SourceSeparator)
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	ret := make([]string, 0, len(a)+len(b))
	for _, s := range slices.Concat(a, b) {
		if s != "" && !slices.Contains(ret, s) {
			ret = append(ret, s)
		}
	}
	return ret
}
