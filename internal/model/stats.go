package model

import "iter"

const (
	StatsCyclesTotal      = "/cycles/total"
	StatsCyclesErr        = "/cycles/errors"
	StatsFindingsTotal    = "/findings/total"
	StatsFindingsRejected = "/findings/rejected"
	StatsFindingsDropped  = "/findings/dropped"
	StatsFindingsFailed   = "/findings/failed"
	StatsAdaptersTotal    = "/adapters/total"
	StatsAdaptersErr      = "/adapters/errors"
)

// Stats collects ingestion counters
type Stats interface {
	IncCycles()
	IncErrCycles()
	AddFindings(n int)
	AddRejectedFindings(n int)
	AddDroppedFindings(n int)
	AddFailedFindings(n int)
	IncAdapters()
	IncErrAdapters()
	Stats() iter.Seq2[string, string]
}
