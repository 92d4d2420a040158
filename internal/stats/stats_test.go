package stats_test

import (
	"maps"
	"strings"
	"sync"
	"testing"

	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/stats"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := stats.New(t.Name())
	require.NotNil(t, s)

	collected := maps.Collect(s.Stats())
	require.Len(t, collected, 8)
	for _, v := range collected {
		require.Equal(t, "0", v)
	}
}

func TestCounters(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    func(s *stats.Stats)
		then     map[string]string
	}{
		{
			scenario: "cycles",
			given: func(s *stats.Stats) {
				s.IncCycles()
				s.IncCycles()
				s.IncErrCycles()
			},
			then: map[string]string{model.StatsCyclesTotal: "2", model.StatsCyclesErr: "1"},
		},
		{
			scenario: "findings",
			given: func(s *stats.Stats) {
				s.AddFindings(10)
				s.AddRejectedFindings(2)
				s.AddDroppedFindings(3)
				s.AddFailedFindings(1)
				s.AddFindings(5)
			},
			then: map[string]string{
				model.StatsFindingsTotal:    "15",
				model.StatsFindingsRejected: "2",
				model.StatsFindingsDropped:  "3",
				model.StatsFindingsFailed:   "1",
			},
		},
		{
			scenario: "adapters",
			given: func(s *stats.Stats) {
				s.IncAdapters()
				s.IncErrAdapters()
			},
			then: map[string]string{model.StatsAdaptersTotal: "1", model.StatsAdaptersErr: "1"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			s := stats.New(t.Name())
			tc.given(s)
			collected := maps.Collect(s.Stats())
			for k, v := range tc.then {
				require.Equal(t, v, collected[t.Name()+k], k)
			}
		})
	}
}

func TestStatsIteratorFiltersPrefix(t *testing.T) {
	s1 := stats.New("prefix-1")
	s2 := stats.New("prefix-2")

	s1.IncCycles()
	s2.IncCycles()
	s2.IncCycles()

	collected := maps.Collect(s1.Stats())
	require.Len(t, collected, 8)
	for k := range collected {
		require.True(t, strings.HasPrefix(k, "prefix-1/"), "key %s should start with prefix-1", k)
	}
	require.Equal(t, "1", collected["prefix-1"+model.StatsCyclesTotal])
}

func TestStatsInterfaceImplementation(t *testing.T) {
	var _ model.Stats = (*stats.Stats)(nil)
}

func TestConcurrentIncrements(t *testing.T) {
	s := stats.New(t.Name())

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 100 {
				s.IncCycles()
				s.AddFindings(2)
				s.IncAdapters()
			}
		})
	}
	wg.Wait()

	collected := maps.Collect(s.Stats())
	require.Equal(t, "1000", collected[t.Name()+model.StatsCyclesTotal])
	require.Equal(t, "2000", collected[t.Name()+model.StatsFindingsTotal])
	require.Equal(t, "1000", collected[t.Name()+model.StatsAdaptersTotal])
}
