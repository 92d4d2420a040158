package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/honeyscan/honeyscan/internal/api"
	"github.com/honeyscan/honeyscan/internal/api/mock"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/plugin"
	"github.com/honeyscan/honeyscan/internal/registry"
	"github.com/honeyscan/honeyscan/internal/resolve"
	"github.com/honeyscan/honeyscan/internal/stats"
	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	reg     *mock.MockRegistry
	ing     *mock.MockIngester
	ledger  *mock.MockLedger
	handler http.Handler
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	fx := fixture{
		reg:    mock.NewMockRegistry(ctrl),
		ing:    mock.NewMockIngester(ctrl),
		ledger: mock.NewMockLedger(ctrl),
	}
	fx.handler = api.New(fx.reg, fx.ing, fx.ledger, nil).Handler()
	return fx
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func entry(id int64, status model.Status) model.RegistryEntry {
	return model.RegistryEntry{
		ID: id,
		RegistryKey: model.RegistryKey{
			TargetType:  model.TargetHostPort,
			TargetValue: "10.0.0.5",
			Port:        80,
			Protocol:    model.ProtocolTCP,
		},
		SourcePlugin: "nmap",
		Status:       status,
		Tags:         []string{"web"},
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	resp := do(t, fx.handler, http.MethodGet, "/v1/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp = do(t, fx.handler, http.MethodPost, "/v1/health", "", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, fx.handler, http.MethodGet, "/v1/findings", "", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, fx.handler, http.MethodGet, "/v1/nope", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRegistry(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     store.RegistryFilter
	}{
		{
			scenario: "no filter",
			given:    "/v1/registry",
			then:     store.RegistryFilter{},
		},
		{
			scenario: "all filters",
			given:    "/v1/registry?status=new,failed&type=host_port&source_plugin=nmap&protocol=TCP&tag=web&tag=tls&limit=5",
			then: store.RegistryFilter{
				Statuses:     []model.Status{model.StatusNew, model.StatusFailed},
				TargetType:   model.TargetHostPort,
				SourcePlugin: "nmap",
				Protocol:     model.ProtocolTCP,
				Tags:         []string{"web", "tls"},
				Limit:        5,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			fx := setup(t)
			fx.reg.EXPECT().List(gomock.Any(), tc.then).Return([]model.RegistryEntry{entry(1, model.StatusNew)}, nil)

			resp := do(t, fx.handler, http.MethodGet, tc.given, "", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var got struct {
				Entries []model.RegistryEntry `json:"entries"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			require.Len(t, got.Entries, 1)
			require.Equal(t, int64(1), got.Entries[0].ID)
		})
	}

	t.Run("invalid filter", func(t *testing.T) {
		t.Parallel()
		fx := setup(t)
		for _, target := range []string{"/v1/registry?status=lost", "/v1/registry?type=planet", "/v1/registry?limit=-1"} {
			resp := do(t, fx.handler, http.MethodGet, target, "", "")
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, target)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		t.Parallel()
		fx := setup(t)
		fx.reg.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, nil)
		resp := do(t, fx.handler, http.MethodGet, "/v1/registry", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		require.Equal(t, []any{}, got["entries"])
	})
}

func TestClaim(t *testing.T) {
	t.Parallel()
	type then struct {
		status int
	}
	var testCases = []struct {
		scenario string
		given    error
		then     then
	}{
		{scenario: "claimed", given: nil, then: then{status: http.StatusOK}},
		{scenario: "race lost", given: fmt.Errorf("%w: entry 7", model.ErrRaceLost), then: then{status: http.StatusConflict}},
		{scenario: "not new", given: fmt.Errorf("%w: entry 7 is done", model.ErrInvalidTransition), then: then{status: http.StatusConflict}},
		{scenario: "no plugin", given: model.ErrNotApplicable, then: then{status: http.StatusUnprocessableEntity}},
		{scenario: "unknown", given: store.ErrNotFound, then: then{status: http.StatusNotFound}},
		{scenario: "storage", given: fmt.Errorf("%w: database is locked", model.ErrTransactionFailure), then: then{status: http.StatusServiceUnavailable}},
		{scenario: "other", given: fmt.Errorf("disk on fire"), then: then{status: http.StatusInternalServerError}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			fx := setup(t)
			fx.reg.EXPECT().Claim(gomock.Any(), int64(7)).Return(entry(7, model.StatusQueued), tc.given)

			resp := do(t, fx.handler, http.MethodPost, "/v1/registry/7/claim", "", "")
			require.Equal(t, tc.then.status, resp.StatusCode)
			if tc.given != nil {
				var got map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
				require.NotEmpty(t, got["message"])
				require.NotContains(t, got["message"], "disk on fire")
			}
		})
	}
}

func TestClaimNext(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	fx.reg.EXPECT().ClaimNext(gomock.Any(), store.RegistryFilter{Tags: []string{"web"}}).Return(entry(3, model.StatusQueued), nil)
	fx.reg.EXPECT().ClaimNext(gomock.Any(), store.RegistryFilter{}).Return(model.RegistryEntry{}, store.ErrNotFound)

	resp := do(t, fx.handler, http.MethodPost, "/v1/registry/claim?tag=web", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.RegistryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, int64(3), got.ID)
	require.Equal(t, model.StatusQueued, got.Status)

	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/claim", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	gomock.InOrder(
		fx.reg.EXPECT().MarkScanned(gomock.Any(), int64(4)).Return(nil),
		fx.reg.EXPECT().MarkDone(gomock.Any(), int64(4)).Return(nil),
		fx.reg.EXPECT().Requeue(gomock.Any(), int64(4)).Return(fmt.Errorf("%w: entry 4 done -> new", model.ErrInvalidTransition)),
		fx.reg.EXPECT().MarkFailed(gomock.Any(), int64(5), "nikto crashed").Return(nil),
		fx.reg.EXPECT().MarkFailed(gomock.Any(), int64(6), "failed by api request").Return(nil),
	)

	resp := do(t, fx.handler, http.MethodPost, "/v1/registry/4/scanned", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/4/done", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/4/requeue", "", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/5/fail", "application/json", `{"reason": "nikto crashed"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/6/fail", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/4/explode", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, fx.handler, http.MethodPost, "/v1/registry/5/fail", "application/json", `{"reason":`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubmitFindings(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario    string
		contentType string
		given       string
	}{
		{
			scenario:    "json",
			contentType: "application/json; charset=utf-8",
			given:       `[{"target": "10.0.0.5", "port": 80, "category": "web", "title": "nikto"}, {"port": 1}]`,
		},
		{
			scenario:    "yaml",
			contentType: "application/yaml",
			given: `
- target: 10.0.0.5
  port: 80
  category: web
  title: nikto
- port: 1
`,
		},
		{
			scenario:    "jsonl",
			contentType: "application/x-ndjson",
			given: `{"target": "10.0.0.5", "port": 80, "category": "web", "title": "nikto"}
{"port": 1}
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			fx := setup(t)
			fx.ing.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, jobs []ingest.Job) (ingest.Result, error) {
				require.Len(t, jobs, 1)
				require.Equal(t, []int64{3, 4}, jobs[0].Triggered)
				require.Equal(t, "nikto", jobs[0].Source.Name())
				batch, err := jobs[0].Source.Run(ctx)
				require.NoError(t, err)
				require.Len(t, batch.Findings, 1)
				require.Equal(t, "nikto", batch.Findings[0].SourcePlugin)
				require.Equal(t, 80, batch.Findings[0].Port)
				require.Len(t, batch.Rejected, 1)
				return ingest.Result{UUID: "c1", Received: 1, Canonical: 1, Rejected: batch.Rejected}, nil
			})

			resp := do(t, fx.handler, http.MethodPost, "/v1/findings?source=nikto&triggered=3,4", tc.contentType, tc.given)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var got ingest.Result
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			require.Equal(t, "c1", got.UUID)
			require.Len(t, got.Rejected, 1)
			require.Equal(t, model.ReasonMalformedInput, got.Rejected[0].Code)
		})
	}

	t.Run("cycle in progress", func(t *testing.T) {
		t.Parallel()
		fx := setup(t)
		fx.ing.EXPECT().Run(gomock.Any(), gomock.Any()).Return(ingest.Result{}, model.ErrCycleInProgress)
		resp := do(t, fx.handler, http.MethodPost, "/v1/findings", "", `[]`)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("bad requests", func(t *testing.T) {
		t.Parallel()
		fx := setup(t)
		var bad = []struct {
			target      string
			contentType string
			body        string
		}{
			{"/v1/findings", "application/json", `{"target": "not an array"}`},
			{"/v1/findings", "application/yaml", `target: [`},
			{"/v1/findings", "text/csv", `target,port`},
			{"/v1/findings?triggered=abc", "application/json", `[]`},
		}
		for _, b := range bad {
			resp := do(t, fx.handler, http.MethodPost, b.target, b.contentType, b.body)
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, b.body)
		}
	})
}

func TestCycles(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ok := true
	report := `{"uuid": "c1", "received": 3, "canonical": 2}`
	finished := time.Date(2026, 10, 1, 12, 0, 5, 0, time.UTC)
	row := store.CycleRow{
		ID: 1,
		Cycle: store.Cycle{
			UUID:       "c1",
			Success:    &ok,
			Report:     &report,
			StartedAt:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
			FinishedAt: &finished,
		},
	}
	fx.ledger.EXPECT().ListCycles(gomock.Any(), 20).Return([]store.CycleRow{row}, nil)
	fx.ledger.EXPECT().GetCycle(gomock.Any(), "c1").Return(row, nil)
	fx.ledger.EXPECT().GetCycle(gomock.Any(), "c2").Return(store.CycleRow{}, store.ErrNotFound)

	resp := do(t, fx.handler, http.MethodGet, "/v1/cycles", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	require.Equal(t, "2026-10-01T12:00:05Z", list[0]["finished_at"])

	resp = do(t, fx.handler, http.MethodGet, "/v1/cycles/c1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		UUID   string        `json:"uuid"`
		Result ingest.Result `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 2, got.Result.Canonical)

	resp = do(t, fx.handler, http.MethodGet, "/v1/cycles/c2", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, fx.handler, http.MethodGet, "/v1/cycles?limit=0", "", "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRuns(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	resp := do(t, fx.handler, http.MethodPost, "/v1/runs", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var called int
	h := api.New(fx.reg, fx.ing, nil, nil).WithTrigger(func() bool {
		called++
		return true
	}).Handler()
	resp = do(t, h, http.MethodPost, "/v1/runs", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, 1, called)

	resp = do(t, h, http.MethodGet, "/v1/stats", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestExternalOrchestrator drives the registry through the API the way an
// external orchestrator does: submit, claim, submit dependent results, done
func TestExternalOrchestrator(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := store.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g, err := plugin.New([]model.Plugin{
		{Name: "nmap", Enabled: true, Category: "network", Consumes: []string{"ip"}},
		{Name: "nikto", Enabled: true, Category: "web", Consumes: []string{"web"}},
	})
	require.NoError(t, err)
	reg := registry.New(db, g)
	st := stats.New("api-test")
	cycle := ingest.New(db, resolve.New(db, model.DefaultRules(), 2), reg, g, st, 2)
	h := api.New(reg, cycle, api.NewLedger(db), st).Handler()

	resp := do(t, h, http.MethodPost, "/v1/findings?source=nmap", "application/json",
		`[{"target": "10.0.0.5", "port": 443, "protocol": "tcp", "service_name": "https", "category": "network", "severity": "medium", "title": "open tcp/443 https"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, h, http.MethodPost, "/v1/registry/claim?tag=web", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed model.RegistryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
	require.Equal(t, model.StatusQueued, claimed.Status)
	require.Equal(t, 443, claimed.Port)
	require.ElementsMatch(t, []string{"web", "tls"}, claimed.Tags)

	resp = do(t, h, http.MethodPost, "/v1/registry/claim?tag=web", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, h, http.MethodPost, fmt.Sprintf("/v1/findings?source=nikto&triggered=%d", claimed.ID), "application/x-ndjson",
		`{"target": "10.0.0.5", "port": 443, "protocol": "tcp", "category": "web", "severity": "high", "title": "TLS 1.0 enabled"}`+"\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, action := range []string{"scanned", "done"} {
		resp = do(t, h, http.MethodPost, fmt.Sprintf("/v1/registry/%d/%s", claimed.ID, action), "", "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode, action)
	}
	resp = do(t, h, http.MethodPost, fmt.Sprintf("/v1/registry/%d/requeue", claimed.ID), "", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, h, http.MethodGet, "/v1/cycles", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cycles []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cycles))
	require.Len(t, cycles, 2)

	resp = do(t, h, http.MethodGet, "/v1/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counters map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counters))
	require.Equal(t, "2", counters["api-test/cycles/total"])
	require.Equal(t, "2", counters["api-test/findings/total"])

	counts, err := store.GetCounts(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Hosts)
	// one service row per source plugin
	require.Equal(t, 2, counts.Services)
	require.Equal(t, 2, counts.Vulnerabilities)
}
