package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/gorilla/mux"
	"go.yaml.in/yaml/v4"
)

// maxBatchSize limits the body of POST /v1/findings
const maxBatchSize = 64 << 20

func (s *Server) checkHealth(w http.ResponseWriter, r *http.Request) {
	toJson(r.Context(), w, healthResponse{Status: "ok"})
}

func (s *Server) listRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	entries, err := s.registry.List(ctx, filter)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	if entries == nil {
		entries = []model.RegistryEntry{}
	}
	toJson(ctx, w, registryListResponse{Entries: entries})
}

func (s *Server) getRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := s.registry.Get(ctx, id)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	toJson(ctx, w, e)
}

// claimNext claims the oldest claimable entry matching query filters
func (s *Server) claimNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	e, err := s.registry.ClaimNext(ctx, filter)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	slog.DebugContext(ctx, "Registry entry claimed.", slog.Int64("registry_id", e.ID))
	toJson(ctx, w, e)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := s.registry.Claim(ctx, id)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	toJson(ctx, w, e)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var err error
	switch action := mux.Vars(r)["action"]; action {
	case "scanned":
		err = s.registry.MarkScanned(ctx, id)
	case "done":
		err = s.registry.MarkDone(ctx, id)
	case "requeue":
		err = s.registry.Requeue(ctx, id)
	default:
		// the route allows only the actions above
		panic("unhandled registry action " + action)
	}
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			toJsonErr(ctx, w, fmt.Errorf("%w: %w", model.ErrMalformedInput, err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "failed by api request"
	}
	if err := s.registry.MarkFailed(ctx, id, req.Reason); err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitFindings ingests a batch of findings in one cycle. The body is a JSON
// array, a YAML sequence or JSON lines according to Content-Type. Records
// violating the finding schema are rejected one by one and reported in the
// result, they never fail the request. Query ?source= names the batch and
// ?triggered= lists registry entries to fail if the batch can't be ingested.
func (s *Server) submitFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		source = defaultSource
	}
	triggered, err := parseIDs(q, "triggered")
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, maxBatchSize))
	if err != nil {
		slog.ErrorContext(ctx, "Calling `io.ReadAll()` failed", slog.String("error", err.Error()))
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	findings, rejected, err := decodeBatch(r, b)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	slog.DebugContext(ctx, "Findings batch decoded.",
		slog.String("source", source),
		slog.Int("findings", len(findings)),
		slog.Int("rejected", len(rejected)),
	)

	src := adapter.NewStatic(source, findings).WithRejected(rejected)
	res, err := s.ingester.Run(ctx, []ingest.Job{{Source: src, Triggered: triggered}})
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	toJson(ctx, w, res)
}

func decodeBatch(r *http.Request, b []byte) ([]model.Finding, []model.RecordError, error) {
	mediaType := contentTypeJSON
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: content type: %w", model.ErrMalformedInput, err)
		}
	}

	switch mediaType {
	case contentTypeJSON:
		var records []json.RawMessage
		if err := json.Unmarshal(b, &records); err != nil {
			return nil, nil, fmt.Errorf("%w: expected array of findings: %w", model.ErrMalformedInput, err)
		}
		findings, rejected := adapter.DecodeRecords(r.Context(), records)
		return findings, rejected, nil
	case contentTypeYAML, "application/x-yaml", "text/yaml":
		var docs []map[string]any
		if err := yaml.Unmarshal(b, &docs); err != nil {
			return nil, nil, fmt.Errorf("%w: expected sequence of findings: %w", model.ErrMalformedInput, err)
		}
		records := make([]json.RawMessage, len(docs))
		for i, doc := range docs {
			raw, err := json.Marshal(doc)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: finding #%d: %w", model.ErrMalformedInput, i, err)
			}
			records[i] = raw
		}
		findings, rejected := adapter.DecodeRecords(r.Context(), records)
		return findings, rejected, nil
	case contentTypeJSONL:
		return adapter.DecodeJSONL(r.Context(), bytes.NewReader(b))
	default:
		return nil, nil, fmt.Errorf("%w: unsupported content type %q", model.ErrMalformedInput, mediaType)
	}
}

func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.ledger == nil {
		toJsonErr(ctx, w, fmt.Errorf("cycle ledger: %w", model.ErrNotFound))
		return
	}
	limit := defaultCycleLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			toJsonErr(ctx, w, fmt.Errorf("%w: invalid limit %q", model.ErrMalformedInput, l))
			return
		}
		limit = n
	}
	rows, err := s.ledger.ListCycles(ctx, limit)
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	ret := make([]cycleResponse, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, toCycleResponse(ctx, row))
	}
	toJson(ctx, w, ret)
}

func (s *Server) getCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.ledger == nil {
		toJsonErr(ctx, w, fmt.Errorf("cycle ledger: %w", model.ErrNotFound))
		return
	}
	row, err := s.ledger.GetCycle(ctx, mux.Vars(r)["uuid"])
	if err != nil {
		toJsonErr(ctx, w, err)
		return
	}
	toJson(ctx, w, toCycleResponse(ctx, row))
}

func toCycleResponse(ctx context.Context, row store.CycleRow) cycleResponse {
	resp := cycleResponse{
		UUID:          row.UUID,
		InProgress:    row.InProgress,
		Success:       row.Success,
		FailureReason: row.FailureReason,
		StartedAt:     row.StartedAt.Format(time.RFC3339),
	}
	if row.FinishedAt != nil {
		resp.FinishedAt = row.FinishedAt.Format(time.RFC3339)
	}
	if row.Report != nil {
		var res ingest.Result
		if err := json.Unmarshal([]byte(*row.Report), &res); err != nil {
			slog.WarnContext(ctx, "Can't decode cycle report.", slog.String("uuid", row.UUID), slog.String("error", err.Error()))
		} else {
			resp.Result = &res
		}
	}
	return resp
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.stats == nil {
		toJsonErr(ctx, w, fmt.Errorf("stats: %w", model.ErrNotFound))
		return
	}
	ret := make(map[string]string)
	for k, v := range s.stats.Stats() {
		ret[k] = v
	}
	toJson(ctx, w, ret)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.trigger == nil {
		toJsonErr(ctx, w, fmt.Errorf("orchestrator: %w", model.ErrNotFound))
		return
	}
	toJsonStatus(ctx, w, runResponse{Scheduled: s.trigger()}, http.StatusAccepted)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		toJsonErr(r.Context(), w, fmt.Errorf("%w: invalid id %q", model.ErrMalformedInput, raw))
		return 0, false
	}
	return id, true
}
