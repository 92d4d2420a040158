package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/store"
)

const (
	// defaultSource names batches submitted without ?source=
	defaultSource = "api"

	defaultCycleLimit = 20

	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
	contentTypeYAML  = "application/yaml"
)

type errorResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type failRequest struct {
	Reason string `json:"reason" yaml:"reason"`
}

type registryListResponse struct {
	Entries []model.RegistryEntry `json:"entries"`
}

type runResponse struct {
	Scheduled bool `json:"scheduled"`
}

type cycleResponse struct {
	UUID          string         `json:"uuid"`
	InProgress    bool           `json:"in_progress"`
	Success       *bool          `json:"success,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	StartedAt     string         `json:"started_at"`
	FinishedAt    string         `json:"finished_at,omitempty"`
	Result        *ingest.Result `json:"result,omitempty"`
}

// parseFilter reads a registry filter from query parameters. Multi-valued
// parameters accept both repetition and comma separated lists.
func parseFilter(q url.Values) (store.RegistryFilter, error) {
	var f store.RegistryFilter
	for _, s := range values(q, "status") {
		st, err := model.ParseStatus(s)
		if err != nil {
			return f, fmt.Errorf("%w: %w", model.ErrMalformedInput, err)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if typ := q.Get("type"); typ != "" {
		f.TargetType = model.TargetType(typ)
		if !f.TargetType.IsValid() {
			return f, fmt.Errorf("%w: unknown target type %q", model.ErrMalformedInput, typ)
		}
	}
	f.SourcePlugin = q.Get("source_plugin")
	f.Protocol = model.Protocol(strings.ToLower(q.Get("protocol")))
	f.Tags = values(q, "tag")
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: invalid limit %q", model.ErrMalformedInput, l)
		}
		f.Limit = n
	}
	return f, nil
}

func values(q url.Values, key string) []string {
	var ret []string
	for _, v := range q[key] {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ret = append(ret, part)
			}
		}
	}
	return ret
}

func parseIDs(q url.Values, key string) ([]int64, error) {
	var ret []int64
	for _, v := range values(q, key) {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s %q", model.ErrMalformedInput, key, v)
		}
		ret = append(ret, id)
	}
	return ret, nil
}
