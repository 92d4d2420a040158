package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/kaptinlin/jsonschema"

	_ "embed"
)

// MaxRecordSize is the longest accepted JSONL line
const MaxRecordSize = 16 << 20

//go:embed finding.schema.json
var findingSchema []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	return compiler.Compile(findingSchema)
})

// ValidateRecord checks a single decoded JSON record against the finding
// schema, violations are reported as model.ErrMalformedInput
func ValidateRecord(record any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling finding schema: %w", err)
	}
	res := schema.Validate(record)
	if res.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for key, e := range res.Errors {
		msgs = append(msgs, key+": "+e.Message)
	}
	slices.Sort(msgs)
	return fmt.Errorf("%w: %s", model.ErrMalformedInput, strings.Join(msgs, "; "))
}

// DecodeJSONL reads one finding per line. Blank lines are skipped, records
// which are not valid JSON or fail the schema are rejected one by one.
// RecordError.Index is the line number. Only a read failure aborts.
func DecodeJSONL(ctx context.Context, r io.Reader) ([]model.Finding, []model.RecordError, error) {
	var findings []model.Finding
	var rejected []model.RecordError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxRecordSize)
	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		f, err := decodeRecord(line)
		if err != nil {
			slog.DebugContext(ctx, "rejecting record", slog.Int("line", lineNo), slog.String("error", err.Error()))
			rejected = append(rejected, model.NewRecordError(lineNo, f, err))
			continue
		}
		findings = append(findings, f)
	}
	if err := scanner.Err(); err != nil {
		return findings, rejected, fmt.Errorf("reading jsonl line %d: %w", lineNo+1, err)
	}
	return findings, rejected, nil
}

// DecodeRecords decodes a batch of JSON records, RecordError.Index is the
// position in records
func DecodeRecords(ctx context.Context, records []json.RawMessage) ([]model.Finding, []model.RecordError) {
	var findings []model.Finding
	var rejected []model.RecordError
	for idx, raw := range records {
		f, err := decodeRecord(raw)
		if err != nil {
			slog.DebugContext(ctx, "rejecting record", slog.Int("index", idx), slog.String("error", err.Error()))
			rejected = append(rejected, model.NewRecordError(idx, f, err))
			continue
		}
		findings = append(findings, f)
	}
	return findings, rejected
}

func decodeRecord(line []byte) (model.Finding, error) {
	var f model.Finding
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return f, fmt.Errorf("%w: %w", model.ErrMalformedInput, err)
	}
	if target, ok := record["target"].(string); ok {
		f.Target = target
	}
	if err := ValidateRecord(record); err != nil {
		return f, err
	}
	if err := json.Unmarshal(line, &f); err != nil {
		return f, fmt.Errorf("%w: %w", model.ErrMalformedInput, err)
	}
	return f, nil
}

// EncodeJSONL writes findings one per line
func EncodeJSONL(w io.Writer, findings []model.Finding) error {
	enc := json.NewEncoder(w)
	for _, f := range findings {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}
