package model_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/stretchr/testify/require"
)

func TestCueErrorDetail_Attr(t *testing.T) {
	t.Parallel()
	d := model.CueErrorDetail{
		Path:    "service.mode",
		Code:    model.CodeConflictingValues,
		Message: "Conflicting values for service.mode",
		Pos:     model.CueErrorPosition{Filename: "config.yaml", Line: 4, Column: 11},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Error("validation error", d.Attr("detail"))

	out := buf.String()
	require.Contains(t, out, "detail.path=service.mode")
	require.Contains(t, out, "detail.code=conflicting_values")
	require.Contains(t, out, "detail.pos=config.yaml:4:11")
}

// LoadConfig is not safe for concurrent use, hence no t.Parallel
func TestCueError_Position(t *testing.T) {
	const config = `
version: 1
service:
    mode: manual
`
	_, err := model.LoadConfig(strings.NewReader(config))
	require.Error(t, err)

	var cuerr model.CueError
	require.True(t, errors.As(err, &cuerr))
	details := cuerr.Details()
	require.NotEmpty(t, details)

	var found bool
	for _, d := range details {
		if d.Path != "version" {
			continue
		}
		found = true
		// positions inside the user file win over the embedded schema
		require.Equal(t, "config.yaml", d.Pos.Filename)
		require.Equal(t, 2, d.Pos.Line)
		require.NotEmpty(t, d.Raw)
	}
	require.True(t, found, "details: %+v", details)
}
