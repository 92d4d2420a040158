package model

import (
	"fmt"
	"log/slog"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorCode string

const (
	CodeUnknownField      CueErrorCode = "unknown_field"
	CodeConflictingValues CueErrorCode = "conflicting_values"
	CodeMissingValue      CueErrorCode = "missing_value"
	CodeValidation        CueErrorCode = "validation"
)

type CueErrorPosition struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// CueErrorDetail is a single validation problem of a config file
type CueErrorDetail struct {
	Path    string           `json:"path"`
	Code    CueErrorCode     `json:"code"`
	Message string           `json:"message"`
	Pos     CueErrorPosition `json:"pos"`
	Raw     string           `json:"raw"`
}

func (d CueErrorDetail) Attr(key string) slog.Attr {
	return slog.Group(key,
		slog.String("path", d.Path),
		slog.String("code", string(d.Code)),
		slog.String("message", d.Message),
		slog.String("pos", fmt.Sprintf("%s:%d:%d", d.Pos.Filename, d.Pos.Line, d.Pos.Column)),
	)
}

func humanize(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	list := cueerrors.Errors(err)
	ret := make([]CueErrorDetail, 0, len(list))
	for _, e := range list {
		path := e.Path()
		if len(path) > 0 && path[0] == "#Config" {
			path = path[1:]
		}
		field := ""
		if len(path) > 0 {
			field = path[len(path)-1]
		}
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		raw := e.Error()

		d := CueErrorDetail{
			Path: strings.Join(path, "."),
			Raw:  raw,
			Pos:  position(e),
		}
		switch {
		case strings.Contains(raw, "field not allowed"):
			d.Code = CodeUnknownField
			d.Message = fmt.Sprintf("Field %s is not allowed", field)
		case strings.Contains(raw, "conflicting values"), strings.Contains(raw, "mismatched types"):
			d.Code = CodeConflictingValues
			d.Message = fmt.Sprintf("Conflicting values for %s: %s", d.Path, msg)
		case strings.Contains(raw, "incomplete value"), strings.Contains(raw, "non-concrete"):
			d.Code = CodeMissingValue
			d.Message = fmt.Sprintf("Missing value for %s", d.Path)
		default:
			d.Code = CodeValidation
			d.Message = msg
		}
		ret = append(ret, d)
	}
	return ret
}

// position prefers a position inside the user supplied config over the schema
func position(e cueerrors.Error) CueErrorPosition {
	var ret CueErrorPosition
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() == "config.yaml" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
		if ret.Filename == "" {
			ret = CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return ret
}
