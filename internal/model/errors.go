package model

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrConflictingIdentity = errors.New("conflicting identity")
	ErrTransactionFailure  = errors.New("transaction failure")
	ErrAdapterFailure      = errors.New("adapter failure")
	ErrRaceLost            = errors.New("race lost")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotApplicable       = errors.New("no applicable plugin")
	ErrNotFound            = errors.New("not found")
	ErrCycleInProgress     = errors.New("ingestion cycle in progress")
)

// ReasonCode classifies a per-record failure
type ReasonCode string

const (
	ReasonMalformedInput     ReasonCode = "malformed_input"
	ReasonTransactionFailure ReasonCode = "transaction_failure"
	ReasonRaceLost           ReasonCode = "race_lost"
	ReasonUnknown            ReasonCode = "unknown"
)

// Reason maps an error to its reason code
func Reason(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return ReasonMalformedInput
	case errors.Is(err, ErrRaceLost):
		return ReasonRaceLost
	case errors.Is(err, ErrTransactionFailure):
		return ReasonTransactionFailure
	default:
		return ReasonUnknown
	}
}

// RecordError is a failure of a single finding, it never aborts a batch
type RecordError struct {
	Index   int        `json:"index"`
	Target  string     `json:"target,omitempty"`
	Source  string     `json:"source_plugin,omitempty"`
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-" yaml:"-"`
}

func NewRecordError(idx int, f Finding, err error) RecordError {
	return RecordError{
		Index:   idx,
		Target:  f.Target,
		Source:  f.SourcePlugin,
		Code:    Reason(err),
		Message: err.Error(),
		Err:     err,
	}
}

func (e RecordError) Error() string {
	return fmt.Sprintf("finding #%d (target %q): %s: %v", e.Index, e.Target, e.Code, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}
