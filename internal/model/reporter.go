package model

import "context"

// Reporter receives the encoded summary of every orchestrator run
type Reporter interface {
	Report(ctx context.Context, name string, raw []byte) error
}

type ReportCloser interface {
	Reporter
	Close() error
}
