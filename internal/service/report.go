package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/honeyscan/honeyscan/internal/model"
)

func reporters(_ context.Context, cfg model.ServiceConfig) ([]model.Reporter, error) {
	if cfg.Dir == "" {
		return []model.Reporter{NewWriteReporter(os.Stdout)}, nil
	}
	r, err := NewOSRootReporter(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return []model.Reporter{r}, nil
}

// WriteReporter writes every report to w
type WriteReporter struct {
	w io.Writer
}

func NewWriteReporter(w io.Writer) WriteReporter {
	return WriteReporter{w: w}
}

func (r WriteReporter) Report(_ context.Context, _ string, raw []byte) error {
	if r.w == nil {
		r.w = os.Stdout
	}
	_, err := r.w.Write(raw)
	return err
}

// OSRootReporter stores every report as a new file in a directory
type OSRootReporter struct {
	root *os.Root
}

func NewOSRootReporter(path string) (*OSRootReporter, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootReporter{root: root}, nil
}

func (r *OSRootReporter) Report(ctx context.Context, name string, b []byte) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	f, err := r.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating run report: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving run report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing run report: %w", err)
	}
	slog.InfoContext(ctx, "run report saved", "path", name)
	return nil
}

func (r *OSRootReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}
