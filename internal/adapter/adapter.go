// Package adapter runs scanner plugins and converts their output into
// findings. An adapter is a Source: a command, a file or a built-in scanner.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter/nmap"
	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/Masterminds/sprig/v3"
)

// Batch is the output of a single adapter run
type Batch struct {
	Source   string
	Findings []model.Finding
	Rejected []model.RecordError
}

// Source produces findings. A failed run returns an error wrapping
// model.ErrAdapterFailure, records rejected while decoding do not fail the run.
type Source interface {
	Name() string
	Run(ctx context.Context) (Batch, error)
}

// Decoder reads the raw output of an adapter
type Decoder func(ctx context.Context, r io.Reader) ([]model.Finding, []model.RecordError, error)

// DecoderFor returns the decoder of a plugin output format
func DecoderFor(format string) (Decoder, error) {
	switch format {
	case "", model.FormatJSONL:
		return DecodeJSONL, nil
	case model.FormatNmapXML, model.FormatNmap:
		return func(ctx context.Context, r io.Reader) ([]model.Finding, []model.RecordError, error) {
			findings, err := nmap.DecodeXML(ctx, r, "")
			return findings, nil, err
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Target is the registry entry a plugin run is triggered by, available to
// command templates as {{ .Value }}, {{ .Port }} and so on
type Target struct {
	ID       int64
	Type     string
	Value    string
	Port     int
	Protocol string
	Tags     []string
	Meta     model.Meta
}

// TargetOf returns template data of a registry entry
func TargetOf(e model.RegistryEntry) Target {
	return Target{
		ID:       e.ID,
		Type:     string(e.TargetType),
		Value:    e.TargetValue,
		Port:     e.Port,
		Protocol: string(e.Protocol),
		Tags:     e.Tags,
		Meta:     e.Meta,
	}
}

// Address returns host:port or just the host when there is no port
func (t Target) Address() string {
	if t.Port == 0 {
		return t.Value
	}
	host := t.Value
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, t.Port)
}

// New returns the Source of plugin p triggered by target
func New(p model.Plugin, target Target, timeout time.Duration) (Source, error) {
	timeout, err := p.TimeoutOr(timeout)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Format == model.FormatNmap:
		return newNmapSource(p, target, timeout), nil
	case p.File != "":
		return NewFile(p)
	case len(p.Command) > 0:
		return NewCommand(p, target, timeout)
	default:
		return nil, fmt.Errorf("plugin %s: one of command or file is required", p.Name)
	}
}

// finish fills plugin defaults into decoded findings
func finish(p model.Plugin, findings []model.Finding, rejected []model.RecordError) Batch {
	for i := range findings {
		if findings[i].SourcePlugin == "" {
			findings[i].SourcePlugin = p.Name
		}
		if findings[i].Category == "" {
			findings[i].Category = p.Category
		}
	}
	for i := range rejected {
		if rejected[i].Source == "" {
			rejected[i].Source = p.Name
		}
	}
	return Batch{Source: p.Name, Findings: findings, Rejected: rejected}
}

func failure(name string, err error) error {
	if errors.Is(err, model.ErrAdapterFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrAdapterFailure, name, err)
}

// Static is a Source of already decoded findings, for example a batch
// submitted via the API
type Static struct {
	name     string
	findings []model.Finding
	rejected []model.RecordError
}

func NewStatic(name string, findings []model.Finding) Static {
	return Static{name: name, findings: findings}
}

// WithRejected attaches records rejected while decoding the batch
func (s Static) WithRejected(rejected []model.RecordError) Static {
	s.rejected = rejected
	return s
}

func (s Static) Name() string { return s.name }

func (s Static) Run(context.Context) (Batch, error) {
	findings := slices.Clone(s.findings)
	return finish(model.Plugin{Name: s.name}, findings, slices.Clone(s.rejected)), nil
}

// FileSource decodes a report produced outside of honeyscan
type FileSource struct {
	plugin model.Plugin
	decode Decoder
}

func NewFile(p model.Plugin) (FileSource, error) {
	decode, err := DecoderFor(p.Format)
	if err != nil {
		return FileSource{}, fmt.Errorf("plugin %s: %w", p.Name, err)
	}
	return FileSource{plugin: p, decode: decode}, nil
}

func (s FileSource) Name() string { return s.plugin.Name }

func (s FileSource) Run(ctx context.Context) (Batch, error) {
	f, err := os.Open(s.plugin.File)
	if err != nil {
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.WarnContext(ctx, "can't close report", "path", s.plugin.File, "error", err)
		}
	}()
	findings, rejected, err := s.decode(ctx, f)
	if err != nil {
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}
	batch := finish(s.plugin, findings, rejected)
	evidence(batch.Findings, s.plugin.File, s.plugin.Format)
	return batch, nil
}

// CommandSource executes the plugin command and decodes its stdout. Command
// arguments are text/template strings with sprig functions executed over
// the Target.
type CommandSource struct {
	plugin  model.Plugin
	target  Target
	timeout time.Duration
	decode  Decoder
	args    []*template.Template
}

func NewCommand(p model.Plugin, target Target, timeout time.Duration) (*CommandSource, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("plugin %s: empty command", p.Name)
	}
	decode, err := DecoderFor(p.Format)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
	}
	funcMap := sprig.TxtFuncMap()
	args := make([]*template.Template, len(p.Command))
	for i, arg := range p.Command {
		tmpl, err := template.New(p.Name).Funcs(funcMap).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: command argument %d: %w", p.Name, i, err)
		}
		args[i] = tmpl
	}
	return &CommandSource{
		plugin:  p,
		target:  target,
		timeout: timeout,
		decode:  decode,
		args:    args,
	}, nil
}

func (s *CommandSource) Name() string { return s.plugin.Name }

// Command renders the command line, empty arguments are omitted
func (s *CommandSource) Command() (Command, error) {
	argv := make([]string, 0, len(s.args))
	for i, tmpl := range s.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, s.target); err != nil {
			return Command{}, fmt.Errorf("plugin %s: command argument %d: %w", s.plugin.Name, i, err)
		}
		if buf.Len() == 0 {
			continue
		}
		argv = append(argv, buf.String())
	}
	if len(argv) == 0 {
		return Command{}, fmt.Errorf("plugin %s: command rendered empty", s.plugin.Name)
	}
	return Command{
		Name:    s.plugin.Name,
		Path:    argv[0],
		Args:    argv[1:],
		Timeout: s.timeout,
	}, nil
}

func (s *CommandSource) Run(ctx context.Context) (Batch, error) {
	ctx = log.ContextAttrs(ctx,
		slog.String("plugin", s.plugin.Name),
		slog.String("target", s.target.Address()),
	)
	cmd, err := s.Command()
	if err != nil {
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}

	runner := NewRunner(func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "line", line)
	})
	defer runner.Close()

	slog.DebugContext(ctx, "running adapter", "path", cmd.Path, "args", cmd.Args)
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		slog.WarnContext(ctx, "adapter failed", "exit_code", res.ExitCode(), "error", err)
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}
	slog.DebugContext(ctx, "adapter finished", "elapsed", res.Stopped.Sub(res.Started).String(), "stdout", len(res.Stdout))

	findings, rejected, err := s.decode(ctx, bytes.NewReader(res.Stdout))
	if err != nil {
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}
	return finish(s.plugin, findings, rejected), nil
}

// nmapSource runs the built-in scanner, Command[0] overrides the nmap binary
type nmapSource struct {
	plugin  model.Plugin
	target  Target
	timeout time.Duration
}

func newNmapSource(p model.Plugin, target Target, timeout time.Duration) nmapSource {
	return nmapSource{plugin: p, target: target, timeout: timeout}
}

func (s nmapSource) Name() string { return s.plugin.Name }

func (s nmapSource) Run(ctx context.Context) (Batch, error) {
	scanner := nmap.New(s.plugin.Name)
	if len(s.plugin.Command) > 0 {
		scanner = scanner.WithNmapBinary(s.plugin.Command[0])
	}
	if s.target.Port != 0 {
		scanner = scanner.WithPorts(fmt.Sprint(s.target.Port))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	findings, err := scanner.Scan(ctx, s.target.Value)
	if err != nil {
		return Batch{Source: s.plugin.Name}, failure(s.plugin.Name, err)
	}
	return finish(s.plugin, findings, nil), nil
}

func evidence(findings []model.Finding, path, format string) {
	if format == "" {
		format = model.FormatJSONL
	}
	for i := range findings {
		if findings[i].RawEvidence == nil {
			findings[i].RawEvidence = &model.RawEvidence{LogPath: path, LogType: format}
		}
	}
}
