// Package nmap turns nmap results into findings. Results come either from
// the nmap XML report or from a scan driven via "github.com/Ullaakut/nmap/v3".
package nmap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

const (
	// Category of every finding produced here
	Category = "network"
	// LogType of the raw evidence
	LogType = "nmap-xml"
)

// Scanner is a wrapper on top of "github.com/Ullaakut/nmap/v3" Scanner
type Scanner struct {
	nmap    string
	source  string
	ports   []string
	options []nmap.Option
}

// New creates a nmap scanner with -sV and default scripts for service detection
func New(source string) Scanner {
	return Scanner{
		source: source,
		options: []nmap.Option{
			nmap.WithTimingTemplate(nmap.TimingAggressive),
			nmap.WithServiceInfo(),
			nmap.WithDefaultScript(),
		},
	}
}

func (s Scanner) WithNmapBinary(nmap string) Scanner {
	s.nmap = nmap
	return s
}

func (s Scanner) WithPorts(defs ...string) Scanner {
	ret := s
	ret.ports = append(append([]string(nil), ret.ports...), defs...)
	return ret
}

// Scan scans target, which is an address, a host name or a network, and
// returns a finding per reported port
func (s Scanner) Scan(ctx context.Context, target string) ([]model.Finding, error) {
	options := append([]nmap.Option(nil), s.options...)
	if s.nmap != "" {
		options = append(options, nmap.WithBinaryPath(s.nmap))
	}
	options = append(options, nmap.WithTargets(target))

	if addr, err := netip.ParseAddr(target); err == nil && addr.Unmap().Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}
	if len(s.ports) > 0 {
		options = append(options, nmap.WithPorts(s.ports...))
	}

	logCtx := log.ContextAttrs(
		ctx,
		slog.String("scanner", "nmap"),
		slog.GroupAttrs(
			"options",
			slog.String("nmap", s.nmap),
			slog.Any("ports", s.ports),
		),
		slog.String("target", target),
	)
	run, err := scan(logCtx, options)
	if err != nil {
		return nil, fmt.Errorf("nmap scan services: %w", err)
	}
	if run == nil {
		slog.WarnContext(logCtx, "nmap scan: no hosts results")
		return nil, nil
	}
	return RunToFindings(logCtx, *run, s.source), nil
}

func scan(ctx context.Context, options []nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	slog.InfoContext(ctx, "scan started")
	run, warningsp, err := scanner.Run()
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		return nil, fmt.Errorf("nmap scan: %w", err)
	}

	if warningsp != nil && *warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}

	if run == nil || len(run.Hosts) == 0 {
		slog.DebugContext(ctx, "scan found nothing")
		return nil, nil
	}

	slog.InfoContext(ctx, "scan finished",
		slog.Group("stats",
			"args", run.Args,
			"start", run.StartStr,
			"finished", run.Stats.Finished.TimeStr,
			"summary", run.Stats.Finished.Summary,
		),
		"elapsed", time.Since(now).String(),
	)
	return run, nil
}

// DecodeXML reads nmap XML report (nmap -oX) from r
func DecodeXML(ctx context.Context, r io.Reader, source string) ([]model.Finding, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading nmap xml: %w", err)
	}
	var run nmap.Run
	if err := nmap.Parse(data, &run); err != nil {
		return nil, fmt.Errorf("parsing nmap xml: %w", err)
	}
	return RunToFindings(ctx, run, source), nil
}

// RunToFindings converts every host of the run
func RunToFindings(ctx context.Context, run nmap.Run, source string) []model.Finding {
	var ret []model.Finding
	for _, host := range run.Hosts {
		ret = append(ret, HostToFindings(ctx, host, source)...)
	}
	return ret
}

// HostToFindings returns a finding for each port of the host. A host without
// ports produces a single host level finding when it is up.
func HostToFindings(ctx context.Context, host nmap.Host, source string) []model.Finding {
	var ip, fqdn, osName string
	for _, addr := range host.Addresses {
		if ip == "" && (addr.AddrType == "ipv4" || addr.AddrType == "ipv6") {
			ip = addr.Addr
		}
	}
	for _, hn := range host.Hostnames {
		if hn.Name != "" {
			fqdn = hn.Name
			break
		}
	}
	if len(host.OS.Matches) > 0 {
		osName = host.OS.Matches[0].Name
	}

	target := ip
	if target == "" {
		target = fqdn
	}
	if target == "" {
		slog.WarnContext(ctx, "nmap host without address: ignoring")
		return nil
	}

	base := model.Finding{
		Target:       target,
		IP:           ip,
		FQDN:         fqdn,
		OS:           osName,
		Category:     Category,
		SourcePlugin: source,
	}

	if len(host.Ports) == 0 {
		if host.Status.State != "up" {
			return nil
		}
		f := base
		f.Severity = model.SeverityInfo
		f.Title = "host up"
		f.Meta = model.Meta{"reason": host.Status.Reason}
		return []model.Finding{f}
	}

	ret := make([]model.Finding, 0, len(host.Ports))
	for _, port := range host.Ports {
		ret = append(ret, portToFinding(base, port))
	}
	return ret
}

func portToFinding(base model.Finding, port nmap.Port) model.Finding {
	f := base
	f.Port = int(port.ID)
	f.Protocol = model.Protocol(port.Protocol)
	f.ServiceName = port.Service.Name
	f.Product = port.Service.Product
	f.Version = port.Service.Version
	f.Banner = port.Service.ExtraInfo

	output := scriptOutput(port.Scripts)
	f.Severity = ClassifySeverity(Observation{
		State:        port.State.State,
		Reason:       port.State.Reason,
		ScriptOutput: output,
	})
	f.Title = title(port)
	f.Description = output
	f.References = References(output)

	meta := model.Meta{
		"state":  port.State.State,
		"reason": port.State.Reason,
	}
	if len(port.Service.CPEs) > 0 {
		cpes := make([]string, len(port.Service.CPEs))
		for i, c := range port.Service.CPEs {
			cpes[i] = string(c)
		}
		meta["cpe"] = cpes
	}
	if port.Service.Tunnel != "" {
		meta["tunnel"] = port.Service.Tunnel
	}
	f.Meta = meta
	return f
}

func title(port nmap.Port) string {
	var sb strings.Builder
	sb.WriteString(port.State.State)
	sb.WriteByte(' ')
	sb.WriteString(port.Protocol)
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(int(port.ID)))
	if port.Service.Name != "" {
		sb.WriteByte(' ')
		sb.WriteString(port.Service.Name)
	}
	return sb.String()
}

// scriptOutput joins unique non empty script lines
func scriptOutput(scripts []nmap.Script) string {
	var lines []string
	seen := make(map[string]struct{})
	for _, s := range scripts {
		for line := range strings.Lines(s.Output) {
			line = strings.TrimSpace(line)
			if line == "" || line == "-" {
				continue
			}
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
