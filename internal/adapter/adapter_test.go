package adapter_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/stretchr/testify/require"
)

func target() adapter.Target {
	return adapter.TargetOf(model.RegistryEntry{
		ID: 7,
		RegistryKey: model.RegistryKey{
			TargetType:  model.TargetHostPort,
			TargetValue: "10.0.0.5",
			Port:        443,
			Protocol:    model.ProtocolTCP,
		},
		Tags: []string{"tls", "web"},
	})
}

func TestCommandTemplate(t *testing.T) {
	t.Parallel()
	type then struct {
		path string
		args []string
		err  bool
	}
	var testCases = []struct {
		scenario string
		given    []string
		then     then
	}{
		{
			scenario: "plain",
			given:    []string{"nikto", "-h", "{{ .Value }}", "-p", "{{ .Port }}"},
			then:     then{path: "nikto", args: []string{"-h", "10.0.0.5", "-p", "443"}},
		},
		{
			scenario: "sprig and conditionals",
			given: []string{
				"scan",
				`{{ if has "tls" .Tags }}--ssl{{ end }}`,
				`{{ if has "smtp" .Tags }}--smtp{{ end }}`,
				`--tags={{ .Tags | join "," | upper }}`,
				"{{ .Address }}",
			},
			then: then{path: "scan", args: []string{"--ssl", "--tags=TLS,WEB", "10.0.0.5:443"}},
		},
		{
			scenario: "unknown field",
			given:    []string{"scan", "{{ .Nope }}"},
			then:     then{err: true},
		},
		{
			scenario: "renders empty",
			given:    []string{"{{ .Meta.missing }}"},
			then:     then{err: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			p := model.Plugin{Name: "nikto", Category: "web", Command: tc.given}
			src, err := adapter.NewCommand(p, target(), time.Second)
			require.NoError(t, err)
			cmd, err := src.Command()
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.path, cmd.Path)
			require.Equal(t, tc.then.args, cmd.Args)
			require.Equal(t, time.Second, cmd.Timeout)
		})
	}

	t.Run("parse error", func(t *testing.T) {
		t.Parallel()
		_, err := adapter.NewCommand(model.Plugin{Name: "x", Command: []string{"{{ .Value "}}, target(), 0)
		require.Error(t, err)
	})
}

func TestCommandSource(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	t.Run("jsonl", func(t *testing.T) {
		t.Parallel()
		p := model.Plugin{
			Name:     "nikto",
			Category: "web",
			Command: []string{sh, "-c", `
echo '{"target": "{{ .Value }}", "port": {{ .Port }}, "protocol": "tcp", "title": "X-Frame-Options missing", "severity": "low"}'
echo 'garbage'
echo 'warning' 1>&2`},
		}
		src, err := adapter.New(p, target(), time.Minute)
		require.NoError(t, err)
		require.Equal(t, "nikto", src.Name())

		batch, err := src.Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, "nikto", batch.Source)
		require.Len(t, batch.Findings, 1)
		f := batch.Findings[0]
		require.Equal(t, "10.0.0.5", f.Target)
		require.Equal(t, 443, f.Port)
		require.Equal(t, "web", f.Category)
		require.Equal(t, "nikto", f.SourcePlugin)
		require.Len(t, batch.Rejected, 1)
		require.Equal(t, "nikto", batch.Rejected[0].Source)
	})

	t.Run("exit status", func(t *testing.T) {
		t.Parallel()
		p := model.Plugin{Name: "broken", Category: "web", Command: []string{sh, "-c", "exit 2"}}
		src, err := adapter.New(p, target(), time.Minute)
		require.NoError(t, err)
		_, err = src.Run(t.Context())
		require.ErrorIs(t, err, model.ErrAdapterFailure)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		p := model.Plugin{Name: "slow", Category: "web", Command: []string{sh, "-c", "sleep 5"}, Timeout: "PT0.1S"}
		src, err := adapter.New(p, target(), time.Minute)
		require.NoError(t, err)
		start := time.Now()
		_, err = src.Run(t.Context())
		require.ErrorIs(t, err, model.ErrAdapterFailure)
		require.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestFileSource(t *testing.T) {
	t.Parallel()
	p := model.Plugin{Name: "imported", Category: "web", File: "testdata/findings.jsonl"}
	src, err := adapter.New(p, adapter.Target{}, 0)
	require.NoError(t, err)
	batch, err := src.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, batch.Findings, 3)
	require.Len(t, batch.Rejected, 4)
	for _, f := range batch.Findings {
		require.Equal(t, "web", f.Category)
		require.NotNil(t, f.RawEvidence)
		require.Equal(t, "testdata/findings.jsonl", f.RawEvidence.LogPath)
		require.Equal(t, model.FormatJSONL, f.RawEvidence.LogType)
	}
	require.Equal(t, "nikto-custom", batch.Findings[1].SourcePlugin)
	require.Equal(t, "imported", batch.Findings[0].SourcePlugin)

	t.Run("nmap xml", func(t *testing.T) {
		t.Parallel()
		p := model.Plugin{Name: "nmap", Category: "network", Format: model.FormatNmapXML, File: "nmap/testdata/scan.xml"}
		src, err := adapter.New(p, adapter.Target{}, 0)
		require.NoError(t, err)
		batch, err := src.Run(t.Context())
		require.NoError(t, err)
		require.Len(t, batch.Findings, 3)
		require.Equal(t, "nmap", batch.Findings[0].SourcePlugin)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		p := model.Plugin{Name: "gone", File: filepath.Join(t.TempDir(), "nope.jsonl")}
		src, err := adapter.New(p, adapter.Target{}, 0)
		require.NoError(t, err)
		_, err = src.Run(t.Context())
		require.ErrorIs(t, err, model.ErrAdapterFailure)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown format", func(t *testing.T) {
		t.Parallel()
		_, err := adapter.New(model.Plugin{Name: "x", File: "a.csv", Format: "csv"}, adapter.Target{}, 0)
		require.Error(t, err)
	})
}

func TestStatic(t *testing.T) {
	t.Parallel()
	given := []model.Finding{{Target: "10.0.0.1", Category: "network"}}
	src := adapter.NewStatic("api", given)
	batch, err := src.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, "api", batch.Findings[0].SourcePlugin)
	require.Empty(t, given[0].SourcePlugin)
	require.Empty(t, batch.Rejected)

	rejected := []model.RecordError{model.NewRecordError(1, model.Finding{}, model.ErrMalformedInput)}
	batch, err = src.WithRejected(rejected).Run(t.Context())
	require.NoError(t, err)
	require.Len(t, batch.Rejected, 1)
	require.Equal(t, "api", batch.Rejected[0].Source)
	require.Empty(t, rejected[0].Source)
}

func TestTargetAddress(t *testing.T) {
	t.Parallel()
	require.Equal(t, "10.0.0.5:443", target().Address())
	require.Equal(t, "[::1]:22", adapter.Target{Value: "::1", Port: 22}.Address())
	require.Equal(t, "example.com", adapter.Target{Value: "example.com"}.Address())
}
