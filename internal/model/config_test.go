package model_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     func(t *testing.T, cfg model.Config)
	}{
		{
			scenario: "minimal",
			given: `
version: 0
service:
  mode: manual
`,
			then: func(t *testing.T, cfg model.Config) {
				require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
				require.Equal(t, "stderr", cfg.Service.Log)
				require.Equal(t, "honeyscan.db", cfg.Database.Path)
				require.Equal(t, 4, cfg.Ingest.Workers)
				require.Equal(t, 5, cfg.Ingest.MaxIterations)
				require.Equal(t, "PT10M", cfg.Ingest.AdapterTimeout)
				require.Equal(t, model.DefaultRules(), cfg.DerivationRules())
				d, err := cfg.AdapterTimeout()
				require.NoError(t, err)
				require.Equal(t, 10*time.Minute, d)
			},
		},
		{
			scenario: "full",
			given: `
version: 0
database:
  path: /tmp/hs.db
  purge_on_start: true
  purge_statuses: [done, failed]
ingest:
  workers: 8
  max_iterations: 3
  adapter_timeout: PT1M
service:
  mode: timer
  verbose: true
  log: discard
  schedule:
    cron: "*/5 * * * *"
targets:
  ip: [10.0.0.5]
  domain: [example.com]
plugins:
  - name: nmap
    category: network
    format: nmap-xml
    command: [nmap, -sV, -oX, "-", "{{ .Value }}"]
    consumes: [ip, domain]
  - name: nikto
    enabled: false
    category: web
    command: [nikto-jsonl, "{{ .Value }}:{{ .Port }}"]
    depends_on: [nmap]
    strict_dependencies: true
    consumes: [web]
    timeout: PT5M
rules:
  - category: network
    target_type: host_port
    ports: [443]
    port_scoped: true
    tags: [web, tls]
`,
			then: func(t *testing.T, cfg model.Config) {
				require.Equal(t, "/tmp/hs.db", cfg.Database.Path)
				require.True(t, cfg.Database.PurgeOnStart)
				require.Equal(t, []model.Status{model.StatusDone, model.StatusFailed}, cfg.Database.PurgeStatuses)
				require.Equal(t, 8, cfg.Ingest.Workers)
				require.Equal(t, 3, cfg.Ingest.MaxIterations)
				require.NotNil(t, cfg.Service.Schedule)
				require.Equal(t, "*/5 * * * *", cfg.Service.Schedule.Cron)
				require.Equal(t, []string{"10.0.0.5"}, cfg.Targets.IP)

				require.Len(t, cfg.Plugins, 2)
				nmap := cfg.Plugins[0]
				require.True(t, nmap.Enabled)
				require.Equal(t, model.FormatNmapXML, nmap.Format)
				nikto := cfg.Plugins[1]
				require.False(t, nikto.Enabled)
				require.Equal(t, model.FormatJSONL, nikto.Format)
				require.Equal(t, []string{"nmap"}, nikto.DependsOn)
				require.True(t, nikto.StrictDependencies)
				d, err := nikto.TimeoutOr(time.Hour)
				require.NoError(t, err)
				require.Equal(t, 5*time.Minute, d)

				require.Len(t, cfg.DerivationRules(), 1)
				require.Equal(t, model.TargetHostPort, cfg.Rules[0].TargetType)
				require.Equal(t, []int{443}, cfg.Rules[0].Ports)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg, err := model.LoadConfig(strings.NewReader(tc.given))
			require.NoError(t, err)
			tc.then(t, cfg)
		})
	}
}

func TestLoadConfig_Fail(t *testing.T) {
	type then struct {
		path string
		code model.CueErrorCode
	}
	var testCases = []struct {
		scenario string
		given    string
		then     *then
	}{
		{
			scenario: "extra",
			given: `
version: 0
service:
  mode: manual
extra: true
`,
			then: &then{path: "extra", code: model.CodeUnknownField},
		},
		{
			scenario: "additional service field",
			given: `
version: 0
service:
  mode: manual
  x: true
`,
			then: &then{path: "service.x", code: model.CodeUnknownField},
		},
		{
			scenario: "version 1",
			given: `
version: 1
service:
  mode: manual
`,
			then: &then{path: "version", code: model.CodeConflictingValues},
		},
		{
			scenario: "wrong mode",
			given: `
version: 0
service:
  mode: automatic_gear
`,
		},
		{
			scenario: "plugin without category",
			given: `
version: 0
service:
  mode: manual
plugins:
  - name: nmap
    command: [nmap]
`,
		},
		{
			scenario: "rule with bad port",
			given: `
version: 0
service:
  mode: manual
rules:
  - category: network
    ports: [70000]
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			var cuerr model.CueError
			require.True(t, errors.As(err, &cuerr))
			details := cuerr.Details()
			require.NotEmpty(t, details)
			require.NotEmpty(t, details[0].Attr("test").Value.String())
			if tc.then == nil {
				return
			}
			require.Equal(t, tc.then.path, details[0].Path)
			require.Equal(t, tc.then.code, details[0].Code)
			require.NotEmpty(t, details[0].Message)
		})
	}
}

func TestLoadConfig_Validate(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "timer without schedule",
			given: `
version: 0
service:
  mode: timer
`,
			then: "service.schedule is required",
		},
		{
			scenario: "server without addr",
			given: `
version: 0
service:
  mode: server
`,
			then: "service.server is required",
		},
		{
			scenario: "plugin declared twice",
			given: `
version: 0
service:
  mode: manual
plugins:
  - {name: a, category: web, command: [a]}
  - {name: a, category: web, command: [a]}
`,
			then: "declared twice",
		},
		{
			scenario: "plugin without command",
			given: `
version: 0
service:
  mode: manual
plugins:
  - {name: a, category: web}
`,
			then: "one of command or file is required",
		},
		{
			scenario: "rule port_scoped with ip",
			given: `
version: 0
service:
  mode: manual
rules:
  - {category: dns, target_type: ip, port_scoped: true}
`,
			then: "port_scoped requires",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestLoadConfigFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "honeyscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0\nservice:\n  mode: manual\n"), 0o600))

	cfg, err := model.LoadConfigFromPath(path)
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)

	_, err = model.LoadConfigFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.NotZero(t, cfg)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	err := enc.Encode(cfg)
	require.NoError(t, err)

	cfg2, err := model.LoadConfig(&buf)
	if err != nil {
		var cuerr model.CueError
		if errors.As(err, &cuerr) {
			for _, d := range cuerr.Details() {
				t.Logf("%+v", d)
			}
		}
	}
	require.NoError(t, err)

	require.Equal(t, cfg, cfg2)
}

func TestExpandEnv(t *testing.T) {
	// this must not be parallel
	const inp = `
version: 0
database:
  path: ${TEST_EE_DB_PATH}
service:
  mode: manual
targets:
  domain:
    - $TEST_EE_DOMAIN
    - $TEST_EE_DOMAIN_undefined
plugins:
  - name: nikto
    category: web
    command: [$TEST_EE_BINARY, "{{ .Value }}"]
`
	var names = []string{
		"TEST_EE_DB_PATH",
		"TEST_EE_DOMAIN",
		"TEST_EE_BINARY",
	}
	for _, name := range names {
		t.Setenv(name, strings.ToLower(name))
	}

	cfg, err := model.LoadConfig(strings.NewReader(inp))
	require.NoError(t, err)

	require.Equal(t, "test_ee_db_path", cfg.Database.Path)
	require.Equal(t, []string{"test_ee_domain", ""}, cfg.Targets.Domain)
	require.Equal(t, []string{"test_ee_binary", "{{ .Value }}"}, cfg.Plugins[0].Command)
}
