package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"reflect"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/creasty/defaults"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
	ServiceModeServer = "server"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	FormatJSONL   = "jsonl"
	FormatNmapXML = "nmap-xml"
	// FormatNmap is the built-in nmap scanner, command is optional
	FormatNmap = "nmap"
)

// Config is the honeyscan configuration
type Config struct {
	Version  int           `json:"version"` // fixed 0 for now
	Database Database      `json:"database"`
	Ingest   Ingest        `json:"ingest"`
	Service  ServiceConfig `json:"service"`
	Targets  Targets       `json:"targets"`
	Plugins  []Plugin      `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Rules    Rules         `json:"rules,omitempty" yaml:"rules,omitempty"`
}

type Database struct {
	Path          string   `json:"path" default:"honeyscan.db"`
	PurgeOnStart  bool     `json:"purge_on_start,omitempty" yaml:"purge_on_start,omitempty"`
	PurgeStatuses []Status `json:"purge_statuses,omitempty" yaml:"purge_statuses,omitempty"`
}

type Ingest struct {
	Workers        int    `json:"workers" default:"4"`
	MaxIterations  int    `json:"max_iterations" yaml:"max_iterations" default:"5"`
	AdapterTimeout string `json:"adapter_timeout" yaml:"adapter_timeout" default:"PT10M"`
}

// ServiceConfig configures the supervisor
type ServiceConfig struct {
	Mode     string         `json:"mode" default:"manual"` // must be "manual", "timer" or "server"
	Verbose  bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      string         `json:"log,omitempty" yaml:"log,omitempty" default:"stderr"` // "stderr"|"stdout"|"discard"|path
	// Dir receives run reports, stdout is used when empty
	Dir      string         `json:"dir,omitempty" yaml:"dir,omitempty"`
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"` // only for mode timer
	Server   *Server        `json:"server,omitempty" yaml:"server,omitempty"`     // only for mode server
}

// TimerSchedule defines the duration for a timer mode
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Server struct {
	Addr string `json:"addr"` // :port or ip:port
}

// Targets seed the registry
type Targets struct {
	IP      []string `json:"ip,omitempty" yaml:"ip,omitempty"`
	Domain  []string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Network []string `json:"network,omitempty" yaml:"network,omitempty"`
}

// Plugin declares an adapter and its place in the dependency graph
type Plugin struct {
	Name               string   `json:"name"`
	Enabled            bool     `json:"enabled"`
	Category           string   `json:"category"`
	Format             string   `json:"format" default:"jsonl"`
	Command            []string `json:"command,omitempty" yaml:"command,omitempty"`
	File               string   `json:"file,omitempty" yaml:"file,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	StrictDependencies bool     `json:"strict_dependencies,omitempty" yaml:"strict_dependencies,omitempty"`
	Consumes           []string `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	Timeout            string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TimeoutOr returns the plugin timeout or fallback if not set
func (p Plugin) TimeoutOr(fallback time.Duration) (time.Duration, error) {
	if p.Timeout == "" {
		return fallback, nil
	}
	d, err := ParseISODuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("plugin %s: timeout: %w", p.Name, err)
	}
	return d, nil
}

// DerivationRules returns configured rules or DefaultRules
func (c Config) DerivationRules() Rules {
	if len(c.Rules) == 0 {
		return DefaultRules()
	}
	return c.Rules
}

// AdapterTimeout returns parsed ingest.adapter_timeout
func (c Config) AdapterTimeout() (time.Duration, error) {
	d, err := ParseISODuration(c.Ingest.AdapterTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing ingest.adapter_timeout: %w", err)
	}
	return d, nil
}

// Validate performs checks the schema can't express
func (c Config) Validate() error {
	var errs []error
	switch c.Service.Mode {
	case ServiceModeTimer:
		if c.Service.Schedule == nil {
			errs = append(errs, errors.New("service.schedule is required with mode timer"))
		}
	case ServiceModeServer:
		if c.Service.Server == nil {
			errs = append(errs, errors.New("service.server is required with mode server"))
		}
	}
	seen := make(map[string]struct{}, len(c.Plugins))
	for _, p := range c.Plugins {
		if _, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("plugin %s: declared twice", p.Name))
		}
		seen[p.Name] = struct{}{}
		if len(p.Command) == 0 && p.File == "" && p.Format != FormatNmap {
			errs = append(errs, fmt.Errorf("plugin %s: one of command or file is required", p.Name))
		}
		if _, err := p.TimeoutOr(0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Rules.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AdapterTimeout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func expandEnvRecursive(pt *Config) {
	expandEnvValue(reflect.ValueOf(pt).Elem())
}

func expandEnvValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				expandEnvValue(f)
			}
		}
	case reflect.Pointer:
		if !v.IsNil() {
			expandEnvValue(v.Elem())
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandEnvValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, k := range v.MapKeys() {
			v.SetMapIndex(k, reflect.ValueOf(os.ExpandEnv(v.MapIndex(k).String())).Convert(v.Type().Elem()))
		}
	default:
		// other kinds ignored
	}
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx    *cue.Context
	cueConfig cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	cueConfig = compiled.LookupPath(cue.ParsePath("#Config"))
	if cueConfig.Err() != nil {
		panic(cueConfig.Err())
	}
	if err := cueConfig.Validate(); err != nil {
		panic(err)
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// NOT SAFE for multiple goroutines
// Return CueError in a case validation phase fails
func LoadConfig(r io.Reader) (Config, error) {
	var ret Config
	if err := loadConfig1(r, &ret); err != nil {
		return ret, err
	}
	return ret, nil
}

// LoadConfigFromPath loads the config file, path "-" reads stdin
func LoadConfigFromPath(path string) (Config, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("error opening config file: %w", err)
		}
		r = f
		defer func() {
			err := f.Close()
			if err != nil {
				slog.Error("can't close config file", "path", path, "error", err)
			}
		}()
	}
	cfg, err := LoadConfig(r)
	if err != nil {
		var cuerr CueError
		if errors.As(err, &cuerr) {
			for _, d := range cuerr.Details() {
				slog.Error("validation error", d.Attr("detail"))
			}
		}
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func loadConfig1(r io.Reader, pt *Config) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	r = bytes.NewReader(b)

	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := cueConfig.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return CueError{cuerr: err}
	}

	if err := unified.Decode(pt); err != nil {
		return err
	}
	if err := defaults.Set(pt); err != nil {
		return fmt.Errorf("setting config defaults: %w", err)
	}

	expandEnvRecursive(pt)
	return pt.Validate()
}

// CueError provides more user friendly validation errors on top of
// those generated by cuelang itself
type CueError struct {
	cuerr error
}

// Error implements error interface, returns the string content of underlying
// cue error
func (e CueError) Error() string {
	return e.cuerr.Error()
}

// Unwrap allows one to get the original error via errors.As
func (e CueError) Unwrap() error {
	return e.cuerr
}

// Details provide human-friendlier error messages
func (e CueError) Details() []CueErrorDetail {
	return humanize(e.cuerr)
}

// DefaultConfig returns a default configuration for honeyscan.
// The nmap plugin is declared only when the binary is found.
func DefaultConfig() Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		// static tags, only a programmer's mistake can get here
		panic(err)
	}
	cfg.Service.Verbose = false
	cfg.Targets = Targets{IP: []string{"127.0.0.1"}}

	if nmap, err := exec.LookPath("nmap"); err == nil {
		cfg.Plugins = append(cfg.Plugins, Plugin{
			Name:               "nmap",
			Enabled:            true,
			Category:           "network",
			Format:             FormatNmap,
			Command:            []string{nmap},
			StrictDependencies: true,
			Consumes:           []string{"ip", "domain", "network"},
		})
	}
	return cfg
}
