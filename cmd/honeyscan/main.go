package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"github.com/honeyscan/honeyscan/internal/adapter"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/store"
	"github.com/honeyscan/honeyscan/internal/walk"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/honeyscan on given OS
	configPath     string // actual config file used (if loaded)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagFormat    string  // ingest --format
	flagSource    string  // ingest --source
	flagCategory  string  // ingest --category
	flagTriggered []int64 // ingest --triggered

	flagStatuses []string // registry list|purge --status
	flagTags     []string // registry list|claim --tag
	flagType     string   // registry list|claim --type
	flagLimit    int      // registry list, cycles --limit
	flagReason   string   // registry fail --reason
)

var rootCmd = &cobra.Command{
	Use:          "honeyscan",
	Short:        "Aggregates findings of security scanners and chains them via the target registry",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and orchestrates the plugins",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir>...",
	Short: "ingest merges reports into the database in a single cycle",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doIngest,
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "registry inspects and drives the target registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "list registry entries",
	Args:  cobra.NoArgs,
	RunE:  doRegistryList,
}

var registryClaimCmd = &cobra.Command{
	Use:   "claim [id]",
	Short: "claim an entry by id or the oldest claimable one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doRegistryClaim,
}

var registryScannedCmd = &cobra.Command{
	Use:   "scanned <id>",
	Short: "mark a queued entry scanned",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionFunc("scanned"),
}

var registryDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "mark a scanned entry done",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionFunc("done"),
}

var registryFailCmd = &cobra.Command{
	Use:   "fail <id>",
	Short: "mark a queued or scanned entry failed",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionFunc("fail"),
}

var registryRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "reset a failed entry to new",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionFunc("requeue"),
}

var registryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "delete entries in given statuses",
	Args:  cobra.NoArgs,
	RunE:  doRegistryPurge,
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles [uuid]",
	Short: "cycles lists recorded ingestion cycles",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doCycles,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides a version of honeyscan",
	RunE:  doVersion,
}

func init() {
	// user configuration
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "honeyscan")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is honeyscan.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	ingestCmd.Flags().StringVar(&flagFormat, "format", model.FormatJSONL, "report format: jsonl or nmap-xml")
	ingestCmd.Flags().StringVar(&flagSource, "source", "", "plugin name of the reports, a declared plugin lends its category and format")
	ingestCmd.Flags().StringVar(&flagCategory, "category", "", "category of findings without one")
	ingestCmd.Flags().Int64SliceVar(&flagTriggered, "triggered", nil, "registry entries to fail when a report can't be ingested")

	for _, cmd := range []*cobra.Command{registryListCmd, registryClaimCmd} {
		cmd.Flags().StringSliceVar(&flagTags, "tag", nil, "entries with any of the tags")
		cmd.Flags().StringVar(&flagType, "type", "", "entries of target type: ip, domain or network")
	}
	registryListCmd.Flags().StringSliceVar(&flagStatuses, "status", nil, "entries in any of the statuses")
	registryListCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum number of entries, 0 is unlimited")
	registryPurgeCmd.Flags().StringSliceVar(&flagStatuses, "status", nil, "statuses to purge")
	_ = registryPurgeCmd.MarkFlagRequired("status")
	registryFailCmd.Flags().StringVar(&flagReason, "reason", "failed by operator", "reason stored in entry meta")
	cyclesCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum number of cycles")

	// never print messages and usage
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	registryCmd.AddCommand(
		registryListCmd,
		registryClaimCmd,
		registryScannedCmd,
		registryDoneCmd,
		registryFailCmd,
		registryRequeueCmd,
		registryPurgeCmd,
	)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(cyclesCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if err != nil {
		slog.Error("honeyscan failed", "err", err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			_ = rootCmd.Help() // ./cmd bflmp
		} else {
			_ = cmd.Help() // ./cmd run gfagf (extra arg)
		}
		os.Exit(1)
	}
}

func doVersion(cmd *cobra.Command, args []string) error {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return fmt.Errorf("honeyscan: version info not available")
	}

	if configPath != "" {
		fmt.Printf("config: %s\n", configPath)
	}
	fmt.Printf("honeyscan: %s\n", info.Main.Version)
	fmt.Printf("go:        %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Printf("commit:    %s\n", s.Value)
		case "vcs.time":
			fmt.Printf("date:      %s\n", s.Value)
		case "vcs.modified":
			fmt.Printf("dirty:     %s\n", s.Value)
		}
	}
	fmt.Println()

	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "run")
	if err != nil {
		return err
	}
	defer done()
	slog.DebugContext(ctx, "", "environ", os.Environ())

	if err := app.Purge(ctx); err != nil {
		return err
	}
	supervisor, err := app.Supervisor(ctx)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doIngest(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "ingest")
	if err != nil {
		return err
	}
	defer done()

	proto := model.Plugin{
		Name:     flagSource,
		Category: flagCategory,
		Format:   flagFormat,
	}
	if declared, ok := app.graph.Plugin(flagSource); ok {
		proto = declared
		if cmd.Flags().Changed("format") {
			proto.Format = flagFormat
		}
		if flagCategory != "" {
			proto.Category = flagCategory
		}
	}

	paths, err := reportPaths(ctx, args, proto.Format)
	if err != nil {
		return err
	}
	jobs := make([]ingest.Job, 0, len(paths))
	for _, path := range paths {
		p := proto
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		p.File = path
		src, err := adapter.NewFile(p)
		if err != nil {
			return err
		}
		jobs = append(jobs, ingest.Job{Source: src, Triggered: flagTriggered})
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no %s reports found in %s", proto.Format, strings.Join(args, ", "))
	}

	res, err := app.cycle.Run(ctx, jobs)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, res)
}

func doRegistryList(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "registry list")
	if err != nil {
		return err
	}
	defer done()

	filter, err := registryFilter()
	if err != nil {
		return err
	}
	for _, s := range flagStatuses {
		st, err := model.ParseStatus(s)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	filter.Limit = flagLimit

	entries, err := app.registry.List(ctx, filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []model.RegistryEntry{}
	}
	return printJSON(os.Stdout, entries)
}

func doRegistryClaim(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "registry claim")
	if err != nil {
		return err
	}
	defer done()

	var e model.RegistryEntry
	if len(args) == 1 {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		e, err = app.registry.Claim(ctx, id)
		if err != nil {
			return err
		}
	} else {
		filter, err := registryFilter()
		if err != nil {
			return err
		}
		e, err = app.registry.ClaimNext(ctx, filter)
		if err != nil {
			return err
		}
	}
	return printJSON(os.Stdout, e)
}

func transitionFunc(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, app, done, err := setup(cmd, "registry "+action)
		if err != nil {
			return err
		}
		defer done()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		switch action {
		case "scanned":
			return app.registry.MarkScanned(ctx, id)
		case "done":
			return app.registry.MarkDone(ctx, id)
		case "fail":
			return app.registry.MarkFailed(ctx, id, flagReason)
		case "requeue":
			return app.registry.Requeue(ctx, id)
		}
		return fmt.Errorf("unsupported registry action %q", action)
	}
}

func doRegistryPurge(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "registry purge")
	if err != nil {
		return err
	}
	defer done()

	statuses := make([]model.Status, 0, len(flagStatuses))
	for _, s := range flagStatuses {
		st, err := model.ParseStatus(s)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	n, err := app.registry.Purge(ctx, statuses)
	if err != nil {
		return err
	}
	fmt.Printf("purged: %d\n", n)
	return nil
}

func doCycles(cmd *cobra.Command, args []string) error {
	ctx, app, done, err := setup(cmd, "cycles")
	if err != nil {
		return err
	}
	defer done()

	if len(args) == 1 {
		row, err := store.GetCycle(ctx, app.db, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, cycleView(row))
	}
	rows, err := store.ListCycles(ctx, app.db, flagLimit)
	if err != nil {
		return err
	}
	ret := make([]any, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, cycleView(row))
	}
	return printJSON(os.Stdout, ret)
}

// cycleView embeds the stored report as a JSON value
func cycleView(row store.CycleRow) any {
	type view struct {
		UUID          string          `json:"uuid"`
		InProgress    bool            `json:"in_progress"`
		Success       *bool           `json:"success,omitempty"`
		FailureReason *string         `json:"failure_reason,omitempty"`
		StartedAt     string          `json:"started_at"`
		Report        json.RawMessage `json:"report,omitempty"`
	}
	v := view{
		UUID:          row.UUID,
		InProgress:    row.InProgress,
		Success:       row.Success,
		FailureReason: row.FailureReason,
		StartedAt:     row.StartedAt.String(),
	}
	if row.Report != nil && json.Valid([]byte(*row.Report)) {
		v.Report = json.RawMessage(*row.Report)
	}
	return v
}

// setup loads the configuration, initializes logging and the App. The
// returned function releases all resources.
func setup(cmd *cobra.Command, name string) (context.Context, *App, func(), error) {
	config, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	w, closeLog, err := log.Writer(config.Service.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(log.NewWithWriter(w, config.Service.Verbose))

	ctx := cmd.Context()
	attrs := slog.Group("honeyscan",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	slog.DebugContext(ctx, "", "config", config)

	app, err := NewApp(ctx, config)
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, err
	}
	return ctx, app, func() {
		app.Close(ctx)
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "closing log: %v\n", err)
		}
	}, nil
}

// reportPaths expands directories to report files of the format
func reportPaths(ctx context.Context, args []string, format string) ([]string, error) {
	exts := []string{".jsonl", ".ndjson"}
	if format != model.FormatJSONL {
		exts = []string{".xml"}
	}
	var ret []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			ret = append(ret, arg)
			continue
		}
		for entry, err := range walk.Reports(ctx, arg, exts...) {
			if err != nil {
				slog.WarnContext(ctx, "skipping report", "error", err)
				continue
			}
			ret = append(ret, entry.Path())
		}
	}
	return ret, nil
}

func registryFilter() (store.RegistryFilter, error) {
	var f store.RegistryFilter
	if flagType != "" {
		f.TargetType = model.TargetType(flagType)
		if !f.TargetType.IsValid() {
			return f, fmt.Errorf("unknown target type %q", flagType)
		}
	}
	f.Tags = flagTags
	return f, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid registry id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig(_ *cobra.Command, _ []string) (model.Config, error) {
	if envConfig, ok := os.LookupEnv("HONEYSCANCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "honeyscan.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var config model.Config

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "honeyscan.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return config, fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return config, fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return config, fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		config, err = model.LoadConfigFromPath(configPath)
		if err != nil {
			return config, err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	if config.Database.Path == "" {
		return config, errors.New("database.path is empty")
	}
	return config, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
