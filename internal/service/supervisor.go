package service

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/orchestrate"
)

const shutdownTimeout = 10 * time.Second

// Orchestrator runs one orchestration pass over the registry
type Orchestrator interface {
	Run(ctx context.Context) (orchestrate.Summary, error)
}

// Result of a single orchestrator run
type Result struct {
	Summary orchestrate.Summary
	Started time.Time
	Stopped time.Time
	Err     error
}

type Supervisor struct {
	cfg          model.ServiceConfig
	orchestrator Orchestrator
	reporters    []model.Reporter
	handler      http.Handler
	scheduler    gocron.Scheduler
	duration     time.Duration
	starts       chan struct{}
	results      chan Result
	wg           sync.WaitGroup

	addrMx sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

func NewSupervisor(ctx context.Context, cfg model.ServiceConfig, o Orchestrator) (*Supervisor, error) {
	var supervisor = &Supervisor{
		cfg:          cfg,
		orchestrator: o,
		starts:       make(chan struct{}, 1),
		results:      make(chan Result, 1),
		ready:        make(chan struct{}),
	}
	reporters, err := reporters(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing reporters: %w", err)
	}
	supervisor.reporters = reporters

	switch cfg.Mode {
	case model.ServiceModeManual:
	case model.ServiceModeTimer, model.ServiceModeServer:
		if cfg.Mode == model.ServiceModeServer && cfg.Server == nil {
			return nil, errors.New("server mode failed: service.server is nil")
		}
		if cfg.Mode == model.ServiceModeServer && cfg.Schedule == nil {
			// runs are triggered via the API only
			break
		}
		d, scheduler, err := newScheduler(ctx, cfg.Schedule, func() { supervisor.Start() })
		if err != nil {
			return nil, fmt.Errorf("%s mode failed: %w", cfg.Mode, err)
		}
		supervisor.duration = d
		supervisor.scheduler = scheduler
	default:
		return nil, fmt.Errorf("unsupported service mode %q", cfg.Mode)
	}

	return supervisor, nil
}

// WithReporters replaces reporters of an initialized Supervisor
func (s *Supervisor) WithReporters(ctx context.Context, reporters ...model.Reporter) *Supervisor {
	s.closeReporters(ctx)
	s.reporters = reporters
	return s
}

// WithHandler sets the API served in server mode
func (s *Supervisor) WithHandler(h http.Handler) *Supervisor {
	s.handler = h
	return s
}

// Start asks the supervisor to run the orchestrator. It never blocks, a start
// requested while another one is pending is coalesced. Returns false in
// that case.
func (s *Supervisor) Start() bool {
	select {
	case s.starts <- struct{}{}:
		return true
	default:
		return false
	}
}

// Addr returns the address the server mode listens on. It blocks until the
// listener is ready or ctx is done.
func (s *Supervisor) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ready:
		s.addrMx.Lock()
		defer s.addrMx.Unlock()
		return s.addr, nil
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers from the scheduler, the API or callers of Start.
//  2. Run results: the summary is reported, a failure logged.
//  3. Context cancellation: terminates the loop and begins shutdown.
//
// Modes:
//   - manual: the orchestrator runs once, its error is returned.
//   - timer: runs are triggered by the schedule until ctx is cancelled.
//   - server: serves the API and /debug/vars, runs are triggered via the API
//     and by the optional schedule.
//
// At most one orchestrator run is in progress, starts arriving meanwhile
// are ignored.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "mode", s.cfg.Mode)

	runCtx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()
	defer s.closeReporters(ctx)

	if s.scheduler != nil {
		s.scheduler.Start()
		slog.InfoContext(ctx, "orchestrator scheduled", "interval", s.duration.String())
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	if s.cfg.Mode == model.ServiceModeServer {
		srv, err := s.listen(ctx)
		if err != nil {
			return err
		}
		s.wg.Go(func() {
			if err := srv.serve(); err != nil {
				serverErr <- err
			}
		})
		defer srv.shutdown(ctx)
	}

	if s.cfg.Mode == model.ServiceModeManual {
		s.Start()
	}

	var running bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			return fmt.Errorf("serving api: %w", err)
		case <-s.starts:
			if running {
				slog.WarnContext(ctx, "orchestrator run in progress: ignoring start")
				continue
			}
			running = true
			s.wg.Go(func() {
				s.results <- s.run(runCtx)
			})
		case result := <-s.results:
			running = false
			err := s.handleResult(ctx, result)
			if s.cfg.Mode == model.ServiceModeManual {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "orchestrator run failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) run(ctx context.Context) Result {
	ctx = log.ContextAttrs(ctx, slog.GroupAttrs("run", slog.String("mode", s.cfg.Mode)))
	res := Result{Started: time.Now().UTC()}
	slog.DebugContext(ctx, "about to start")
	res.Summary, res.Err = s.orchestrator.Run(ctx)
	res.Stopped = time.Now().UTC()
	slog.DebugContext(ctx, "finished")
	return res
}

func (s *Supervisor) handleResult(ctx context.Context, result Result) error {
	slog.InfoContext(ctx, "orchestrator run finished",
		slog.Int("iterations", result.Summary.Iterations),
		slog.Int("claimed", result.Summary.Claimed),
		slog.Int("done", result.Summary.Done),
		slog.Int("failed", result.Summary.Failed),
		slog.Bool("fixed_point", result.Summary.FixedPoint),
		slog.String("elapsed", result.Stopped.Sub(result.Started).String()),
	)
	rerr := s.report(ctx, result)
	return errors.Join(result.Err, rerr)
}

func (s *Supervisor) report(ctx context.Context, result Result) error {
	type report struct {
		Started time.Time           `yaml:"started"`
		Stopped time.Time           `yaml:"stopped"`
		Error   string              `yaml:"error,omitempty"`
		Summary orchestrate.Summary `yaml:"summary"`
	}
	r := report{Started: result.Started, Stopped: result.Stopped, Summary: result.Summary}
	if result.Err != nil {
		r.Error = result.Err.Error()
	}
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	name := "honeyscan-" + result.Started.Format("2006-01-02-15-04-05") + ".yaml"
	var errs []error
	for _, rep := range s.reporters {
		if err := rep.Report(ctx, name, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeReporters(ctx context.Context) {
	for _, r := range s.reporters {
		if closer, ok := r.(model.ReportCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing reporter have failed", "error", err)
			}
		}
	}
}

type apiServer struct {
	srv *http.Server
	ln  net.Listener
}

func (s *Supervisor) listen(ctx context.Context) (apiServer, error) {
	r := mux.NewRouter()
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	if s.handler != nil {
		r.PathPrefix("/").Handler(s.handler)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Addr)
	if err != nil {
		return apiServer{}, fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr, err)
	}
	s.addrMx.Lock()
	s.addr = ln.Addr()
	s.addrMx.Unlock()
	close(s.ready)
	slog.InfoContext(ctx, "serving api", "addr", ln.Addr().String())

	return apiServer{
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		},
		ln: ln,
	}, nil
}

func (a apiServer) serve() error {
	err := a.srv.Serve(a.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a apiServer) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(sctx); err != nil {
		slog.ErrorContext(ctx, "shutting down api server has failed", "error", err)
	}
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (time.Duration, gocron.Scheduler, error) {
	if cfgp == nil {
		return 0, nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	var d time.Duration
	var err error
	switch {
	case cfg.Cron != "":
		d, err = model.ParseCron(cfg.Cron)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing service.scheduler.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "job", job)
	case cfg.Duration != "":
		d, err = model.ParseISODuration(cfg.Duration)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing service.scheduler.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String(), "job", job)
	default:
		return 0, nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return 0, nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return d, s, nil
}
