package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const waitDelay = 2 * time.Second

var (
	ErrNotStarted   = errors.New("command not started")
	ErrInProgress   = errors.New("command in progress")
	ErrRunnerClosed = errors.New("runner is closed, cannot start new command")
)

// StderrFunc receives stderr of a running command line by line
type StderrFunc func(ctx context.Context, line string)

// Runner executes at most one adapter process at a time and keeps the
// Result of the most recent one.
//
//   - Start does not wait, a Result is sent to ResultsChan once the process
//     exits, but only if ResultsChan was called before. Run does both.
//   - The results channel has a buffer of one and is reused across runs.
//     Drain it before the next Start.
//   - Stdout is accumulated in memory. Stderr goes line by line to the
//     StderrFunc, or is discarded when there is none.
//   - Env replaces the environment of the process, nil inherits it.
//   - Close kills the running process and invalidates the runner.
type Runner struct {
	mx                sync.RWMutex
	cmd               *exec.Cmd
	cancelFunc        context.CancelFunc
	result            Result
	resultsChanCalled atomic.Bool
	results           chan Result
	closing           bool
	stderrFunc        StderrFunc
}

func NewRunner(f StderrFunc) *Runner {
	return &Runner{
		stderrFunc: f,
		result: Result{
			Err: ErrNotStarted,
		},
		results: make(chan Result, 1),
	}
}

// Command describes an adapter process
type Command struct {
	Name    string
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
	Stdin   []byte
}

type Result struct {
	Name    string
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	Stdout  []byte
	Err     error
}

// ExitCode returns the exit code of the process or -1 if it did not exit normally
func (r Result) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(r.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	if r.Err != nil {
		return -1
	}
	return 0
}

// Start runs the process, returns ErrInProgress or an exec error. Does NOT
// wait on the process to finish, use ResultsChan instead.
func (r *Runner) Start(ctx context.Context, proto Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closing {
		return ErrRunnerClosed
	}
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Name: proto.Name,
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	r.cmd = exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if proto.Env != nil {
		r.cmd.Env = append([]string(nil), proto.Env...)
	}
	// a process may leave children holding its output open
	r.cmd.WaitDelay = waitDelay
	var stderrW *io.PipeWriter
	var stderrR *io.PipeReader
	if r.stderrFunc != nil {
		stderrR, stderrW = io.Pipe()
		r.cmd.Stderr = stderrW
	}
	var buf bytes.Buffer
	r.cmd.Stdout = &buf
	if proto.Stdin != nil {
		r.cmd.Stdin = bytes.NewReader(proto.Stdin)
	}

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cmd = nil
		r.cancelFunc()
		if stderrW != nil {
			_ = stderrW.Close()
		}
		return err
	}

	var stderrDone chan struct{}
	if r.stderrFunc != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			r.processStderr(ctx, stderrR)
		}()
	}

	go r.wait(r.cmd, &buf, stderrW, stderrDone)
	return nil
}

// Run starts the command and waits for its Result
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	results := r.ResultsChan()
	if err := r.Start(ctx, proto); err != nil {
		return r.LastResult(), err
	}
	res, ok := <-results
	if !ok {
		return r.LastResult(), ErrRunnerClosed
	}
	return res, res.Err
}

// ResultsChan is channel which contains results of a running program.
// Calling this method ensures results are sent to the channel.
func (r *Runner) ResultsChan() <-chan Result {
	r.mx.Lock()
	r.resultsChanCalled.Store(true)
	ret := r.results
	r.mx.Unlock()
	return ret
}

// LastResult returns a last command result or a result with ErrNotStarted
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close kills a currently running program and closes the results channel.
// The result of the killed program is available via LastResult only.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closing {
		return
	}
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.closing = true
	r.resultsChanCalled.Store(false)
	close(r.results)
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, bufp *bytes.Buffer, stderrW *io.PipeWriter, stderrDone <-chan struct{}) {
	err := cmd.Wait()
	if stderrW != nil {
		_ = stderrW.Close()
		<-stderrDone
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	// copy, so Result owns the data
	r.result.Stdout = append([]byte(nil), bufp.Bytes()...)
	r.result.Stopped = stopped
	if err != nil {
		err = fmt.Errorf("command %s: %w", r.result.Name, err)
	}
	r.result.Err = err
	r.cmd = nil
	if r.resultsChanCalled.Load() && !r.closing {
		r.results <- r.result
	}
	r.mx.Unlock()
}
