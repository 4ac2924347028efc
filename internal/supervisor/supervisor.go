// Package supervisor drives the single event loop described by
// cli/internal/run/run.go's task-execution flow: one goroutine consuming a
// merged stream of events and reacting to exactly one at a time, rather than
// the task graph turbo itself walks.
//
// Here the merged stream is file-change, build-completion and shutdown
// events, and the graph being walked has exactly one node: the build
// command.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/molybdenumsoftware/sitedev/internal/browser"
	"github.com/molybdenumsoftware/sitedev/internal/buildrunner"
	"github.com/molybdenumsoftware/sitedev/internal/changefilter"
	"github.com/molybdenumsoftware/sitedev/internal/exitstatus"
	"github.com/molybdenumsoftware/sitedev/internal/filewatcher"
	"github.com/molybdenumsoftware/sitedev/internal/handshake"
	"github.com/molybdenumsoftware/sitedev/internal/httpserver"
	"github.com/molybdenumsoftware/sitedev/internal/project"
	"github.com/molybdenumsoftware/sitedev/internal/servedir"
	"github.com/molybdenumsoftware/sitedev/internal/signals"
)

// browserNavigateTimeout bounds how long the supervisor waits for the
// initial navigation before detaching; a slow or wedged browser must never
// hold up steady state.
const browserNavigateTimeout = 30 * time.Second

// Config configures a single supervisor run.
type Config struct {
	// BuildCommand is invoked verbatim, never resolved through PATH.
	BuildCommand string
	// Origin is the directory project.Locate starts its search from.
	Origin string
	// TestingMode enables the stdout handshake line and lengthens the
	// browser launch timeout.
	TestingMode bool
	Logger      hclog.Logger
	// Stdout receives the handshake line. Defaults to os.Stdout.
	Stdout io.Writer
	// OnReady, if set, is called once the server is bound and the browser
	// has been launched, with the serving port. It lets the CLI layer
	// print a human-facing status line without the supervisor itself
	// taking on any presentation concerns.
	OnReady func(port int)
}

// phase is the coarse state the table in the design notes calls Initial,
// Building and (collapsing Serving, which exists only for the instant
// between first build success and browser attach) Ready.
type phase int

const (
	phaseInitial phase = iota
	phaseStartingUp
	phaseReady
)

type action int

const (
	actionNone action = iota
	actionStartBuild
	actionBecomeReady
)

// supervisor holds the state machine's mutable state. Every field here is
// read and written from a single goroutine: the loop in Run. There is
// nothing for a mutex to protect.
type supervisor struct {
	logger hclog.Logger

	phase         phase
	buildInFlight bool
	queued        bool
	ready         bool

	serveDir *servedir.Dir
	server   *httpserver.Server

	onReady func(port int)
}

// onInitial fires exactly once, before the event loop starts, to kick off
// the first build.
func (s *supervisor) onInitial() action {
	s.phase = phaseStartingUp
	s.buildInFlight = true
	return actionStartBuild
}

// onAcceptedPathEvent implements the coalescing rule: a build in flight
// absorbs any number of further accepted events into a single pending
// build; with no build in flight, one starts immediately.
func (s *supervisor) onAcceptedPathEvent() action {
	if s.phase == phaseInitial {
		// Can't happen: the Initial event always fires first.
		return actionNone
	}
	if s.buildInFlight {
		s.queued = true
		return actionNone
	}
	s.buildInFlight = true
	return actionStartBuild
}

// onBuildCompletion drains the queue flag if set, otherwise advances
// Building to Ready on the first completion, whether that build succeeded
// or failed. Once in phaseReady the machine
// never leaves it, per the design notes.
func (s *supervisor) onBuildCompletion() action {
	s.buildInFlight = false
	if s.queued {
		s.queued = false
		s.buildInFlight = true
		return actionStartBuild
	}
	if s.phase == phaseStartingUp {
		s.phase = phaseReady
		return actionBecomeReady
	}
	return actionNone
}

// Run locates the project, wires up every adapter, and blocks until a
// shutdown signal is handled. The returned error, if non-nil, is always an
// *exitstatus.Error.
func Run(cfg Config) error {
	logger := cfg.Logger.Named("supervisor")
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	root, err := project.Locate(cfg.Origin)
	if err != nil {
		return exitstatus.Wrap(exitstatus.StartupFatal, errors.Wrap(err, "locating project root"))
	}
	logger.Info("located project root", "root", root)

	serveDir, err := servedir.Create()
	if err != nil {
		return exitstatus.Wrap(exitstatus.StartupFatal, err)
	}
	defer func() {
		if err := serveDir.Remove(); err != nil {
			logger.Warn("failed to remove serve directory", "error", err)
		}
	}()
	logger.Info("created serve directory", "path", serveDir.Path())

	filter, err := changefilter.New(root)
	if err != nil {
		return exitstatus.Wrap(exitstatus.StartupFatal, err)
	}

	watcher, err := filewatcher.New(logger, root, serveDir.Path())
	if err != nil {
		return exitstatus.Wrap(exitstatus.StartupFatal, err)
	}
	if err := watcher.Start(); err != nil {
		return exitstatus.Wrap(exitstatus.StartupFatal, err)
	}
	defer func() { _ = watcher.Close() }()

	runner := buildrunner.New(cfg.BuildCommand, serveDir.Path(), os.Environ(), logger)
	defer func() { _ = runner.Close() }()

	sigWatcher := signals.NewWatcher()

	sup := &supervisor{logger: logger, serveDir: serveDir, onReady: cfg.OnReady}

	switch sup.onInitial() {
	case actionStartBuild:
		logger.Info("starting initial build")
		runner.Start()
	}

	for {
		select {
		case sig := <-sigWatcher.Signals():
			return sup.shutdown(sig, runner)

		case comp, ok := <-runner.Completions():
			if !ok {
				continue
			}
			sup.logCompletion(comp)
			if comp.Outcome == buildrunner.Continued {
				continue
			}
			act := sup.onBuildCompletion()
			if err := sup.apply(act, runner, cfg.TestingMode, stdout); err != nil {
				sup.closeServerIfBound()
				return exitstatus.Wrap(exitstatus.StartupFatal, err)
			}

		case ev, ok := <-watcher.Events():
			if !ok {
				continue
			}
			if !filter.Accept(changefilter.Event{Path: ev.Path, Kind: ev.Kind}) {
				continue
			}
			act := sup.onAcceptedPathEvent()
			_ = sup.apply(act, runner, cfg.TestingMode, stdout)

		case werr, ok := <-watcher.Errors():
			if !ok {
				continue
			}
			logger.Warn("filewatcher error", "error", werr)
		}
	}
}

func (s *supervisor) logCompletion(c buildrunner.Completion) {
	switch c.Outcome {
	case buildrunner.Succeeded:
		s.logger.Info("build succeeded", "job_id", c.JobID, "duration", c.Duration)
	case buildrunner.Continued:
		s.logger.Debug("build process continued", "job_id", c.JobID)
	default:
		s.logger.Warn("build did not succeed", "job_id", c.JobID, "outcome", c.Outcome.String(), "detail", c.Detail)
	}
}

func (s *supervisor) apply(act action, runner *buildrunner.Runner, testingMode bool, stdout io.Writer) error {
	switch act {
	case actionStartBuild:
		s.logger.Info("starting build")
		runner.Start()
	case actionBecomeReady:
		return s.becomeReady(testingMode, stdout)
	}
	return nil
}

// becomeReady starts the HTTP server and launches the browser, the two
// steps that happen during the brief Serving interval before the machine
// settles into Ready. A failure here is a startup error: nothing has been
// served yet.
func (s *supervisor) becomeReady(testingMode bool, stdout io.Writer) error {
	server, err := httpserver.Bind(s.serveDir.Path(), s.logger)
	if err != nil {
		return err
	}
	s.server = server
	s.logger.Info("serving", "port", server.Port())

	handle, err := browser.Launch(testingMode, s.logger)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", server.Port())
	ctx, cancel := context.WithTimeout(context.Background(), browserNavigateTimeout)
	defer cancel()
	if err := handle.Navigate(ctx, url); err != nil {
		s.logger.Warn("browser did not navigate to served site", "error", err)
	}
	handle.Detach()

	if testingMode {
		if err := handshake.Write(stdout, s.logger, s.serveDir.Path(), server.Port(), handle.DebuggingAddress, handle.PID); err != nil {
			return err
		}
	}

	s.ready = true
	if s.onReady != nil {
		s.onReady(server.Port())
	}
	return nil
}

func (s *supervisor) closeServerIfBound() {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(context.Background()); err != nil {
		s.logger.Warn("failed to shut down http server during startup failure", "error", err)
	}
}

// shutdown runs once, on the first signal observed. A signal arriving
// before the machine has reached Ready means startup never completed: the
// handshake line (if any) was never written, so the exit status must say so.
func (s *supervisor) shutdown(sig os.Signal, runner *buildrunner.Runner) error {
	s.logger.Info("received shutdown signal", "signal", sig)

	if !s.ready {
		s.closeServerIfBound()
		return exitstatus.Wrap(exitstatus.RuntimeAbort, errors.Errorf("shutdown signal %v received before startup completed", sig))
	}

	if err := s.server.Shutdown(context.Background()); err != nil {
		s.logger.Warn("error shutting down http server", "error", err)
	}
	if err := runner.Close(); err != nil {
		s.logger.Warn("error stopping build runner", "error", err)
	}
	// The browser was detached in becomeReady and is deliberately left
	// running.
	return nil
}
