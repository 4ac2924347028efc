// Package buildrunner spawns, observes and terminates the single build
// subprocess the supervisor is allowed to have alive at any moment.
//
// Grounded on cli/internal/process/child.go and manager.go: the same
// start/signal/kill-with-grace-period shape, narrowed to the one-job-at-a-time
// lifecycle the supervisor's state machine enforces.
package buildrunner

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Outcome classifies how a build subprocess finished.
type Outcome int

const (
	// Succeeded means the build exited zero.
	Succeeded Outcome = iota
	// Failed means the build exited non-zero, was killed by a signal, or
	// raised an exception before exiting.
	Failed
	// SpawnFailed means the executable could not even be started.
	SpawnFailed
	// Continued means the child's stopped job resumed. It is logged but
	// never treated as terminal; exec.Cmd.Wait cannot actually observe a
	// stop/continue transition (it only returns on exit), so this value is
	// defined for completeness with spec.md's edge cases and is never
	// produced by Runner itself.
	Continued
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case SpawnFailed:
		return "spawn failed"
	case Continued:
		return "continued"
	default:
		return "unknown"
	}
}

// Completion is published once per build invocation, when that build's
// subprocess has reached a terminal outcome.
type Completion struct {
	JobID     int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Detail    string
}

// Runner owns at most one live build subprocess at a time. It is owned
// exclusively by the supervisor.
type Runner struct {
	command   string
	servePath string
	env       []string
	logger    hclog.Logger

	killTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	nextID  int
	closed  bool
	waiting sync.WaitGroup

	completions chan Completion
}

// New returns a Runner that will invoke command (used verbatim, never
// resolved through PATH) with SERVE_PATH set to servePath.
func New(command string, servePath string, env []string, logger hclog.Logger) *Runner {
	return &Runner{
		command:     command,
		servePath:   servePath,
		env:         env,
		logger:      logger.Named("build"),
		killTimeout: 10 * time.Second,
		completions: make(chan Completion, 1),
	}
}

// Completions returns the channel the supervisor selects on for build
// termination events. Exactly one Completion is sent per Start call made
// before Close; Start on a closed Runner does nothing and sends none.
func (r *Runner) Completions() <-chan Completion {
	return r.completions
}

// Start spawns the build command. It never returns an error for a failed
// spawn: that is reported asynchronously as a SpawnFailed completion so the
// supervisor can keep running and retry on the next file change.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.nextID++
	jobID := r.nextID
	startedAt := time.Now()

	// exec.Command would resolve a slash-free name through PATH; construct
	// the Cmd directly so the executable path given on the CLI is always
	// used verbatim.
	cmd := &exec.Cmd{
		Path: r.command,
		Args: []string{r.command},
		Env:  append(append([]string{}, r.env...), "SERVE_PATH="+r.servePath),
	}
	setSetpgid(cmd, true)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		r.publish(Completion{JobID: jobID, StartedAt: startedAt, Duration: time.Since(startedAt), Outcome: SpawnFailed, Detail: err.Error()})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		r.publish(Completion{JobID: jobID, StartedAt: startedAt, Duration: time.Since(startedAt), Outcome: SpawnFailed, Detail: err.Error()})
		return
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		r.logger.Error("failed to start build command", "command", r.command, "error", err)
		r.publish(Completion{JobID: jobID, StartedAt: startedAt, Duration: time.Since(startedAt), Outcome: SpawnFailed, Detail: err.Error()})
		return
	}

	r.cmd = cmd
	r.mu.Unlock()

	// stdout and stderr readers run independently of the wait, so a slow
	// or blocked reader can never delay observing the child's exit.
	r.waiting.Add(1)
	go r.streamLines(stdout, "stdout")
	r.waiting.Add(1)
	go r.streamLines(stderr, "stderr")

	go r.await(cmd, jobID, startedAt)
}

func (r *Runner) streamLines(rc io.ReadCloser, stream string) {
	defer r.waiting.Done()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.logger.Info(fmt.Sprintf("build command %s: %s", stream, scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("error reading build command output", "stream", stream, "error", err)
	}
}

func (r *Runner) await(cmd *exec.Cmd, jobID int, startedAt time.Time) {
	err := cmd.Wait()
	r.waiting.Wait()

	r.mu.Lock()
	if r.cmd == cmd {
		r.cmd = nil
	}
	r.mu.Unlock()

	completion := Completion{JobID: jobID, StartedAt: startedAt, Duration: time.Since(startedAt)}
	if err == nil {
		completion.Outcome = Succeeded
	} else {
		completion.Outcome = Failed
		completion.Detail = describeExit(err)
		r.logger.Warn("build command finished", "outcome", completion.Outcome.String(), "detail", completion.Detail)
	}
	r.publish(completion)
}

func describeExit(err error) string {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return err.Error()
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return fmt.Sprintf("killed by signal %v", status.Signal())
		}
		return fmt.Sprintf("exited with status %d", status.ExitStatus())
	}
	return exitErr.Error()
}

func (r *Runner) publish(c Completion) {
	select {
	case r.completions <- c:
	default:
		// Never more than one build is in flight, so this channel should
		// never be full; drop rather than block if it somehow is.
	}
}

// Stop signals the running build, if any, with SIGTERM and waits up to the
// kill timeout before escalating to SIGKILL. It blocks until the process
// has actually exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	_ = signalGroup(pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.killTimeout):
		r.logger.Warn("build command did not exit after SIGTERM, sending SIGKILL")
		_ = signalGroup(pid, syscall.SIGKILL)
		<-done
	}
}

// Close stops any live build and marks the Runner closed; no subprocess may
// ever outlive a closed Runner. Close is safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.Stop()
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	// Negative pid targets the process group created by setSetpgid.
	if err := syscall.Kill(-pid, sig); err != nil {
		if processNotFoundErr(err) {
			return nil
		}
		return errors.Wrapf(err, "signalling build process group %d", pid)
	}
	return nil
}
