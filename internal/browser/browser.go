// Package browser launches the local browser the supervisor attaches to
// after a successful build. github.com/chromedp/chromedp does the actual
// launching: its ExecAllocator assembles the chrome invocation, spawns it,
// and lazily allocates the target the first time the context is run.
package browser

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ErrLaunchFailed is returned when the browser executable cannot be found
// or does not report a debugging address before the launch timeout.
var ErrLaunchFailed = errors.New("browser launch failed")

// defaultLaunchTimeout is used outside testing mode.
const defaultLaunchTimeout = 30 * time.Second

// testingLaunchTimeout accommodates slow CI machines in testing mode.
const testingLaunchTimeout = 15 * time.Minute

var devtoolsListeningPattern = regexp.MustCompile(`^DevTools listening on (ws://\S+)$`)

// Handle is the launched browser, detached from this process's ownership:
// nothing here kills it on context cancellation or process exit.
type Handle struct {
	DebuggingAddress string
	PID              int

	userDataDir string
	ctx         context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// Launch starts the browser windowed, with a fresh per-launch user-data
// directory, through chromedp's ExecAllocator, and waits for the target to
// come up and report its devtools address. testingMode extends the wait to
// accommodate slow CI.
func Launch(testingMode bool, logger hclog.Logger) (*Handle, error) {
	logger = logger.Named("browser")

	userDataDir, err := os.MkdirTemp("", "sitedev-browser-"+uuid.NewString()+"-")
	if err != nil {
		return nil, errors.Wrap(ErrLaunchFailed, err.Error())
	}

	outputRead, outputWrite := io.Pipe()
	addressCh := make(chan string, 1)
	go scanForDebuggingAddress(outputRead, addressCh)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("remote-debugging-port", "0"),
		chromedp.UserDataDir(userDataDir),
		chromedp.CombinedOutput(outputWrite),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	cdpCtx, cancelCtx := chromedp.NewContext(allocCtx)

	timeout := defaultLaunchTimeout
	if testingMode {
		timeout = testingLaunchTimeout
	}

	launchCtx, cancelLaunch := context.WithTimeout(cdpCtx, timeout)
	defer cancelLaunch()

	// Running with no actions is enough to force the allocator to spawn
	// the browser and wait for its first target, chromedp's documented
	// lazy-allocation behavior.
	if err := chromedp.Run(launchCtx); err != nil {
		cancelCtx()
		cancelAlloc()
		_ = outputWrite.Close()
		_ = os.RemoveAll(userDataDir)
		return nil, errors.Wrap(ErrLaunchFailed, err.Error())
	}

	var address string
	select {
	case address = <-addressCh:
	case <-time.After(5 * time.Second):
		// Run already returned successfully, so the browser came up; this
		// only guards against the combined-output pipe losing the line.
	}
	if address == "" {
		cancelCtx()
		cancelAlloc()
		_ = outputWrite.Close()
		_ = os.RemoveAll(userDataDir)
		return nil, errors.Wrap(ErrLaunchFailed, "browser did not report a debugging address")
	}

	pid := 0
	if proc := chromedp.FromContext(cdpCtx).Browser.Process(); proc != nil {
		pid = proc.Pid
	}

	logger.Info("browser launched", "pid", pid, "debugging_address", address)

	return &Handle{
		DebuggingAddress: address,
		PID:              pid,
		userDataDir:      userDataDir,
		ctx:              cdpCtx,
		cancelCtx:        cancelCtx,
		cancelAlloc:      cancelAlloc,
	}, nil
}

// scanForDebuggingAddress watches the browser's combined stdout/stderr,
// tee'd by chromedp.CombinedOutput, for the line chrome prints once its
// devtools websocket is up.
func scanForDebuggingAddress(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := devtoolsListeningPattern.FindStringSubmatch(line); m != nil {
			out <- m[1]
			return
		}
	}
}

// Navigate opens url in the browser's initial target. ctx bounds how long
// the caller is willing to wait; the browser's own context, established at
// launch, governs the navigation itself.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(h.ctx, chromedp.Navigate(url))
	}()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "navigating browser")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach releases this package's hold on the chromedp session without
// touching the browser subprocess itself: the allocator's and context's
// cancel funcs, which would otherwise kill the subprocess, are simply never
// called, so it survives process exit and is reparented to init, per the
// orphan-safety requirement.
func (h *Handle) Detach() {
	h.cancelCtx = nil
	h.cancelAlloc = nil
}

// UserDataDir returns the per-launch profile directory. Launch removes it
// only when the launch fails; after a successful launch nothing in this
// package or in the supervisor removes it, and it outlives the process.
func (h *Handle) UserDataDir() string {
	return h.userDataDir
}
