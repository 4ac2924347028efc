// Package filewatcher produces the raw stream of filesystem events the
// supervisor's change filter consumes. It is grounded on turbo's fsnotify
// backend: recursively seed watches with godirwalk, then paper over
// cross-platform fsnotify inconsistencies by re-watching any directory a
// Create event reports, since some backends auto-watch new children and
// some don't.
package filewatcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// Kind classifies a raw filesystem event the way the change filter's kind
// restriction expects: Create, Modify, Remove, or Other (everything else,
// including bare renames and metadata-only changes).
type Kind int

const (
	Other Kind = iota
	Create
	Modify
	Remove
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	default:
		return "other"
	}
}

// Event is one observed filesystem change.
type Event struct {
	Path string
	Kind Kind
}

var _modifiedMask = fsnotify.Write

func kindOf(op fsnotify.Op) Kind {
	switch {
	case op&fsnotify.Create != 0:
		return Create
	case op&fsnotify.Remove != 0:
		return Remove
	case op&_modifiedMask != 0:
		return Modify
	default:
		return Other
	}
}

// Watcher recursively watches a project root for changes, excluding .git
// and the serve directory (build output must never trigger its own
// rebuild). Everything else — including gitignore-rule matching — is the
// change filter's job, not this package's.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    hclog.Logger
	repoRoot  string
	servePath string

	events chan Event
	errors chan error

	mu     sync.Mutex
	closed bool
}

// New creates a Watcher rooted at repoRoot. servePath is excluded from
// watching entirely; pass "" if no serve directory exists yet.
func New(logger hclog.Logger, repoRoot string, servePath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	return &Watcher{
		watcher:   fsw,
		logger:    logger.Named("filewatcher"),
		repoRoot:  repoRoot,
		servePath: servePath,
		events:    make(chan Event),
		errors:    make(chan error),
	}, nil
}

// Events returns the channel of observed filesystem changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch-layer errors (failed reads from the
// underlying OS watch, not build or application errors).
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) excluded(path string) bool {
	rel, err := filepath.Rel(w.repoRoot, path)
	if err != nil {
		return false
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		return true
	}
	if w.servePath != "" && (path == w.servePath || strings.HasPrefix(path, w.servePath+string(filepath.Separator))) {
		return true
	}
	return false
}

// Start recursively adds watches under the repo root, then begins
// forwarding events in a background goroutine.
func (w *Watcher) Start() error {
	if err := w.watchRecursively(w.repoRoot); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watchRecursively(root string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, dirent *godirwalk.Dirent) error {
			if w.excluded(path) {
				return godirwalk.SkipThis
			}
			isDir, err := dirent.IsDirOrSymlinkToDir()
			if err != nil {
				return godirwalk.SkipThis
			}
			if isDir && !dirent.IsSymlink() {
				w.logger.Trace("watching directory", "path", path)
				if err := w.watcher.Add(path); err != nil {
					return errors.Wrapf(err, "failed adding watch to %v", path)
				}
			}
			return nil
		},
		ErrorCallback: func(pathname string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}

// onCreate re-watches any newly created directory so its own children are
// observed too, and re-adds a watch on any created file. Some fsnotify
// backends auto-watch new directory contents and some don't; adding a watch
// twice is harmless.
func (w *Watcher) onCreate(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		w.errors <- errors.Wrapf(err, "error checking lstat of new path %v", path)
		return
	}
	if info.IsDir() {
		if err := w.watchRecursively(path); err != nil {
			w.errors <- errors.Wrapf(err, "failed recursive watch of %v", path)
		}
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.errors <- errors.Wrapf(err, "failed adding watch to %v", path)
	}
}

func (w *Watcher) watch() {
	defer close(w.events)
	defer close(w.errors)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.excluded(ev.Name) {
				continue
			}
			kind := kindOf(ev.Op)
			if kind == Create {
				w.onCreate(ev.Name)
			}
			w.events <- Event{Path: ev.Name, Kind: kind}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.errors <- err
		}
	}
}

// Close stops watching and releases the underlying OS resources. Safe to
// call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
