// Package servedir creates the scratch directory the build command writes
// into and the HTTP server reads from, the way
// cli/internal/config/config_test.go and cli/internal/run/hash_test.go lean
// on os.MkdirTemp for disposable roots, named uniquely the way
// cli/internal/analytics/analytics.go names a session with uuid.New.
package servedir

import (
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Dir is a created serve directory. Its basename never begins with a dot:
// the static-file server treats dot-prefixed paths as hidden.
type Dir struct {
	path string
}

// Create makes a new uniquely named directory under the OS temp root.
func Create() (*Dir, error) {
	path, err := os.MkdirTemp("", "sitedev-serve-"+uuid.NewString()+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating serve directory")
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute path to the serve directory.
func (d *Dir) Path() string {
	return d.path
}

// Remove deletes the serve directory and everything in it. Safe to call more
// than once.
func (d *Dir) Remove() error {
	if d.path == "" {
		return nil
	}
	if err := os.RemoveAll(d.path); err != nil {
		return errors.Wrap(err, "removing serve directory")
	}
	return nil
}
