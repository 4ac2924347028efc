// Package project resolves the repository root that encloses a starting
// directory, the way cli/internal/hashing/package_deps_hash.go shells out to
// git rather than walking the filesystem by hand.
package project

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotARepository is returned when the origin directory is not inside a
// git repository.
var ErrNotARepository = errors.New("not inside a git repository")

// ErrToolUnavailable is returned when git itself cannot be executed.
var ErrToolUnavailable = errors.New("git executable not found")

// Locate resolves the absolute repository root enclosing origin.
func Locate(origin string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = origin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrToolUnavailable
		}
		if _, ok := err.(*exec.ExitError); ok {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			return "", errors.Wrap(ErrNotARepository, detail)
		}
		return "", errors.Wrap(ErrToolUnavailable, err.Error())
	}

	root := strings.TrimRight(string(out), " \t\r\n")
	if root == "" {
		return "", ErrNotARepository
	}
	return root, nil
}
