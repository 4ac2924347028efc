// Package changefilter decides which raw filewatcher events warrant a
// rebuild. It is grounded on
// cli/internal/context/context.go's safeCompileIgnoreFile/MatchesPath use of
// github.com/sabhiram/go-gitignore, reading the project's own ignore rules
// rather than reimplementing gitignore matching.
package changefilter

import (
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/pkg/errors"

	"github.com/molybdenumsoftware/sitedev/internal/filewatcher"
)

// Event is the filter's input vocabulary: either a raw path-tagged
// filesystem change, or the synthetic bootstrap marker that always passes.
type Event struct {
	Initial bool
	Path    string
	Kind    filewatcher.Kind
}

// Filter decides whether a Event warrants a rebuild.
type Filter struct {
	projectRoot string
	gitDir      string
	ignore      *gitignore.GitIgnore
}

// New compiles the repository's root .gitignore (if any) against
// projectRoot. A missing .gitignore is not an error: it just means nothing
// is excluded by rule 3.
func New(projectRoot string) (*Filter, error) {
	path := filepath.Join(projectRoot, ".gitignore")
	ignore, err := compileIgnoreFileIfExists(path)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %v", path)
	}
	return &Filter{
		projectRoot: projectRoot,
		gitDir:      filepath.Join(projectRoot, ".git"),
		ignore:      ignore,
	}, nil
}

func compileIgnoreFileIfExists(path string) (*gitignore.GitIgnore, error) {
	ignore, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		// CompileIgnoreFile fails when the file doesn't exist; treat that as
		// "nothing ignored" rather than an error, the way
		// safeCompileIgnoreFile does for a missing .gitignore.
		return gitignore.CompileIgnoreLines(), nil
	}
	return ignore, nil
}

// Accept reports whether ev should trigger a build.
func (f *Filter) Accept(ev Event) bool {
	if ev.Initial {
		return true
	}
	if f.insideGitDir(ev.Path) {
		return false
	}
	if f.matchesIgnoreRules(ev.Path) {
		return false
	}
	return f.acceptableKind(ev.Kind)
}

func (f *Filter) insideGitDir(path string) bool {
	if path == "" {
		return false
	}
	return path == f.gitDir || strings.HasPrefix(path, f.gitDir+string(filepath.Separator))
}

func (f *Filter) matchesIgnoreRules(path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(f.projectRoot, path)
	if err != nil {
		return false
	}
	return f.ignore.MatchesPath(rel)
}

func (f *Filter) acceptableKind(kind filewatcher.Kind) bool {
	switch kind {
	case filewatcher.Create, filewatcher.Modify, filewatcher.Remove:
		return true
	default:
		return false
	}
}
