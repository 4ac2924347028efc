package project

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestLocateFindsRepoRoot(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	run(t, root, "init")

	nested := filepath.Join(root, "a", "b")
	assert.NilError(t, os.MkdirAll(nested, 0o755))

	got, err := Locate(nested)
	assert.NilError(t, err)

	wantReal, err := filepath.EvalSymlinks(root)
	assert.NilError(t, err)
	gotReal, err := filepath.EvalSymlinks(got)
	assert.NilError(t, err)
	assert.Equal(t, wantReal, gotReal)
}

func TestLocateRejectsNonRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	_, err := Locate(dir)
	assert.Equal(t, errors.Is(err, ErrNotARepository), true)
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	assert.NilError(t, err, string(out))
}
