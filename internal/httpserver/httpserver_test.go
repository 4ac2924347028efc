package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, root string) *Server {
	t.Helper()
	s, err := Bind(root, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func get(t *testing.T, s *Server, path string) *http.Response {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), path)
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServesMatchingFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.html"), []byte("<title>some page</title>"), 0o644))

	s := startServer(t, root)
	resp := get(t, s, "/foo.html")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "some page")
}

func TestServesIndexAtRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<title>home</title>"), 0o644))

	s := startServer(t, root)
	resp := get(t, s, "/")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCustomNotFoundPage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "404.html"), []byte("<title>Ain't found</title>"), 0o644))

	s := startServer(t, root)
	resp := get(t, s, "/nope.html")
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Ain't found")
}

func TestImplicitHTMLExtension(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.html"), []byte("<title>I can haz pretty path</title>"), 0o644))

	s := startServer(t, root)
	resp := get(t, s, "/foo")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "I can haz pretty path")
}

func TestSymlinkRejected(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real.html")
	require.NoError(t, os.WriteFile(real, []byte("<title>real</title>"), 0o644))
	require.NoError(t, os.Symlink(real, filepath.Join(root, "symlink.html")))

	s := startServer(t, root)
	resp := get(t, s, "/symlink.html")
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDotPrefixedFileNotServed(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("secret"), 0o644))

	s := startServer(t, root)
	resp := get(t, s, "/.hidden")
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
