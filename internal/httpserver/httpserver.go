// Package httpserver binds the ephemeral loopback listener and hands it to
// the static-file serving library the HTTP Server Adapter is specified
// against. gofiber/fiber/v3's static middleware is the closest real
// ecosystem match to that contract (root dir, index files, custom 404,
// hidden-file rejection); it does not reject symlinks on its own, so a
// small guard handler is layered in front of it.
package httpserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Server is a bound, started static-file server rooted at a serve
// directory. Its lifetime is the supervisor's steady state.
type Server struct {
	app      *fiber.App
	listener net.Listener
	logger   hclog.Logger
	done     chan error
}

// Bind opens the loopback listener and starts serving root. The listener is
// bound (and its port known) before Bind returns; serving happens in the
// background.
func Bind(root string, logger hclog.Logger) (*Server, error) {
	logger = logger.Named("httpserver")

	// Go's net package enables TCP_NODELAY on accepted TCP connections by
	// default, so no explicit opt-in is needed here.
	var listener net.Listener
	bind := func() error {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		listener = ln
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(bind, policy); err != nil {
		return nil, errors.Wrap(err, "binding http listener")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(rejectSymlinks(root, logger))
	app.Use(implicitHTML(root))
	app.Use("/", static.New(root, static.Config{
		IndexNames: []string{"index.html"},
	}))
	app.Use(notFoundHandler(root))

	server := &Server{
		app:      app,
		listener: listener,
		logger:   logger,
		done:     make(chan error, 1),
	}

	go func() {
		server.done <- app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	return server, nil
}

// Port returns the OS-chosen loopback port the server is bound to.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Done returns a channel that receives the server's terminal error (nil on
// a clean shutdown) once it stops serving.
func (s *Server) Done() <-chan error {
	return s.done
}

// Shutdown gracefully stops the server, waiting on ctx with no deadline of
// its own: a hung shutdown is the supervisor's problem to kill externally,
// not this adapter's to time out.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	return nil
}

// rejectSymlinks serves 403 for any request path that resolves through a
// symlink component under root, the way disable-symlinks is specified as a
// hard requirement the static middleware itself doesn't enforce.
func rejectSymlinks(root string, logger hclog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		requestPath := filepath.Clean(strings.TrimPrefix(c.Path(), "/"))
		if requestPath == "." {
			return c.Next()
		}

		current := root
		for _, segment := range strings.Split(requestPath, string(filepath.Separator)) {
			current = filepath.Join(current, segment)
			info, err := os.Lstat(current)
			if err != nil {
				// Let the static handler produce the 404; it's not this
				// guard's job to distinguish missing from denied.
				return c.Next()
			}
			if info.Mode()&os.ModeSymlink != 0 {
				logger.Warn("rejecting request through symlink", "path", c.Path())
				return c.SendStatus(fiber.StatusForbidden)
			}
		}
		return c.Next()
	}
}

// implicitHTML serves <path>.html when a request has no extension and no
// matching file exists under that exact name, so GET /foo resolves to
// foo.html the way a static-site author expects.
func implicitHTML(root string) fiber.Handler {
	return func(c fiber.Ctx) error {
		requestPath := strings.TrimPrefix(c.Path(), "/")
		if requestPath == "" || filepath.Ext(requestPath) != "" {
			return c.Next()
		}

		exact := filepath.Join(root, filepath.Clean(requestPath))
		if _, err := os.Stat(exact); err == nil {
			return c.Next()
		}

		withExt := exact + ".html"
		if info, err := os.Lstat(withExt); err == nil {
			if info.Mode()&os.ModeSymlink != 0 {
				return c.SendStatus(fiber.StatusForbidden)
			}
			return c.SendFile(withExt)
		}
		return c.Next()
	}
}

// notFoundHandler serves <root>/404.html for any request that reaches this
// point (meaning the static middleware found nothing to serve), falling
// back to fiber's default 404 body when no custom page exists.
func notFoundHandler(root string) fiber.Handler {
	custom := filepath.Join(root, "404.html")
	return func(c fiber.Ctx) error {
		if _, err := os.Stat(custom); err == nil {
			c.Status(fiber.StatusNotFound)
			return c.SendFile(custom)
		}
		return c.SendStatus(fiber.StatusNotFound)
	}
}
