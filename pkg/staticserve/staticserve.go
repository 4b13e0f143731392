// Package staticserve serves the built web UI. Unknown paths without a
// file extension fall back to index.html so client-side routes work.
package staticserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// Server serves one directory.
type Server struct {
	dir    string
	fs     http.FileSystem
	router *gin.Engine
	logger *slog.Logger
}

// New creates a server for dir. The directory must exist.
func New(dir string, logger *slog.Logger) (*Server, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("web dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("web dir %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		dir:    dir,
		fs:     http.Dir(dir),
		router: router,
		logger: logger.With("component", "staticserve"),
	}

	router.Use(gin.Recovery(), s.accessLog)
	router.GET("/healthz", s.handleHealth)
	router.NoRoute(s.handleFile)
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dir": s.dir})
}

// handleFile serves a file, a directory index, or the SPA entry point.
func (s *Server) handleFile(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.AbortWithStatus(http.StatusMethodNotAllowed)
		return
	}

	name := path.Clean("/" + c.Request.URL.Path)
	isDir, ok := s.stat(name)
	switch {
	case ok && !isDir:
		c.FileFromFS(name, s.fs)
	case ok && isDir && s.isFile(path.Join(name, "index.html")):
		// A trailing slash keeps the file server from redirecting.
		c.FileFromFS(strings.TrimSuffix(name, "/")+"/", s.fs)
	case path.Ext(name) == "" && s.isFile("/index.html"):
		c.FileFromFS("/", s.fs)
	default:
		c.AbortWithStatus(http.StatusNotFound)
	}
}

func (s *Server) stat(name string) (isDir bool, ok bool) {
	f, err := s.fs.Open(name)
	if err != nil {
		return false, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, false
	}
	return info.IsDir(), true
}

func (s *Server) isFile(name string) bool {
	isDir, ok := s.stat(name)
	return ok && !isDir
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("serving static files", "dir", s.dir, "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("static server stopped")
	return nil
}
