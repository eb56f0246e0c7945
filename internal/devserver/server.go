// Package devserver serves build output during development and rebuilds on
// source changes.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Norgate-AV/wasmbundle/internal/logfields"
)

const routePrefix = "/_wasmbundle"

// Status is the JSON body of the status endpoint
type Status struct {
	State        string    `json:"state"`
	BuildID      string    `json:"build_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Builds       int       `json:"builds"`
	HasGoodBuild bool      `json:"has_good_build"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	Roots        []string  `json:"roots"`
	Clients      int       `json:"clients"`
}

// buildStatus tracks the outcome of the most recent build
type buildStatus struct {
	mu           sync.RWMutex
	building     bool
	lastError    error
	buildID      string
	builds       int
	hasGoodBuild bool
	finishedAt   time.Time
}

func (bs *buildStatus) start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.building = true
}

func (bs *buildStatus) finish(buildID string, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.building = false
	bs.builds++
	bs.finishedAt = time.Now().UTC()
	bs.lastError = err
	if err == nil {
		bs.buildID = buildID
		bs.hasGoodBuild = true
	}
}

func (bs *buildStatus) snapshot() Status {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	s := Status{
		BuildID:      bs.buildID,
		Builds:       bs.builds,
		HasGoodBuild: bs.hasGoodBuild,
		FinishedAt:   bs.finishedAt,
	}

	switch {
	case bs.building:
		s.State = "building"
	case bs.lastError != nil:
		s.State = "failed"
		s.Error = bs.lastError.Error()
	case bs.builds == 0:
		s.State = "idle"
	default:
		s.State = "ok"
	}

	return s
}

// Option configures a Server
type Option func(*Server)

// WithMetrics mounts h at /_wasmbundle/metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLookupCacheSize bounds the number of cached path lookups
func WithLookupCacheSize(n int) Option {
	return func(s *Server) { s.cacheSize = n }
}

// Server is a read-only static responder over a UnionFS
type Server struct {
	fs        *UnionFS
	reload    *ReloadHub
	status    *buildStatus
	metrics   http.Handler
	cacheSize int

	router chi.Router

	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	serveErr   error

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server over roots, earliest root first
func NewServer(roots []string, opts ...Option) (*Server, error) {
	s := &Server{
		reload: NewReloadHub(),
		status: &buildStatus{},
	}

	for _, opt := range opts {
		opt(s)
	}

	fs, err := NewUnionFS(roots, s.cacheSize)
	if err != nil {
		return nil, err
	}
	s.fs = fs

	s.router = s.routes()

	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(noCache)

	r.Route(routePrefix, func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/livereload", s.reload.HandleWebSocket)
		r.Get("/client.js", handleClientScript)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})

	r.Get("/*", s.handleFile)
	r.Head("/*", s.handleFile)

	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr = err
			slog.Error("Dev server stopped", logfields.Error(err))
		}
	}()

	slog.Info("Dev server listening", "url", "http://"+ln.Addr().String(), "roots", s.fs.Roots())

	return nil
}

// Addr is the address the server listens on
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Shutdown stops the server and disconnects live reload clients. Later
// calls return the first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.reload.Close()

		if s.httpServer == nil {
			return
		}

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = err
			return
		}

		<-s.done
		s.shutdownErr = s.serveErr
	})

	return s.shutdownErr
}

// BuildStarted marks a rebuild as in progress
func (s *Server) BuildStarted() {
	s.status.start()
}

// BuildFinished records a build outcome, drops cached lookups and tells
// connected browsers
func (s *Server) BuildFinished(buildID string, err error) {
	s.status.finish(buildID, err)
	s.fs.Purge()

	if err != nil {
		s.reload.NotifyError(err.Error())
		return
	}

	s.reload.NotifyReload(buildID)
}

// Status returns the current build status
func (s *Server) Status() Status {
	st := s.status.snapshot()
	st.Roots = s.fs.Roots()
	st.Clients = s.reload.ClientCount()

	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	full, ok := s.fs.Resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		// Gone since it was cached
		s.fs.Purge()
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	if ct := contentType(full); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func handleClientScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write([]byte(ClientScript))
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

// contentType covers types browsers are strict about; ServeContent sniffs
// the rest
func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".wasm":
		return "application/wasm"
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	default:
		return ""
	}
}

// Serve starts a server over roots on port and stops it when ctx ends
func Serve(ctx context.Context, roots []string, port int, opts ...Option) (*Server, error) {
	s, err := NewServer(roots, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.Start(fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Dev server shutdown error", logfields.Error(err))
		}
	}()

	return s, nil
}
