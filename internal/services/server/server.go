// Package server is the terminal service: a small JSON API over the running
// services plus Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/CZERTAINLY/bootd/internal/metrics"
	"github.com/CZERTAINLY/bootd/internal/service"
	"github.com/CZERTAINLY/bootd/internal/services/apps"
	"github.com/CZERTAINLY/bootd/internal/services/jobs"
	"github.com/CZERTAINLY/bootd/internal/services/store"
	"github.com/CZERTAINLY/bootd/internal/services/system"
)

const (
	Name = "Server"

	defaultBootsLimit = 20
	readHeaderTimeout = 10 * time.Second
)

type Server struct {
	host    service.Host
	addr    string
	metrics *metrics.Metrics
	router  *mux.Router

	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

// Definition registers the Server as the terminal service. m may be nil.
func Definition(m *metrics.Metrics) service.Definition {
	return service.Terminal(Name, func(h service.Host) service.Service {
		return NewServer(h, fmt.Sprintf(":%d", h.Config().Port), m)
	})
}

func NewServer(h service.Host, addr string, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		host:    h,
		addr:    addr,
		metrics: m,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("/healthz", s.healthz)
	s.handle("/api/services", s.services)
	s.handle("/api/apps", s.listApps)
	s.handle("/api/apps/{id}", s.getApp)
	s.handle("/api/system", s.system)
	s.handle("/api/boots", s.boots)
	s.handle("/api/jobs", s.jobs)
	s.router.Handle("/metrics", s.metrics.Instrument("/metrics", s.metrics.Handler())).Methods(http.MethodGet)
	s.router.NotFoundHandler = s.metrics.Instrument("not_found", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}))
}

func (s *Server) handle(route string, fn http.HandlerFunc) {
	s.router.Handle(route, s.metrics.Instrument(route, fn)).Methods(http.MethodGet)
}

// Handler returns the router, the listener is not needed.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener, so a busy port fails the boot, and serves
// in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	s.wg.Go(func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server failed", "error", err)
		}
	})
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	s.srv = nil
	return err
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) services(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"services": s.host.Names()})
}

func (s *Server) listApps(w http.ResponseWriter, _ *http.Request) {
	a, ok := lookup[*apps.Apps](w, s.host, apps.Name)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.List())
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	a, ok := lookup[*apps.Apps](w, s.host, apps.Name)
	if !ok {
		return
	}
	m, err := a.Get(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, apps.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) system(w http.ResponseWriter, r *http.Request) {
	sys, ok := lookup[*system.System](w, s.host, system.Name)
	if !ok {
		return
	}
	snap, err := sys.Refresh(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "system refresh failed: returning last snapshot", "error", err)
		snap = sys.Last()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) boots(w http.ResponseWriter, r *http.Request) {
	st, ok := lookup[*store.Store](w, s.host, store.Name)
	if !ok {
		return
	}
	limit := defaultBootsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	list, err := st.Boots(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type jobsResponse struct {
	Runs    int        `json:"runs"`
	Last    *jobs.Run  `json:"last,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) jobs(w http.ResponseWriter, _ *http.Request) {
	j, ok := lookup[*jobs.Jobs](w, s.host, jobs.Name)
	if !ok {
		return
	}
	runs, last := j.Last()
	resp := jobsResponse{Runs: runs}
	if runs > 0 {
		resp.Last = &last
	}
	if next := j.NextRun(); !next.IsZero() {
		resp.NextRun = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup writes 503 when the service is not running.
func lookup[T any](w http.ResponseWriter, h service.Host, name string) (T, bool) {
	t, err := service.Get[T](h, name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return t, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
