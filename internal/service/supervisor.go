package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/bootd/internal/log"
	"github.com/CZERTAINLY/bootd/internal/model"
)

// Host is the view of the Supervisor handed to service factories.
type Host interface {
	Config() model.Config
	Logger() *log.Logger
	Lookup(name string) (Service, bool)
	Names() []string
}

// LoadObserver gets notified about every finished service start.
type LoadObserver interface {
	ObserveLoad(service string, elapsed time.Duration, err error)
}

type State int

const (
	StateUnstarted State = iota
	StateStartingPrimary
	StateStartingOrdinary
	StateStartingTerminal
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStartingPrimary:
		return "starting_primary"
	case StateStartingOrdinary:
		return "starting_ordinary"
	case StateStartingTerminal:
		return "starting_terminal"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type entry struct {
	def Definition
	svc Service
}

type Supervisor struct {
	cfg      model.Config
	registry *Registry
	logger   *log.Logger
	version  string
	timeout  time.Duration
	observer LoadObserver

	stateMx sync.Mutex
	state   State

	mx        sync.RWMutex
	instances map[string]entry
}

type Option func(*Supervisor)

// WithLogger replaces the default stdout logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithVersion(v string) Option {
	return func(s *Supervisor) {
		s.version = v
	}
}

func WithObserver(o LoadObserver) Option {
	return func(s *Supervisor) {
		s.observer = o
	}
}

// New validates cfg and returns an unstarted Supervisor. A config error is
// returned as *model.ConfigError.
func New(cfg model.Config, registry *Registry, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, &RegistryError{Err: fmt.Errorf("%w: registry is nil", ErrInvalidDefinition)}
	}
	timeout, err := cfg.PhaseTimeoutDuration()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		registry:  registry,
		logger:    log.NewLogger("bootd", cfg.LogLevel),
		version:   "dev",
		timeout:   timeout,
		instances: make(map[string]entry, len(registry.defs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) Config() model.Config {
	return s.cfg
}

func (s *Supervisor) Logger() *log.Logger {
	return s.logger
}

func (s *Supervisor) State() State {
	s.stateMx.Lock()
	defer s.stateMx.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.stateMx.Lock()
	s.state = state
	s.stateMx.Unlock()
}

// Start boots the registry: primary, then all ordinary services
// concurrently, then terminal. The first error stops the boot and is
// returned as *StartError. Start can be called only once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.stateMx.Lock()
	if s.state != StateUnstarted {
		s.stateMx.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStartingPrimary
	s.stateMx.Unlock()

	s.banner()

	phases := []struct {
		state State
		run   func(context.Context) error
	}{
		{StateStartingPrimary, s.startPrimary},
		{StateStartingOrdinary, s.startOrdinary},
		{StateStartingTerminal, s.startTerminal},
	}
	for _, p := range phases {
		s.setState(p.state)
		slog.DebugContext(ctx, "entering boot phase", "state", p.state.String())
		if err := s.runPhase(ctx, p.run); err != nil {
			s.setState(StateFailed)
			slog.ErrorContext(ctx, "boot failed", "state", p.state.String(), "error", err)
			return err
		}
	}

	s.setState(StateRunning)
	slog.DebugContext(ctx, "boot finished", "services", s.Names())
	return nil
}

func (s *Supervisor) banner() {
	s.logger.Logf("Starting bootd %s", s.version)
	s.logger.Log("")
	s.logger.Logf("dataDirectory: %s", s.cfg.DataDirectory)
	s.logger.Logf("port:          %d", s.cfg.Port)
	s.logger.Logf("logLevel:      %s", s.cfg.LogLevel)
	s.logger.Log("")
}

func (s *Supervisor) runPhase(ctx context.Context, run func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return run(ctx)
}

func (s *Supervisor) startPrimary(ctx context.Context) error {
	_, err := s.LoadService(ctx, s.registry.Primary())
	return err
}

// startOrdinary cancels the context of the remaining siblings on the first
// failure, but joins all of them, so the ones which did start are registered.
func (s *Supervisor) startOrdinary(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, def := range s.registry.Ordinary() {
		g.Go(func() error {
			_, err := s.LoadService(gctx, def)
			return err
		})
	}
	return g.Wait()
}

func (s *Supervisor) startTerminal(ctx context.Context) error {
	_, err := s.LoadService(ctx, s.registry.Terminal())
	return err
}

// LoadService builds and starts a single service and registers it under its
// lowercased name. Start failures are returned as *StartError and leave
// nothing registered.
func (s *Supervisor) LoadService(ctx context.Context, def Definition) (Service, error) {
	if def.Factory == nil {
		return nil, &RegistryError{Name: def.Name, Err: fmt.Errorf("%w: nil factory", ErrInvalidDefinition)}
	}

	ctx = log.ContextAttrs(ctx, slog.String("service", def.Name))
	start := time.Now()
	s.logger.Verbosef("Loading service: %s", def.Name)

	svc := def.Factory(s)
	var err error
	if svc == nil {
		err = ErrNilService
	} else {
		err = svc.Start(ctx)
	}
	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveLoad(def.Name, elapsed, err)
	}
	if err != nil {
		slog.DebugContext(ctx, "service start failed", "role", def.Role.String(), "error", err)
		return nil, &StartError{Service: def.Name, Err: err}
	}

	s.logger.Verbosef("Loaded service %s in %s", def.Name, HumanDuration(elapsed))
	slog.DebugContext(ctx, "service started", "role", def.Role.String(), "elapsed", elapsed)

	s.mx.Lock()
	s.instances[def.Key()] = entry{def: def, svc: svc}
	s.mx.Unlock()
	return svc, nil
}

// Lookup returns a running service by case insensitive name.
func (s *Supervisor) Lookup(name string) (Service, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	e, ok := s.instances[strings.ToLower(name)]
	return e.svc, ok
}

// Names returns sorted keys of the running services.
func (s *Supervisor) Names() []string {
	s.mx.RLock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mx.RUnlock()
	slices.Sort(names)
	return names
}

// Stop stops the running services implementing Stopper in reverse boot
// order: terminal, ordinary services concurrently, primary. All services are
// asked to stop, errors are joined.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mx.RLock()
	byRole := make(map[Role][]entry, 3)
	for _, e := range s.instances {
		byRole[e.def.Role] = append(byRole[e.def.Role], e)
	}
	s.mx.RUnlock()

	var (
		errsMx sync.Mutex
		errs   []error
	)
	stop := func(e entry) {
		stopper, ok := e.svc.(Stopper)
		if !ok {
			return
		}
		slog.DebugContext(ctx, "stopping service", "service", e.def.Name)
		if err := stopper.Stop(ctx); err != nil {
			errsMx.Lock()
			errs = append(errs, fmt.Errorf("stopping service %s: %w", e.def.Name, err))
			errsMx.Unlock()
		}
	}

	for _, e := range byRole[RoleTerminal] {
		stop(e)
	}
	var wg sync.WaitGroup
	for _, e := range byRole[RoleOrdinary] {
		wg.Go(func() { stop(e) })
	}
	wg.Wait()
	for _, e := range byRole[RolePrimary] {
		stop(e)
	}
	return errors.Join(errs...)
}

// Get returns the running service registered under name as T.
func Get[T any](h Host, name string) (T, error) {
	var zero T
	svc, ok := h.Lookup(name)
	if !ok {
		return zero, &RegistryError{Name: name, Err: ErrNotFound}
	}
	t, ok := svc.(T)
	if !ok {
		return zero, &RegistryError{Name: name, Err: fmt.Errorf("%w: %T", ErrWrongType, svc)}
	}
	return t, nil
}
