package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/bootd/internal/log"
	"github.com/CZERTAINLY/bootd/internal/model"
	"github.com/CZERTAINLY/bootd/internal/service"

	"github.com/stretchr/testify/require"
)

// recorder keeps the order of Start and Stop calls across services.
type recorder struct {
	mx     sync.Mutex
	starts []string
	stops  []string
}

func (r *recorder) start(name string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.starts = append(r.starts, name)
}

func (r *recorder) stop(name string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.stops = append(r.stops, name)
}

func (r *recorder) Starts() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.starts...)
}

func (r *recorder) Stops() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.stops...)
}

type fake struct {
	name  string
	rec   *recorder
	err   error
	wait  <-chan struct{}
	block bool
	host  service.Host
}

func (f *fake) Start(ctx context.Context) error {
	f.rec.start(f.name)
	if f.wait != nil {
		<-f.wait
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fake) Stop(_ context.Context) error {
	f.rec.stop(f.name)
	return nil
}

type behavior struct {
	err   error
	wait  <-chan struct{}
	block bool
}

func factory(name string, rec *recorder, b behavior, instances *sync.Map) service.Factory {
	return func(h service.Host) service.Service {
		f := &fake{name: name, rec: rec, err: b.err, wait: b.wait, block: b.block, host: h}
		if instances != nil {
			instances.Store(name, f)
		}
		return f
	}
}

func testConfig() model.Config {
	return model.Config{
		DataDirectory: "/data",
		Port:          80,
		LogLevel:      model.LogLevelVerbose,
	}
}

func newRegistry(t *testing.T, rec *recorder, behaviors map[string]behavior, instances *sync.Map) *service.Registry {
	t.Helper()
	reg, err := service.NewRegistry(
		service.Primary("Store", factory("Store", rec, behaviors["Store"], instances)),
		service.Ordinary("Network", factory("Network", rec, behaviors["Network"], instances)),
		service.Ordinary("Apps", factory("Apps", rec, behaviors["Apps"], instances)),
		service.Terminal("Server", factory("Server", rec, behaviors["Server"], instances)),
	)
	require.NoError(t, err)
	return reg
}

func newSupervisor(t *testing.T, cfg model.Config, reg *service.Registry, opts ...service.Option) (*service.Supervisor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.NewWriterLogger(&buf, "bootd", cfg.LogLevel)
	opts = append([]service.Option{service.WithLogger(logger), service.WithVersion("v1.2.3")}, opts...)
	s, err := service.New(cfg, reg, opts...)
	require.NoError(t, err)
	return s, &buf
}

func TestSupervisor(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var instances sync.Map
	reg := newRegistry(t, rec, nil, &instances)
	supervisor, _ := newSupervisor(t, testConfig(), reg)
	require.Equal(t, service.StateUnstarted, supervisor.State())

	err := supervisor.Start(t.Context())
	require.NoError(t, err)
	require.Equal(t, service.StateRunning, supervisor.State())

	starts := rec.Starts()
	require.Len(t, starts, 4)
	require.Equal(t, "Store", starts[0])
	require.ElementsMatch(t, []string{"Network", "Apps"}, starts[1:3])
	require.Equal(t, "Server", starts[3])

	require.Equal(t, []string{"apps", "network", "server", "store"}, supervisor.Names())
	for _, name := range []string{"Store", "Network", "Apps", "Server"} {
		want, ok := instances.Load(name)
		require.True(t, ok)
		got, ok := supervisor.Lookup(name)
		require.True(t, ok)
		require.Same(t, want, got)

		lower, ok := supervisor.Lookup(strings.ToLower(name))
		require.True(t, ok)
		require.Same(t, want, lower)
	}

	_, ok := supervisor.Lookup("bluetooth")
	require.False(t, ok)

	t.Run("already started", func(t *testing.T) {
		err := supervisor.Start(t.Context())
		require.ErrorIs(t, err, service.ErrAlreadyStarted)
		require.Len(t, rec.Starts(), 4)
	})

	t.Run("stop", func(t *testing.T) {
		require.NoError(t, supervisor.Stop(t.Context()))
		stops := rec.Stops()
		require.Len(t, stops, 4)
		require.Equal(t, "Server", stops[0])
		require.ElementsMatch(t, []string{"Network", "Apps"}, stops[1:3])
		require.Equal(t, "Store", stops[3])
	})
}

func TestSupervisor_OrdinaryStartAfterPrimary(t *testing.T) {
	t.Parallel()

	// Store does not return until released. No other service may be started
	// in the meantime.
	release := make(chan struct{})
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Store": {wait: release}}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Start(t.Context())
	}()

	require.Eventually(t, func() bool {
		return supervisor.State() == service.StateStartingPrimary && len(rec.Starts()) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"Store"}, rec.Starts())

	close(release)
	require.NoError(t, <-done)
	require.Len(t, rec.Starts(), 4)
}

func TestSupervisor_TerminalWaitsForOrdinary(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Apps": {wait: release}}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Start(t.Context())
	}()

	require.Eventually(t, func() bool {
		return len(rec.Starts()) == 3
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NotContains(t, rec.Starts(), "Server")
	require.Equal(t, service.StateStartingOrdinary, supervisor.State())
	_, ok := supervisor.Lookup("network")
	require.True(t, ok)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, "Server", rec.Starts()[3])
}

func TestSupervisor_OrdinaryFails(t *testing.T) {
	t.Parallel()

	cause := errors.New("cause X")
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Apps": {err: cause}}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	err := supervisor.Start(t.Context())
	require.Error(t, err)
	require.ErrorIs(t, err, cause)
	var startErr *service.StartError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, "Apps", startErr.Service)
	require.Equal(t, service.StateFailed, supervisor.State())

	require.NotContains(t, rec.Starts(), "Server")
	_, ok := supervisor.Lookup("apps")
	require.False(t, ok)
	_, ok = supervisor.Lookup("store")
	require.True(t, ok)
	_, ok = supervisor.Lookup("server")
	require.False(t, ok)
	// Network either finished before Apps failed, or observed the canceled
	// phase context; it returned nil in both cases.
	_, ok = supervisor.Lookup("network")
	require.True(t, ok)
}

func TestSupervisor_FailFastCancelsSiblings(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{
		"Network": {block: true},
		"Apps":    {err: cause},
	}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	err := supervisor.Start(t.Context())
	require.ErrorIs(t, err, cause)
	require.NotContains(t, rec.Starts(), "Server")
	_, ok := supervisor.Lookup("network")
	require.False(t, ok)
}

func TestSupervisor_PrimaryFails(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Store": {err: cause}}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	err := supervisor.Start(t.Context())
	require.ErrorIs(t, err, cause)
	require.Equal(t, []string{"Store"}, rec.Starts())
	require.Empty(t, supervisor.Names())
	require.Equal(t, service.StateFailed, supervisor.State())
}

func TestSupervisor_TerminalFails(t *testing.T) {
	t.Parallel()

	cause := errors.New("address in use")
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Server": {err: cause}}, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)

	err := supervisor.Start(t.Context())
	require.ErrorIs(t, err, cause)
	require.Equal(t, []string{"apps", "network", "store"}, supervisor.Names())
}

func TestSupervisor_PhaseTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PhaseTimeout = "50ms"
	rec := &recorder{}
	reg := newRegistry(t, rec, map[string]behavior{"Store": {block: true}}, nil)
	supervisor, _ := newSupervisor(t, cfg, reg)

	err := supervisor.Start(t.Context())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"Store"}, rec.Starts())
}

func TestSupervisor_BootOutput(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	reg := newRegistry(t, rec, nil, nil)
	supervisor, buf := newSupervisor(t, testConfig(), reg)
	require.NoError(t, supervisor.Start(t.Context()))

	out := buf.String()
	require.Contains(t, out, "Starting bootd v1.2.3")
	require.Contains(t, out, "dataDirectory: /data\n")
	require.Contains(t, out, "port:          80\n")
	require.Contains(t, out, "logLevel:      verbose\n")
	for _, name := range []string{"Store", "Network", "Apps", "Server"} {
		require.Contains(t, out, "Loading service: "+name+"\n")
		rx := regexp.MustCompile(fmt.Sprintf(`Loaded service %s in \d+(ms|s)\n`, name))
		require.Regexp(t, rx, out)
	}
}

func TestSupervisor_NormalLevelHidesServiceLines(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LogLevel = model.LogLevelNormal
	rec := &recorder{}
	supervisor, buf := newSupervisor(t, cfg, newRegistry(t, rec, nil, nil))
	require.NoError(t, supervisor.Start(t.Context()))

	out := buf.String()
	require.Contains(t, out, "logLevel:      normal")
	require.NotContains(t, out, "Loading service")
}

func TestSupervisor_QuietPrintsNothing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LogLevel = model.LogLevelQuiet
	rec := &recorder{}
	supervisor, buf := newSupervisor(t, cfg, newRegistry(t, rec, nil, nil))
	require.NoError(t, supervisor.Start(t.Context()))
	require.Equal(t, service.StateRunning, supervisor.State())
	require.Empty(t, buf.String())
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, &recorder{}, nil, nil)
	cfg := testConfig()
	cfg.DataDirectory = ""
	_, err := service.New(cfg, reg)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "data_directory", cfgErr.Field)

	_, err = service.New(testConfig(), nil)
	var regErr *service.RegistryError
	require.ErrorAs(t, err, &regErr)
}

type pinger interface {
	Ping() string
}

type pingService struct{}

func (pingService) Start(context.Context) error { return nil }
func (pingService) Ping() string                { return "pong" }

func TestGet(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var pong string
	reg, err := service.NewRegistry(
		service.Primary("Store", func(service.Host) service.Service { return pingService{} }),
		service.Ordinary("Network", factory("Network", rec, behavior{}, nil)),
		service.Terminal("Server", func(h service.Host) service.Service {
			p, err := service.Get[pinger](h, "STORE")
			require.NoError(t, err)
			pong = p.Ping()
			return pingService{}
		}),
	)
	require.NoError(t, err)
	supervisor, _ := newSupervisor(t, testConfig(), reg)
	require.NoError(t, supervisor.Start(t.Context()))
	require.Equal(t, "pong", pong)

	_, err = service.Get[pinger](supervisor, "network")
	require.ErrorIs(t, err, service.ErrWrongType)

	_, err = service.Get[pinger](supervisor, "missing")
	require.ErrorIs(t, err, service.ErrNotFound)
	var regErr *service.RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "missing", regErr.Name)
}

func TestLoadService_NilService(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, &recorder{}, nil, nil)
	supervisor, _ := newSupervisor(t, testConfig(), reg)
	_, err := supervisor.LoadService(t.Context(), service.Ordinary("Ghost", func(service.Host) service.Service { return nil }))
	require.ErrorIs(t, err, service.ErrNilService)
	require.False(t, slices.Contains(supervisor.Names(), "ghost"))
}
