// Package apps keeps track of installed apps described by YAML manifests in
// the apps directory, and mirrors the installed versions into the store.
package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/CZERTAINLY/bootd/internal/log"
	"github.com/CZERTAINLY/bootd/internal/parallel"
	"github.com/CZERTAINLY/bootd/internal/service"
	"github.com/CZERTAINLY/bootd/internal/services/store"
	"github.com/CZERTAINLY/bootd/internal/walk"
)

const (
	Name = "Apps"

	// settingsPrefix + app id => installed version
	settingsPrefix = "apps.installed."
	readers        = 4
)

var ErrNotFound = errors.New("app not found")

// Settings is the part of the store used by Apps.
type Settings interface {
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type Apps struct {
	host     service.Host
	dir      string
	watch    bool
	settings Settings

	mx   sync.RWMutex
	apps map[string]Manifest

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func Definition() service.Definition {
	return service.Ordinary(Name, New)
}

func New(h service.Host) service.Service {
	cfg := h.Config()
	a := NewApps(cfg.AppsDir(), cfg.Services.Apps.Watch, nil)
	a.host = h
	return a
}

// NewApps returns an Apps service. If settings is nil, the Store service is
// looked up on Start.
func NewApps(dir string, watch bool, settings Settings) *Apps {
	return &Apps{
		dir:      dir,
		watch:    watch,
		settings: settings,
		apps:     make(map[string]Manifest),
	}
}

func (a *Apps) Start(ctx context.Context) error {
	if a.settings == nil {
		st, err := service.Get[*store.Store](a.host, store.Name)
		if err != nil {
			return err
		}
		a.settings = st
	}

	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return fmt.Errorf("creating apps directory %s: %w", a.dir, err)
	}
	if err := a.Reload(ctx); err != nil {
		return err
	}

	if a.watch {
		return a.startWatcher(ctx)
	}
	return nil
}

func (a *Apps) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	err := a.watcher.Close()
	a.wg.Wait()
	a.cancel = nil
	slog.DebugContext(ctx, "apps watcher stopped", "dir", a.dir)
	return err
}

// List returns the installed apps ordered by id.
func (a *Apps) List() []Manifest {
	a.mx.RLock()
	ret := make([]Manifest, 0, len(a.apps))
	for _, m := range a.apps {
		ret = append(ret, m)
	}
	a.mx.RUnlock()
	slices.SortFunc(ret, func(x, y Manifest) int { return strings.Compare(x.ID, y.ID) })
	return ret
}

func (a *Apps) Get(id string) (Manifest, error) {
	a.mx.RLock()
	defer a.mx.RUnlock()
	m, ok := a.apps[id]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Reload reads all manifests and replaces the in-memory list. Invalid
// manifests are logged and skipped; for duplicate ids the first file in
// lexical order wins.
func (a *Apps) Reload(ctx context.Context) error {
	root, err := os.OpenRoot(a.dir)
	if err != nil {
		return fmt.Errorf("opening apps directory: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	read := func(_ context.Context, entry walk.Entry) (Manifest, error) {
		f, err := entry.Open()
		if err != nil {
			return Manifest{}, err
		}
		defer func() {
			_ = f.Close()
		}()
		return DecodeManifest(f, entry.Path())
	}
	var manifests []Manifest
	for m, err := range parallel.NewMap(readers, read).Iter(ctx, walk.Root(ctx, root, isManifest)) {
		if err != nil {
			slog.WarnContext(ctx, "skipping app manifest", "error", err)
			continue
		}
		manifests = append(manifests, m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slices.SortFunc(manifests, func(x, y Manifest) int { return strings.Compare(x.Path, y.Path) })

	apps := make(map[string]Manifest, len(manifests))
	for _, m := range manifests {
		if prev, ok := apps[m.ID]; ok {
			slog.WarnContext(ctx, "duplicate app id: ignoring", "id", m.ID, "path", m.Path, "first", prev.Path)
			continue
		}
		apps[m.ID] = m
	}

	if err := a.persist(ctx, apps); err != nil {
		return err
	}

	a.mx.Lock()
	a.apps = apps
	a.mx.Unlock()
	slog.DebugContext(ctx, "apps loaded", "count", len(apps))
	return nil
}

func (a *Apps) persist(ctx context.Context, apps map[string]Manifest) error {
	keys, err := a.settings.Keys(ctx, settingsPrefix)
	if err != nil {
		return fmt.Errorf("listing installed apps: %w", err)
	}
	for _, key := range keys {
		if _, ok := apps[strings.TrimPrefix(key, settingsPrefix)]; ok {
			continue
		}
		if err := a.settings.Delete(ctx, key); err != nil {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	for id, m := range apps {
		if err := a.settings.Set(ctx, settingsPrefix+id, m.Version); err != nil {
			return fmt.Errorf("storing app %s: %w", id, err)
		}
	}
	return nil
}

func (a *Apps) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating apps watcher: %w", err)
	}
	if err := watcher.Add(a.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", a.dir, err)
	}
	a.watcher = watcher

	// the start context ends with the boot phase
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx = log.ContextAttrs(wctx, slog.String("watcher", a.dir))
	a.cancel = cancel
	a.wg.Go(func() {
		a.watchLoop(wctx)
	})
	return nil
}

func (a *Apps) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if !isManifest(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.DebugContext(ctx, "apps directory changed", "file", ev.Name, "op", ev.Op.String())
			if err := a.Reload(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "reloading apps failed", "error", err)
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			slog.WarnContext(ctx, "apps watcher error", "error", err)
		}
	}
}
