// Package jobs runs periodic maintenance of the Store on a gocron scheduler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/bootd/internal/model"
	"github.com/CZERTAINLY/bootd/internal/service"
	"github.com/CZERTAINLY/bootd/internal/services/store"
)

const (
	Name         = "Jobs"
	HeartbeatKey = "jobs.heartbeat"
)

// Maintainer is the part of the Store the maintenance job needs.
type Maintainer interface {
	Vacuum(ctx context.Context) error
	Set(ctx context.Context, key, value string) error
}

// Run is the outcome of the last maintenance run.
type Run struct {
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
}

type Jobs struct {
	host  service.Host
	cfg   model.Jobs
	store Maintainer
	now   func() time.Time

	scheduler gocron.Scheduler

	mx   sync.Mutex
	runs int
	last Run
}

func Definition() service.Definition {
	return service.Ordinary(Name, New)
}

func New(h service.Host) service.Service {
	j := NewJobs(h.Config().Services.Jobs, nil)
	j.host = h
	return j
}

// NewJobs returns a Jobs service. If m is nil, the Store service is looked
// up on Start.
func NewJobs(cfg model.Jobs, m Maintainer) *Jobs {
	return &Jobs{
		cfg:   cfg,
		store: m,
		now:   time.Now,
	}
}

func (j *Jobs) Start(ctx context.Context) error {
	if j.store == nil {
		st, err := service.Get[*store.Store](j.host, store.Name)
		if err != nil {
			return err
		}
		j.store = st
	}

	def, err := jobDefinition(ctx, j.cfg)
	if err != nil {
		return err
	}
	if def == nil {
		slog.DebugContext(ctx, "maintenance is disabled: both cron and every are empty")
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	// the job outlives the boot phase context
	runCtx := context.WithoutCancel(ctx)
	_, err = s.NewJob(
		def,
		gocron.NewTask(func() { j.Maintain(runCtx) }),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	j.scheduler = s
	return nil
}

func (j *Jobs) Stop(ctx context.Context) error {
	if j.scheduler == nil {
		return nil
	}
	err := j.scheduler.Shutdown()
	j.scheduler = nil
	slog.DebugContext(ctx, "scheduler stopped", "error", err)
	return err
}

// Maintain vacuums the database and stores a heartbeat with the time of
// the run.
func (j *Jobs) Maintain(ctx context.Context) {
	start := j.now()
	err := j.store.Vacuum(ctx)
	if err == nil {
		err = j.store.Set(ctx, HeartbeatKey, start.UTC().Format(time.RFC3339))
	}

	run := Run{StartedAt: start, Elapsed: j.now().Sub(start)}
	if err != nil {
		run.Error = err.Error()
		slog.ErrorContext(ctx, "maintenance failed", "error", err)
	} else {
		slog.DebugContext(ctx, "maintenance finished", "elapsed", run.Elapsed)
	}

	j.mx.Lock()
	j.runs++
	j.last = run
	j.mx.Unlock()
}

// Last returns the number of finished runs and the last one.
func (j *Jobs) Last() (int, Run) {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.runs, j.last
}

// NextRun returns the time of the next scheduled maintenance. The zero time
// is returned when nothing is scheduled.
func (j *Jobs) NextRun() time.Time {
	if j.scheduler == nil {
		return time.Time{}
	}
	for _, job := range j.scheduler.Jobs() {
		next, err := job.NextRun()
		if err == nil {
			return next
		}
	}
	return time.Time{}
}

var errNoSchedule = errors.New("no schedule")

func jobDefinition(ctx context.Context, cfg model.Jobs) (gocron.JobDefinition, error) {
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing services.jobs.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Every != "":
		d, err := model.ParseISODuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing services.jobs.every: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("parsing services.jobs.every: %w", errNoSchedule)
		}
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, nil
	}
}
