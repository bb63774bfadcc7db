package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/bootd/internal/model"
	"github.com/CZERTAINLY/bootd/internal/services/jobs"
	"github.com/stretchr/testify/require"
)

type maintainer struct {
	mx        sync.Mutex
	vacuums   int
	heartbeat string
	err       error
}

func (m *maintainer) Vacuum(context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.vacuums++
	return m.err
}

func (m *maintainer) Set(_ context.Context, key, value string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if key == jobs.HeartbeatKey {
		m.heartbeat = value
	}
	return nil
}

func (m *maintainer) state() (int, string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.vacuums, m.heartbeat
}

func TestJobs_Every(t *testing.T) {
	t.Parallel()

	m := &maintainer{}
	j := jobs.NewJobs(model.Jobs{Every: "PT0.05S"}, m)
	require.NoError(t, j.Start(t.Context()))
	t.Cleanup(func() { require.NoError(t, j.Stop(context.Background())) })

	require.Eventually(t, func() bool {
		runs, _ := j.Last()
		return runs >= 2
	}, 5*time.Second, 10*time.Millisecond)

	vacuums, heartbeat := m.state()
	require.GreaterOrEqual(t, vacuums, 2)
	_, err := time.Parse(time.RFC3339, heartbeat)
	require.NoError(t, err)
	_, last := j.Last()
	require.Empty(t, last.Error)
}

func TestJobs_Cron(t *testing.T) {
	t.Parallel()

	j := jobs.NewJobs(model.Jobs{Cron: "@daily", Every: "PT1S"}, &maintainer{})
	require.NoError(t, j.Start(t.Context()))
	t.Cleanup(func() { require.NoError(t, j.Stop(context.Background())) })

	require.Eventually(t, func() bool {
		return !j.NextRun().IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, j.NextRun().After(time.Now()))
}

func TestJobs_Disabled(t *testing.T) {
	t.Parallel()

	j := jobs.NewJobs(model.Jobs{}, &maintainer{})
	require.NoError(t, j.Start(t.Context()))
	require.True(t, j.NextRun().IsZero())
	require.NoError(t, j.Stop(t.Context()))
}

func TestJobs_InvalidSchedule(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.Jobs
		then     string
	}{
		{"cron", model.Jobs{Cron: "61 * * * *"}, "parsing services.jobs.cron"},
		{"six fields", model.Jobs{Cron: "0 0 * * * *"}, "parsing services.jobs.cron"},
		{"every", model.Jobs{Every: "1h"}, "parsing services.jobs.every"},
		{"zero", model.Jobs{Every: "PT0S"}, "parsing services.jobs.every"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			j := jobs.NewJobs(tc.given, &maintainer{})
			err := j.Start(t.Context())
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestJobs_MaintainError(t *testing.T) {
	t.Parallel()

	m := &maintainer{err: errors.New("disk I/O error")}
	j := jobs.NewJobs(model.Jobs{}, m)
	j.Maintain(t.Context())

	runs, last := j.Last()
	require.Equal(t, 1, runs)
	require.Equal(t, "disk I/O error", last.Error)
	_, heartbeat := m.state()
	require.Empty(t, heartbeat)
}
