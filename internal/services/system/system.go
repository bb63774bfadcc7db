// Package system samples host information: uptime, memory and the usage of
// the disk holding the data directory.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/CZERTAINLY/bootd/internal/service"
)

const Name = "System"

type Snapshot struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Platform      string    `json:"platform"`
	KernelVersion string    `json:"kernel_version"`
	Uptime        uint64    `json:"uptime_seconds"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryUsed    uint64    `json:"memory_used"`
	DiskPath      string    `json:"disk_path"`
	DiskTotal     uint64    `json:"disk_total"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskUsedPct   float64   `json:"disk_used_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads a Snapshot. The default implementation uses gopsutil.
type Sampler func(ctx context.Context, path string) (Snapshot, error)

type System struct {
	path   string
	sample Sampler

	mx   sync.RWMutex
	last Snapshot
}

func Definition() service.Definition {
	return service.Ordinary(Name, New)
}

func New(h service.Host) service.Service {
	return NewSystem(h.Config().DataDirectory, Sample)
}

func NewSystem(path string, sample Sampler) *System {
	if sample == nil {
		sample = Sample
	}
	return &System{path: path, sample: sample}
}

// Start takes the first snapshot, a host which cannot be inspected fails the boot.
func (s *System) Start(ctx context.Context) error {
	snap, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "system sampled",
		"hostname", snap.Hostname,
		"platform", snap.Platform,
		"disk_used_percent", snap.DiskUsedPct,
	)
	return nil
}

// Last returns the most recent snapshot.
func (s *System) Last() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.last
}

// Refresh takes a new snapshot and stores it as the last one.
func (s *System) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := s.sample(ctx, s.path)
	if err != nil {
		return Snapshot{}, err
	}
	s.mx.Lock()
	s.last = snap
	s.mx.Unlock()
	return snap, nil
}

// Sample reads the host information with gopsutil.
func Sample(ctx context.Context, path string) (Snapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading memory info: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading disk usage of %s: %w", path, err)
	}
	return Snapshot{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      info.Platform,
		KernelVersion: info.KernelVersion,
		Uptime:        info.Uptime,
		MemoryTotal:   vm.Total,
		MemoryUsed:    vm.Used,
		DiskPath:      usage.Path,
		DiskTotal:     usage.Total,
		DiskUsed:      usage.Used,
		DiskUsedPct:   usage.UsedPercent,
		SampledAt:     time.Now().UTC(),
	}, nil
}
