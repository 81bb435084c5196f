package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Collector reads live per-device metrics. Implementations must not touch
// allocation state.
type Collector interface {
	ListDevices(ctx context.Context) ([]Device, error)
	ListProcesses(ctx context.Context) (map[string][]Process, error)
}

// Device is one GPU as reported by the driver. Numeric fields are -1 when
// the driver reports them as unavailable.
type Device struct {
	Index          int
	Name           string
	TemperatureC   int
	UtilizationPct int
	MemUsedMiB     int
	MemTotalMiB    int
	UUID           string
}

type Load string

const (
	LoadHigh   Load = "High Load"
	LoadActive Load = "Active"
	LoadIdle   Load = "Idle"
)

func (d Device) Load() Load {
	switch {
	case d.UtilizationPct > 80 || d.TemperatureC > 80:
		return LoadHigh
	case d.UtilizationPct != 0:
		// unknown utilization counts as active
		return LoadActive
	}
	return LoadIdle
}

// MemoryPercent returns used/total memory in percent and false when the
// total is unknown.
func (d Device) MemoryPercent() (float64, bool) {
	if d.MemTotalMiB <= 0 || d.MemUsedMiB < 0 {
		return 0, false
	}
	return float64(d.MemUsedMiB) / float64(d.MemTotalMiB) * 100, true
}

// Process is a compute process running on a GPU.
type Process struct {
	PID    string
	Name   string
	MemMiB int
}

// Snapshot is the realtime view of every device with its processes.
type Snapshot struct {
	Devices   []Device
	Processes map[string][]Process
}

// Collect queries devices and processes concurrently. A failed process query
// degrades to an empty process list; a failed device query fails the
// snapshot.
func Collect(ctx context.Context, c Collector) (*Snapshot, error) {
	var (
		devices []Device
		procs   map[string][]Process
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		devices, err = c.ListDevices(gctx)
		return err
	})
	g.Go(func() error {
		p, err := c.ListProcesses(gctx)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry: process query failed")
			return nil
		}
		procs = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if procs == nil {
		procs = map[string][]Process{}
	}
	return &Snapshot{Devices: devices, Processes: procs}, nil
}
