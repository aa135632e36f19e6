package autoscaler

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is host utilization in percent.
type Usage struct {
	CPU    float64
	Memory float64
}

type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler reads host-wide CPU and memory utilization with gopsutil. CPU
// is measured since the previous call, so the first sample covers the time since boot.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (Usage, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpus) == 0 {
		return Usage{}, errors.New("sample cpu: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	return Usage{CPU: cpus[0], Memory: vm.UsedPercent}, nil
}
