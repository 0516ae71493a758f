package heartbeat

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Sampler reads the local resource snapshot.
type Sampler interface {
	Sample(ctx context.Context) (domain.MachineStats, error)
}

// SystemSampler samples the host with gopsutil.
type SystemSampler struct{}

// Sample returns cpu, memory and uptime figures. CPU usage is measured since
// the previous call, so the first sample after start may read zero.
func (SystemSampler) Sample(ctx context.Context) (domain.MachineStats, error) {
	stats := domain.MachineStats{NumCPU: runtime.NumCPU()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("sample memory: %w", err)
	}
	stats.MemoryPercent = vm.UsedPercent
	stats.MemoryUsed = vm.Used
	stats.MemoryTotal = vm.Total

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("sample host: %w", err)
	}
	stats.UptimeSeconds = info.Uptime
	stats.OS = info.OS
	stats.Platform = info.Platform

	return stats, nil
}
