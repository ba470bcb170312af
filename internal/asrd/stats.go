package asrd

import (
	"context"
	"os"

	"github.com/scribarr/scribarr/pkg/runner"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// StatsCollector samples host metrics for the status report. The hostname
// is resolved once; everything else is read per call and filled best
// effort, so a metric the platform cannot provide just stays zero.
type StatsCollector struct {
	hostname string
}

// NewStatsCollector creates a collector.
func NewStatsCollector() *StatsCollector {
	hostname, _ := os.Hostname()
	return &StatsCollector{hostname: hostname}
}

// Collect samples the host.
func (c *StatsCollector) Collect(ctx context.Context) *runner.SystemStats {
	stats := &runner.SystemStats{
		Hostname: c.hostname,
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = counts
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotal = memInfo.Total
		stats.MemoryUsed = memInfo.Used
		stats.MemoryPercent = memInfo.UsedPercent
	}

	return stats
}
