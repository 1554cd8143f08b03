// Package monitoring samples host resource pressure for the supervisor's
// (C8) ResourceStatus report. Grounded on a gopsutil usage in
// internal/api/controllers/system_health_controller.go, trimmed to the
// CPU/RAM/disk signals C8 actually needs and made portable (an earlier
// hardcodes a Windows "C:\\" path; this samples whatever path is
// configured, defaulting to "/").
package monitoring

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSnapshot is one point-in-time read of host resource usage.
type ResourceSnapshot struct {
	CPUPercent      float64
	RAMUsedPercent  float64
	RAMUsedGB       float64
	RAMTotalGB      float64
	DiskUsedPercent float64
	DiskUsedGB      float64
	DiskTotalGB     float64
	SampledAt       time.Time
}

// Pressure reports whether any sampled resource is at or above its
// ceiling. C8 reports it through ResourceStatus; it does not feed
// component health or restart backoff.
func (s ResourceSnapshot) Pressure(cpuCeiling, ramCeiling, diskCeiling float64) bool {
	return s.CPUPercent >= cpuCeiling || s.RAMUsedPercent >= ramCeiling || s.DiskUsedPercent >= diskCeiling
}

// Sampler reads CPU, RAM and disk usage via gopsutil.
type Sampler struct {
	diskPath string
}

// NewSampler builds a Sampler that reports disk usage for diskPath
// ("/" if empty).
func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{diskPath: diskPath}
}

// Sample takes one reading. gopsutil failures on any one signal are
// tolerated (the field is left zero) rather than failing the whole
// sample, since a host missing one sensor shouldn't blind the poller to
// the others.
func (s *Sampler) Sample() ResourceSnapshot {
	snap := ResourceSnapshot{SampledAt: time.Now()}

	if pct, err := cpu.Percent(time.Second, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMUsedPercent = vm.UsedPercent
		snap.RAMUsedGB = float64(vm.Used) / (1024 * 1024 * 1024)
		snap.RAMTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	if du, err := disk.Usage(s.diskPath); err == nil {
		snap.DiskUsedPercent = du.UsedPercent
		snap.DiskUsedGB = float64(du.Used) / (1024 * 1024 * 1024)
		snap.DiskTotalGB = float64(du.Total) / (1024 * 1024 * 1024)
	}

	return snap
}
