package manager

import (
	"context"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const telemetryInterval = 5 * time.Second

// SystemTelemetry captures host-level resource usage for the admin console.
type SystemTelemetry struct {
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	CPUPercent    float64   `json:"cpu_percent"`
	CPUCores      int       `json:"cpu_cores"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	DiskPercent   float64   `json:"disk_percent"`
	DiskUsed      uint64    `json:"disk_used_bytes"`
	DiskTotal     uint64    `json:"disk_total_bytes"`
	Load1         float64   `json:"load1"`
	Load5         float64   `json:"load5"`
	Load15        float64   `json:"load15"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	HealthPercent float64   `json:"health_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

type telemetryState struct {
	mu           sync.RWMutex
	stop         chan struct{}
	wg           sync.WaitGroup
	last         *SystemTelemetry
	lastCPUTotal float64
	lastCPUIdle  float64
}

// StartTelemetryMonitor launches a background sampler that refreshes host metrics.
func (m *Manager) StartTelemetryMonitor() {
	t := &m.telemetry
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(telemetryInterval)
		defer ticker.Stop()
		ctx := context.Background()
		m.refreshTelemetry(ctx)
		for {
			select {
			case <-ticker.C:
				m.refreshTelemetry(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// StopTelemetryMonitor stops the sampler and waits for it.
func (m *Manager) StopTelemetryMonitor() {
	t := &m.telemetry
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	t.wg.Wait()
}

func (m *Manager) refreshTelemetry(ctx context.Context) {
	if snapshot := m.collectSystemTelemetry(ctx); snapshot != nil {
		m.telemetry.mu.Lock()
		m.telemetry.last = snapshot
		m.telemetry.mu.Unlock()
	}
}

// SystemTelemetry returns the last sample, collecting one on demand when the
// monitor has not produced any yet.
func (m *Manager) SystemTelemetry(ctx context.Context) *SystemTelemetry {
	m.telemetry.mu.RLock()
	last := m.telemetry.last
	m.telemetry.mu.RUnlock()
	if last == nil {
		m.refreshTelemetry(ctx)
		m.telemetry.mu.RLock()
		last = m.telemetry.last
		m.telemetry.mu.RUnlock()
	}
	if last == nil {
		return nil
	}
	out := *last
	return &out
}

func (m *Manager) collectSystemTelemetry(ctx context.Context) *SystemTelemetry {
	snapshot := &SystemTelemetry{SampledAt: time.Now()}

	if timesStats, err := cpu.TimesWithContext(ctx, false); err == nil && len(timesStats) > 0 {
		total := cpuTotal(timesStats[0])
		idle := timesStats[0].Idle + timesStats[0].Iowait
		deltaTotal, deltaIdle, hasPrev := m.updateCPUSample(total, idle)
		if hasPrev && deltaTotal > 0 {
			used := deltaTotal - deltaIdle
			if used < 0 {
				used = 0
			}
			snapshot.CPUPercent = clampFloat((used/deltaTotal)*100, 0, 100)
		}
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snapshot.CPUCores = cores
	}

	if vm, _ := mem.VirtualMemoryWithContext(ctx); vm != nil {
		snapshot.MemoryPercent = clampFloat(vm.UsedPercent, 0, 100)
		snapshot.MemoryUsed = vm.Used
		snapshot.MemoryTotal = vm.Total
	}

	rootPath := "/"
	if m.Paths != nil && strings.TrimSpace(m.Paths.RootPath) != "" {
		rootPath = m.Paths.RootPath
	}
	if du, _ := disk.UsageWithContext(ctx, rootPath); du != nil {
		snapshot.DiskPercent = clampFloat(du.UsedPercent, 0, 100)
		snapshot.DiskUsed = du.Used
		snapshot.DiskTotal = du.Total
	}

	if avg, _ := load.AvgWithContext(ctx); avg != nil {
		snapshot.Load1, snapshot.Load5, snapshot.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if info, _ := host.InfoWithContext(ctx); info != nil {
		snapshot.Hostname = info.Hostname
		snapshot.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		snapshot.UptimeSeconds = info.Uptime
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			snapshot.ProcessRSS = mi.RSS
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			snapshot.ProcessCPU = clampFloat(pct, 0, 100*float64(max(snapshot.CPUCores, 1)))
		}
	}

	snapshot.HealthPercent = computeHealth(snapshot.CPUPercent, snapshot.MemoryPercent, snapshot.DiskPercent)
	return snapshot
}

func cpuTotal(stat cpu.TimesStat) float64 {
	return stat.User + stat.System + stat.Nice + stat.Idle + stat.Iowait + stat.Irq + stat.Softirq + stat.Steal + stat.Guest + stat.GuestNice
}

func (m *Manager) updateCPUSample(total, idle float64) (float64, float64, bool) {
	t := &m.telemetry
	t.mu.Lock()
	defer t.mu.Unlock()
	deltaTotal := total - t.lastCPUTotal
	deltaIdle := idle - t.lastCPUIdle
	hasPrev := t.lastCPUTotal > 0
	t.lastCPUTotal = total
	t.lastCPUIdle = idle
	return deltaTotal, deltaIdle, hasPrev
}

func computeHealth(cpu, mem, disk float64) float64 {
	maxUsage := 0.0
	for _, v := range []float64{cpu, mem, disk} {
		if v > maxUsage {
			maxUsage = v
		}
	}
	return clampFloat(100-maxUsage, 0, 100)
}

func clampFloat(val, lo, hi float64) float64 {
	if math.IsNaN(val) {
		return lo
	}
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
