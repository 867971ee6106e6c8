package service

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"polydev/internal/logging"
)

// HostSnapshot is the body of /api/metrics.
type HostSnapshot struct {
	Metrics    HostMetrics             `json:"metrics"`
	SystemInfo SystemInfo              `json:"systemInfo"`
	Processes  map[string]ProcessUsage `json:"processes,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

type HostMetrics struct {
	CPU     CPUStats       `json:"cpu"`
	Memory  MemoryStats    `json:"memory"`
	Network []NetworkStats `json:"network"`
	Disk    []DiskStats    `json:"disk"`
}

type CPUStats struct {
	Usage float64   `json:"usage"`
	Cores int       `json:"cores"`
	Model string    `json:"model,omitempty"`
	Load  []float64 `json:"load,omitempty"`
}

type MemoryStats struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	Available    uint64  `json:"available"`
	UsagePercent float64 `json:"usagePercent"`
}

type NetworkStats struct {
	Interface   string `json:"interface"`
	BytesSent   uint64 `json:"bytesSent"`
	BytesRecv   uint64 `json:"bytesRecv"`
	PacketsSent uint64 `json:"packetsSent"`
	PacketsRecv uint64 `json:"packetsRecv"`
}

type DiskStats struct {
	Mount        string  `json:"mount"`
	Device       string  `json:"device"`
	FSType       string  `json:"fsType"`
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	UsagePercent float64 `json:"usagePercent"`
}

type SystemInfo struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion,omitempty"`
	Kernel          string `json:"kernel,omitempty"`
	Arch            string `json:"arch"`
	Uptime          uint64 `json:"uptime"`
	GoVersion       string `json:"goVersion"`
}

// ProcessUsage is the resource use of one supervised process group leader
// and its direct children.
type ProcessUsage struct {
	Pid         int     `json:"pid"`
	CPU         float64 `json:"cpu"`
	Memory      uint64  `json:"memory"`
	MemoryHuman string  `json:"memoryHuman"`
}

// HostCollector gathers host metrics. Every collection failure is logged and
// leaves its section empty; Collect itself never fails.
type HostCollector struct{}

func NewHostCollector() *HostCollector {
	return &HostCollector{}
}

// Collect snapshots the host. pids maps service names to supervised pids.
func (c *HostCollector) Collect(ctx context.Context, pids map[string]int) HostSnapshot {
	snap := HostSnapshot{
		Metrics: HostMetrics{
			CPU:     c.cpu(ctx),
			Memory:  c.memory(ctx),
			Network: c.network(ctx),
			Disk:    c.disk(ctx),
		},
		SystemInfo: c.system(ctx),
		Timestamp:  time.Now().UTC(),
	}
	if len(pids) > 0 {
		snap.Processes = make(map[string]ProcessUsage, len(pids))
		for name, pid := range pids {
			usage, err := ProcessUsageOf(ctx, pid)
			if err != nil {
				logging.Debug().Err(err).Str("service", name).Int("pid", pid).Msg("process metrics unavailable")
				continue
			}
			snap.Processes[name] = usage
		}
	}
	return snap
}

func (c *HostCollector) cpu(ctx context.Context) CPUStats {
	var stats CPUStats
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		warnCollect("cpu", err)
	} else if len(pct) > 0 {
		stats.Usage = pct[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.Cores = n
	}
	if info, err := cpu.InfoWithContext(ctx); err == nil && len(info) > 0 {
		stats.Model = info[0].ModelName
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return stats
}

func (c *HostCollector) memory(ctx context.Context) MemoryStats {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		warnCollect("memory", err)
		return MemoryStats{}
	}
	return MemoryStats{
		Total:        v.Total,
		Used:         v.Used,
		Free:         v.Free,
		Available:    v.Available,
		UsagePercent: v.UsedPercent,
	}
}

func (c *HostCollector) network(ctx context.Context) []NetworkStats {
	out := []NetworkStats{}
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		warnCollect("network", err)
		return out
	}
	for _, n := range counters {
		if n.BytesSent == 0 && n.BytesRecv == 0 {
			continue
		}
		out = append(out, NetworkStats{
			Interface:   n.Name,
			BytesSent:   n.BytesSent,
			BytesRecv:   n.BytesRecv,
			PacketsSent: n.PacketsSent,
			PacketsRecv: n.PacketsRecv,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

func (c *HostCollector) disk(ctx context.Context) []DiskStats {
	out := []DiskStats{}
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		warnCollect("disk", err)
		return out
	}
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		out = append(out, DiskStats{
			Mount:        p.Mountpoint,
			Device:       p.Device,
			FSType:       p.Fstype,
			Total:        usage.Total,
			Used:         usage.Used,
			Free:         usage.Free,
			UsagePercent: usage.UsedPercent,
		})
	}
	return out
}

func (c *HostCollector) system(ctx context.Context) SystemInfo {
	info := SystemInfo{Platform: runtime.GOOS, Arch: runtime.GOARCH, GoVersion: runtime.Version()}
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		warnCollect("system", err)
		return info
	}
	info.Hostname = h.Hostname
	if h.Platform != "" {
		info.Platform = h.Platform
	}
	info.PlatformVersion = h.PlatformVersion
	info.Kernel = h.KernelVersion
	info.Uptime = h.Uptime
	return info
}

func warnCollect(section string, err error) {
	logging.Warn().Err(err).Str("section", section).Msg("metrics collection failed")
}

// ProcessUsageOf sums CPU and resident memory of pid and its direct children.
func ProcessUsageOf(ctx context.Context, pid int) (ProcessUsage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessUsage{}, err
	}
	procs := []*process.Process{p}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		procs = append(procs, children...)
	}

	usage := ProcessUsage{Pid: pid}
	for _, proc := range procs {
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			usage.CPU += pct
		}
		if m, err := proc.MemoryInfoWithContext(ctx); err == nil {
			usage.Memory += m.RSS
		}
	}
	usage.MemoryHuman = FormatBytes(usage.Memory)
	return usage, nil
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatUptime renders whole seconds the way the dashboard shows them.
func FormatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	secs := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
