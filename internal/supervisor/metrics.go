package supervisor

import (
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats samples live memory and CPU usage for pid, for the
// /metrics memory_usage_mb/cpu_usage_percent fields (spec §6). Grounded on
// the original gateway's get_process_memory_usage/get_process_cpu_usage
// (both backed by psutil.Process), ported to gopsutil's equivalent API.
// Returns zero values if the process cannot be inspected, e.g. because it
// has already exited.
func ProcessStats(pid int) (memoryMB, cpuPercent float64) {
	if pid <= 0 {
		return 0, 0
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		memoryMB = float64(mi.RSS) / (1024 * 1024)
	}
	if cp, err := proc.CPUPercent(); err == nil {
		cpuPercent = cp
	}
	return memoryMB, cpuPercent
}
