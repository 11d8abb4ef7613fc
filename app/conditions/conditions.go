// Package conditions provides a system-load gate checked before a job run
// starts, bounding pressure on the external recognition engine.
package conditions

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config defines optional thresholds; nil means the check is skipped
type Config struct {
	CPUBelow     *int     // percent
	MemoryBelow  *int     // percent
	LoadAvgBelow *float64 // 1-minute load average
}

// Enabled reports whether any threshold is set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil
}

// Check verifies if all configured conditions are met.
// Returns true if satisfied, false with reason otherwise.
func Check(cfg Config) (bool, string) {
	if cfg.CPUBelow != nil {
		if ok, reason := checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if cfg.MemoryBelow != nil {
		if ok, reason := checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if cfg.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}
