package render

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	maxWorkers = 8
	// Rough resident size of one headless Chrome tab.
	bytesPerWorker = 512 << 20
)

// DefaultWorkers sizes the render pool from logical CPUs and available memory, in [1, 8].
func DefaultWorkers(ctx context.Context) int {
	n := maxWorkers
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		n = min(n, cores)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil && vm.Available > 0 {
		n = min(n, int(vm.Available/bytesPerWorker))
	}
	return clampWorkers(n)
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxWorkers {
		return maxWorkers
	}
	return n
}
