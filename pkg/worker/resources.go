package worker

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/types"
)

// cpuSharesPerCore matches the conventional 1024-shares-per-core unit.
const cpuSharesPerCore = 1024

// detectResources builds the worker's resource advertisement. Config
// overrides win over detection; zero config values mean "detect".
func detectResources(cfg config.WorkerConfig) *types.WorkerResources {
	res := &types.WorkerResources{
		MemoryBytes: cfg.MemoryBytes,
		CPUShares:   cfg.CPUShares,
		Packages:    cfg.Packages,
	}
	if res.MemoryBytes == 0 {
		res.MemoryBytes = detectMemoryBytes()
	}
	if res.CPUShares == 0 {
		res.CPUShares = int64(runtime.NumCPU()) * cpuSharesPerCore
	}
	if cfg.GPU {
		res.GPUs = []types.GPUInfo{{Name: "gpu-0"}}
	}
	return res
}

// detectMemoryBytes reads MemTotal from /proc/meminfo. On platforms
// without it the worker advertises no memory and only matches
// workflows with no memory request.
func detectMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
