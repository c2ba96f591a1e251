//go:build !darwin

package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

const mib = 1024 * 1024

func query(ctx context.Context) Info {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return Info{}
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI reads the first device from nvidia-smi CSV output:
// "name, used MiB, total MiB".
func parseNvidiaSMI(out string) Info {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return Info{}
	}
	name := strings.TrimSpace(fields[0])
	if name == "" {
		return Info{}
	}

	info := Info{Available: true, Backend: BackendCUDA, Name: name}
	if used, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64); err == nil {
		info.MemoryUsed = used * mib
	}
	if total, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64); err == nil {
		info.MemoryTotal = total * mib
	}
	return info
}
