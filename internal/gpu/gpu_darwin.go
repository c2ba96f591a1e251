//go:build darwin

package gpu

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"
)

// Apple Silicon always has a Metal-capable GPU sharing system memory.
// Intel Macs are treated as unaccelerated.
func query(_ context.Context) Info {
	if runtime.GOARCH != "arm64" {
		return Info{}
	}

	info := Info{Available: true, Backend: BackendMetal, Unified: true}
	if name, err := unix.Sysctl("machdep.cpu.brand_string"); err == nil {
		info.Name = name
	}
	if mem, err := unix.SysctlUint64("hw.memsize"); err == nil {
		info.MemoryTotal = mem
	}
	return info
}
