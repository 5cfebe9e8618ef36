package device

import (
	"fmt"

	"github.com/clocksmith/dreamer/internal/logger"
)

// Open creates a backend by name. "auto" prefers the GPU when this binary
// was built with one and falls back to the CPU reference otherwise.
func Open(kind string) (Backend, error) {
	switch kind {
	case "cpu":
		return NewCPUBackend(), nil
	case "webgpu":
		return openWebGPU()
	case "", "auto":
		if b, err := openWebGPU(); err == nil {
			return b, nil
		} else {
			logger.Log.Debug("gpu backend unavailable, using cpu", "error", err.Error())
		}
		return NewCPUBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// Probe opens the preferred backend just long enough to capture its
// capability set. Any failure degrades to the conservative set; capability
// absence is never an error.
func Probe(kind string) CapabilitySet {
	b, err := Open(kind)
	if err != nil {
		logger.Log.Warn("capability probe failed, using conservative set", "error", err.Error())
		return Conservative()
	}
	caps := b.Caps()
	b.Close()
	logger.Log.Info("capabilities",
		"device", caps.DeviceName,
		"backend", caps.Backend,
		"f16", caps.SupportsF16,
		"subgroups", caps.SupportsSubgroups,
		"timestamps", caps.SupportsTimestamps,
		"max_workgroup", caps.MaxWorkgroupSize,
		"shared_mem", caps.MaxSharedMemory)
	return caps
}
