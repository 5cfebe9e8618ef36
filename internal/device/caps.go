package device

// CapabilitySet is the immutable record of device features and limits,
// captured once at startup and passed by reference to every selection call.
type CapabilitySet struct {
	SupportsF16        bool
	SupportsSubgroups  bool
	SupportsTimestamps bool

	MaxBufferSize    uint64
	MaxWorkgroupSize uint32 // max invocations per workgroup
	MaxSharedMemory  uint32 // workgroup storage bytes

	DeviceName string
	Backend    string
}

// Conservative returns the minimal capability set: no half precision, no
// subgroup ops, baseline WebGPU limits. The rest of the system must remain
// correct (only slower) under this set, so probe failures fall back here
// instead of erroring.
func Conservative() CapabilitySet {
	return CapabilitySet{
		SupportsF16:        false,
		SupportsSubgroups:  false,
		SupportsTimestamps: false,
		MaxBufferSize:      256 << 20,
		MaxWorkgroupSize:   256,
		MaxSharedMemory:    16384,
		DeviceName:         "unknown",
		Backend:            "fallback",
	}
}
