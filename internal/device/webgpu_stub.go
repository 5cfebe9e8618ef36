//go:build !webgpu

package device

import "errors"

// openWebGPU is replaced by the real adapter when building with -tags webgpu.
func openWebGPU() (Backend, error) {
	return nil, errors.New("webgpu backend not compiled in (build with -tags webgpu)")
}
