package device

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/clocksmith/dreamer/internal/logger"
)

// cpuAlloc backs a Buffer on the host. Always present as the reference
// backend; numerically it is what the GPU kernels are validated against.
type cpuAlloc struct {
	data []byte
}

// CPUBackend executes every kernel family on the host in plain f32 math,
// with explicit f16 round-trips wherever a GPU path would store halves. Ops
// are recorded as closures and run in order at Submit, which completes the
// submission synchronously.
type CPUBackend struct {
	caps CapabilitySet
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		caps: CapabilitySet{
			SupportsF16:       true,
			SupportsSubgroups: false,
			MaxBufferSize:     1 << 34,
			MaxWorkgroupSize:  256,
			MaxSharedMemory:   32 * 1024,
			DeviceName:        "cpu-reference",
			Backend:           "cpu",
		},
	}
}

func (c *CPUBackend) Name() string { return "cpu" }

func (c *CPUBackend) Caps() CapabilitySet { return c.caps }

func (c *CPUBackend) Close() {}
func (c *CPUBackend) DestroyBuffer(b *Buffer) {
	if b != nil {
		b.handle = nil
	}
}

func (c *CPUBackend) NewBuffer(size uint64, usage BufferUsage, dtype DataType, label string) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("new buffer %q: zero size", label)
	}
	if size > c.caps.MaxBufferSize {
		return nil, fmt.Errorf("new buffer %q: %d exceeds max buffer size %d", label, size, c.caps.MaxBufferSize)
	}
	return &Buffer{
		handle: &cpuAlloc{data: make([]byte, size)},
		size:   size,
		usage:  usage,
		dtype:  dtype,
		label:  label,
	}, nil
}

func (c *CPUBackend) Write(b *Buffer, data []byte) error {
	alloc, err := cpuData(b)
	if err != nil {
		return err
	}
	if uint64(len(data)) > b.size {
		return fmt.Errorf("write %q: %d bytes into %d-byte buffer", b.label, len(data), b.size)
	}
	copy(alloc, data)
	return nil
}

func (c *CPUBackend) Read(ctx context.Context, b *Buffer, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	alloc, err := cpuData(b)
	if err != nil {
		return err
	}
	if uint64(len(dst)) > b.size {
		return fmt.Errorf("read %q: %d bytes from %d-byte buffer", b.label, len(dst), b.size)
	}
	copy(dst, alloc)
	return nil
}

func (c *CPUBackend) NewEncoder() Encoder {
	return &cpuEncoder{}
}

type cpuEncoder struct {
	ops  []func() error
	done bool
}

func (e *cpuEncoder) enqueue(fn func() error) error {
	if e.done {
		return ErrRecorderSubmitted
	}
	e.ops = append(e.ops, fn)
	return nil
}

func (e *cpuEncoder) Matmul(op MatmulOp) error {
	return e.enqueue(func() error { return cpuMatmul(op) })
}
func (e *cpuEncoder) Gather(op GatherOp) error {
	return e.enqueue(func() error { return cpuGather(op) })
}
func (e *cpuEncoder) RMSNorm(op RMSNormOp) error {
	return e.enqueue(func() error { return cpuRMSNorm(op) })
}
func (e *cpuEncoder) Rope(op RopeOp) error {
	return e.enqueue(func() error { return cpuRope(op) })
}
func (e *cpuEncoder) AppendKV(op AppendKVOp) error {
	return e.enqueue(func() error { return cpuAppendKV(op) })
}
func (e *cpuEncoder) Attention(op AttentionOp) error {
	return e.enqueue(func() error { return cpuAttention(op) })
}
func (e *cpuEncoder) Dequant(op DequantOp) error {
	return e.enqueue(func() error { return cpuDequant(op) })
}
func (e *cpuEncoder) Residual(op ResidualOp) error {
	return e.enqueue(func() error { return cpuResidual(op) })
}
func (e *cpuEncoder) GateAct(op GateActOp) error {
	return e.enqueue(func() error { return cpuGateAct(op) })
}
func (e *cpuEncoder) Cast(op CastOp) error {
	return e.enqueue(func() error { return cpuCast(op) })
}
func (e *cpuEncoder) Copy(op CopyOp) error {
	return e.enqueue(func() error { return cpuCopy(op) })
}

func (e *cpuEncoder) Submit() (*Submission, error) {
	if e.done {
		return nil, ErrRecorderSubmitted
	}
	e.done = true
	sub := newSubmission()
	for i, op := range e.ops {
		if err := op(); err != nil {
			logger.Log.Error("cpu dispatch failed", "op_index", i, "error", err.Error())
			sub.Complete()
			return nil, err
		}
	}
	sub.Complete()
	return sub, nil
}

func cpuData(b *Buffer) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	alloc, ok := b.handle.(*cpuAlloc)
	if !ok || alloc == nil {
		return nil, fmt.Errorf("buffer %q: not a cpu buffer", b.label)
	}
	return alloc.data, nil
}

func f32view(b *Buffer, n int) []float32 {
	alloc := b.handle.(*cpuAlloc)
	return unsafe.Slice((*float32)(unsafe.Pointer(&alloc.data[0])), n)
}

func f16view(b *Buffer, n int) []uint16 {
	alloc := b.handle.(*cpuAlloc)
	return unsafe.Slice((*uint16)(unsafe.Pointer(&alloc.data[0])), n)
}
