//go:build webgpu

package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/wgsl"
)

// WebGPUBackend drives a wgpu compute device. One instance owns the single
// ordered queue everything dispatches onto.
type WebGPUBackend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	caps     CapabilitySet

	mu        sync.Mutex
	pipelines map[string]*pipelineEntry
}

type pipelineEntry struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

func openWebGPU() (Backend, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("webgpu: create instance failed")
	}

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		adapter, err = inst.RequestAdapter(nil)
	}
	if err != nil || adapter == nil {
		inst.Release()
		return nil, fmt.Errorf("webgpu: no adapter: %v", err)
	}

	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	caps := Conservative()
	caps.Backend = "webgpu"
	caps.DeviceName = strings.TrimSpace(info.Name)
	if limits.Limits.MaxBufferSize > 0 {
		caps.MaxBufferSize = limits.Limits.MaxBufferSize
	}
	if limits.Limits.MaxComputeInvocationsPerWorkgroup > 0 {
		caps.MaxWorkgroupSize = limits.Limits.MaxComputeInvocationsPerWorkgroup
	}
	if limits.Limits.MaxComputeWorkgroupStorageSize > 0 {
		caps.MaxSharedMemory = limits.Limits.MaxComputeWorkgroupStorageSize
	}

	var required []wgpu.FeatureName
	for _, f := range adapter.EnumerateFeatures() {
		name := strings.ToLower(f.String())
		switch {
		case strings.Contains(name, "shader-f16") || name == "shaderf16":
			caps.SupportsF16 = true
			required = append(required, f)
		case strings.Contains(name, "subgroup"):
			caps.SupportsSubgroups = true
			required = append(required, f)
		case strings.Contains(name, "timestamp"):
			caps.SupportsTimestamps = true
			required = append(required, f)
		}
	}

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		RequiredFeatures: required,
	})
	if err != nil || device == nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("webgpu: request device: %v", err)
	}

	logger.Log.Info("webgpu device opened",
		"name", caps.DeviceName,
		"f16", caps.SupportsF16,
		"subgroups", caps.SupportsSubgroups,
		"max_workgroup", caps.MaxWorkgroupSize,
		"shared_mem", caps.MaxSharedMemory)

	return &WebGPUBackend{
		instance:  inst,
		adapter:   adapter,
		device:    device,
		queue:     device.GetQueue(),
		caps:      caps,
		pipelines: map[string]*pipelineEntry{},
	}, nil
}

func (w *WebGPUBackend) Name() string        { return "webgpu" }
func (w *WebGPUBackend) Caps() CapabilitySet { return w.caps }

func (w *WebGPUBackend) Close() {
	w.mu.Lock()
	for _, p := range w.pipelines {
		p.pipeline.Release()
		p.layout.Release()
	}
	w.pipelines = map[string]*pipelineEntry{}
	w.mu.Unlock()
	w.device.Release()
	w.adapter.Release()
	w.instance.Release()
}

func (w *WebGPUBackend) NewBuffer(size uint64, usage BufferUsage, dtype DataType, label string) (*Buffer, error) {
	if size > w.caps.MaxBufferSize {
		return nil, fmt.Errorf("new buffer %q: %d exceeds device max %d", label, size, w.caps.MaxBufferSize)
	}
	// wgpu requires copy sizes in multiples of 4.
	alloc := (size + 3) &^ 3
	buf, err := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  alloc,
		Usage: toWGPUUsage(usage),
	})
	if err != nil {
		return nil, fmt.Errorf("new buffer %q: %w", label, err)
	}
	return &Buffer{handle: buf, size: size, usage: usage, dtype: dtype, label: label}, nil
}

func toWGPUUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	return out
}

func (w *WebGPUBackend) DestroyBuffer(b *Buffer) {
	if b == nil {
		return
	}
	if buf, ok := b.handle.(*wgpu.Buffer); ok && buf != nil {
		buf.Destroy()
		b.handle = nil
	}
}

func (w *WebGPUBackend) Write(b *Buffer, data []byte) error {
	buf, ok := b.handle.(*wgpu.Buffer)
	if !ok {
		return fmt.Errorf("write %q: not a webgpu buffer", b.label)
	}
	if uint64(len(data)) > b.size {
		return fmt.Errorf("write %q: %d bytes into %d-byte buffer", b.label, len(data), b.size)
	}
	if len(data)%4 != 0 {
		padded := make([]byte, (len(data)+3)&^3)
		copy(padded, data)
		data = padded
	}
	w.queue.WriteBuffer(buf, 0, data)
	return nil
}

// Read copies the buffer through a MapRead staging buffer. This is a
// suspension point: it submits a copy and polls until mapped.
func (w *WebGPUBackend) Read(ctx context.Context, b *Buffer, dst []byte) error {
	src, ok := b.handle.(*wgpu.Buffer)
	if !ok {
		return fmt.Errorf("read %q: not a webgpu buffer", b.label)
	}
	size := uint64(len(dst))
	if size > b.size {
		return fmt.Errorf("read %q: %d bytes from %d-byte buffer", b.label, len(dst), b.size)
	}
	copySize := (size + 3) &^ 3

	staging, err := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "readback",
		Size:  copySize,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("read %q: staging: %w", b.label, err)
	}
	defer staging.Destroy()

	enc, err := w.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	enc.CopyBufferToBuffer(src, 0, staging, 0, copySize)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return err
	}
	w.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, copySize, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("read %q: map status %v", b.label, status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("read %q: map: %w", b.label, err)
	}

	for {
		w.device.Poll(false, nil)
		select {
		case <-done:
			if mapErr != nil {
				return mapErr
			}
			data := staging.GetMappedRange(0, uint(copySize))
			if data == nil {
				return fmt.Errorf("read %q: mapped range nil", b.label)
			}
			copy(dst, data)
			staging.Unmap()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (w *WebGPUBackend) NewEncoder() Encoder {
	enc, err := w.device.CreateCommandEncoder(nil)
	return &webgpuEncoder{b: w, enc: enc, err: err}
}

// pipeline compiles (or fetches) the pipeline for a kernel name at a
// workgroup size and entry point, with the given bind group layout.
func (w *WebGPUBackend) pipeline(name string, wg uint32, entry string, bindings []wgpu.BufferBindingType) (*pipelineEntry, error) {
	key := fmt.Sprintf("%s/%d/%s", name, wg, entry)
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pipelines[key]; ok {
		return p, nil
	}

	src, err := wgsl.Source(name, wg)
	if err != nil {
		return nil, err
	}
	module, err := w.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, t := range bindings {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t},
		}
	}
	bgl, err := w.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   name + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%s bind group layout: %w", name, err)
	}
	pl, err := w.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            name + "_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return nil, fmt.Errorf("%s pipeline layout: %w", name, err)
	}
	pipe, err := w.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  name,
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	pl.Release()
	if err != nil {
		bgl.Release()
		return nil, fmt.Errorf("%s pipeline: %w", name, err)
	}

	p := &pipelineEntry{pipeline: pipe, layout: bgl}
	w.pipelines[key] = p
	logger.Log.Debug("pipeline compiled", "kernel", key)
	return p, nil
}

const (
	roStorage = wgpu.BufferBindingTypeReadOnlyStorage
	rwStorage = wgpu.BufferBindingTypeStorage
	uniformB  = wgpu.BufferBindingTypeUniform
)

type webgpuEncoder struct {
	b    *WebGPUBackend
	enc  *wgpu.CommandEncoder
	err  error
	done bool

	// Per-recording scratch (uniform/id buffers) destroyed after completion.
	scratch []*wgpu.Buffer
}

func (e *webgpuEncoder) scratchBuffer(data []byte, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := e.b.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: data,
		Usage:    usage,
	})
	if err != nil {
		return nil, err
	}
	e.scratch = append(e.scratch, buf)
	return buf, nil
}

// dispatch records one compute pass: pipeline, bind group over the given
// buffers in binding order, one DispatchWorkgroups.
func (e *webgpuEncoder) dispatch(name string, wg uint32, entry string, types []wgpu.BufferBindingType, bufs []*wgpu.Buffer, gx, gy uint32) error {
	if e.err != nil {
		return e.err
	}
	if e.done {
		return ErrRecorderSubmitted
	}

	p, err := e.b.pipeline(name, wg, entry, types)
	if err != nil {
		e.err = err
		return err
	}

	entries := make([]wgpu.BindGroupEntry, len(bufs))
	for i, buf := range bufs {
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: buf, Size: buf.GetSize()}
	}
	bg, err := e.b.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   name + "_bind",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		e.err = err
		return err
	}
	defer bg.Release()

	pass := e.enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()
	return nil
}

func handleOf(b *Buffer) *wgpu.Buffer { return b.handle.(*wgpu.Buffer) }

func groups(n, per uint32) uint32 { return (n + per - 1) / per }

func (e *webgpuEncoder) Matmul(op MatmulOp) error {
	params := packU32(uint32(op.M), uint32(op.K), uint32(op.N), boolU32(op.TransB))
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.A), handleOf(op.B), handleOf(op.Out), uni}

	wg := op.Workgroup
	name := op.Variant.String()
	switch op.Variant {
	case MatmulGemv, MatmulGemvSubgroup:
		return e.dispatch(name, wg, "main", types, bufs, uint32(op.N), 1)
	case MatmulQuantFused:
		if op.M == 1 {
			return e.dispatch(name, wg, "main_gemv", types, bufs, uint32(op.N), 1)
		}
		return e.dispatch(name, wg, "main", types, bufs, groups(uint32(op.N), 16), groups(uint32(op.M), 16))
	default:
		return e.dispatch(name, wg, "main", types, bufs, groups(uint32(op.N), 16), groups(uint32(op.M), 16))
	}
}

func (e *webgpuEncoder) Gather(op GatherOp) error {
	scale := op.Scale
	if scale == 0 {
		scale = 1
	}
	rows := uint32(len(op.IDs))
	params := append(packU32(rows, uint32(op.Cols), 0, 0), packF32(scale, 0, 0, 0)...)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	ids, err := e.scratchBuffer(i32Bytes(op.IDs), wgpu.BufferUsageStorage)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.Table), ids, handleOf(op.Out), uni}
	return e.dispatch("gather", 256, "main", types, bufs, groups(rows*uint32(op.Cols), 256), 1)
}

func (e *webgpuEncoder) RMSNorm(op RMSNormOp) error {
	params := append(packU32(uint32(op.Rows), uint32(op.Cols)), packF32(op.Eps, op.WeightOffset)...)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.In), handleOf(op.Weight), handleOf(op.Out), uni}
	return e.dispatch("rmsnorm", 256, "main", types, bufs, uint32(op.Rows), 1)
}

func (e *webgpuEncoder) Rope(op RopeOp) error {
	tokens := uint32(len(op.Positions))
	params := append(packU32(tokens, uint32(op.Heads), uint32(op.HeadDim), 0), packF32(op.Base, 0, 0, 0)...)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	pos, err := e.scratchBuffer(i32Bytes(op.Positions), wgpu.BufferUsageStorage)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{rwStorage, roStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.InOut), pos, uni}
	total := tokens * uint32(op.Heads) * uint32(op.HeadDim) / 2
	return e.dispatch("rope", 256, "main", types, bufs, groups(total, 256), 1)
}

func (e *webgpuEncoder) AppendKV(op AppendKVOp) error {
	params := packU32(uint32(op.Tokens), uint32(op.Cols), uint32(op.Pos), 0)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	name := "append_kv_f32"
	if op.DstDType == F16 {
		name = "append_kv_f16"
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, rwStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.SrcK), handleOf(op.SrcV), handleOf(op.DstK), handleOf(op.DstV), uni}
	total := uint32(op.Tokens * op.Cols)
	return e.dispatch(name, 256, "main", types, bufs, groups(total, 256), 1)
}

func (e *webgpuEncoder) Attention(op AttentionOp) error {
	params := append(
		packU32(uint32(op.Tokens), uint32(op.StartPos), uint32(op.SeqLen), uint32(op.Heads),
			uint32(op.KVHeads), uint32(op.HeadDim), uint32(op.WindowSize), 0),
		packF32(op.Scale, 0, 0, 0)...)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.Q), handleOf(op.K), handleOf(op.V), handleOf(op.Out), uni}
	return e.dispatch(op.Variant.String(), 256, "main", types, bufs, uint32(op.Tokens), uint32(op.Heads))
}

func (e *webgpuEncoder) Dequant(op DequantOp) error {
	params := packU32(uint32(op.N), 0, 0, 0)
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.In), handleOf(op.Out), uni}
	return e.dispatch(op.Variant.String(), 256, "main", types, bufs, uint32(op.N/QK_K), 1)
}

func (e *webgpuEncoder) Residual(op ResidualOp) error {
	return e.elementwise("residual", packU32(uint32(op.N), 0, 0, 0), op.A, op.B, op.Out, uint32(op.N))
}

func (e *webgpuEncoder) GateAct(op GateActOp) error {
	return e.elementwise("gate_act", packU32(uint32(op.N), uint32(op.Act), 0, 0), op.Gate, op.Up, op.Out, uint32(op.N))
}

func (e *webgpuEncoder) elementwise(name string, params []byte, a, b, out *Buffer, n uint32) error {
	uni, err := e.scratchBuffer(params, wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	types := []wgpu.BufferBindingType{roStorage, roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(a), handleOf(b), handleOf(out), uni}
	return e.dispatch(name, 256, "main", types, bufs, groups(n, 256), 1)
}

func (e *webgpuEncoder) Cast(op CastOp) error {
	uni, err := e.scratchBuffer(packU32(uint32(op.N), 0, 0, 0), wgpu.BufferUsageUniform)
	if err != nil {
		return err
	}
	name := "cast_f32_f16"
	if op.In.DType() == F16 {
		name = "cast_f16_f32"
	}
	types := []wgpu.BufferBindingType{roStorage, rwStorage, uniformB}
	bufs := []*wgpu.Buffer{handleOf(op.In), handleOf(op.Out), uni}
	return e.dispatch(name, 256, "main", types, bufs, groups(uint32(op.N), 256), 1)
}

func (e *webgpuEncoder) Copy(op CopyOp) error {
	if e.err != nil {
		return e.err
	}
	if e.done {
		return ErrRecorderSubmitted
	}
	e.enc.CopyBufferToBuffer(handleOf(op.Src), op.SrcOff, handleOf(op.Dst), op.DstOff, (op.Bytes+3)&^3)
	return nil
}

func (e *webgpuEncoder) Submit() (*Submission, error) {
	if e.done {
		return nil, ErrRecorderSubmitted
	}
	e.done = true
	if e.err != nil {
		e.releaseScratch()
		return nil, e.err
	}

	cmd, err := e.enc.Finish(nil)
	if err != nil {
		e.releaseScratch()
		return nil, err
	}
	e.b.queue.Submit(cmd)

	sub := newSubmission()
	scratch := e.scratch
	e.scratch = nil
	go func() {
		e.b.device.Poll(true, nil)
		for _, buf := range scratch {
			buf.Destroy()
		}
		sub.Complete()
	}()
	return sub, nil
}

func (e *webgpuEncoder) releaseScratch() {
	for _, buf := range e.scratch {
		buf.Destroy()
	}
	e.scratch = nil
}

func packU32(vs ...uint32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func packF32(vs ...float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func i32Bytes(vs []int32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
