// Package engine runs transformer inference on top of the device layer:
// weight loading from shards, the per-layer forward pass, KV caching and
// token sampling. One Engine serves one loaded model and one sequence.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clocksmith/dreamer/internal/config"
	"github.com/clocksmith/dreamer/internal/device"
	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/manifest"
	"github.com/clocksmith/dreamer/internal/metrics"
	"github.com/clocksmith/dreamer/internal/shard"
)

// Progress stages reported during Load, in order.
const (
	StageManifest    = "manifest"
	StageShards      = "shards"
	StageGPUTransfer = "gpu_transfer"
	StageComplete    = "complete"
)

// ProgressFunc observes load progress. completed/total are stage-local
// counts; total may be 0 while unknown.
type ProgressFunc func(stage string, completed, total int)

// Options tune engine construction.
type Options struct {
	Device     string // "auto", "cpu", "webgpu"
	VRAMBudget uint64 // soft budget in bytes; 0 = unlimited

	// CheckActivations forces a submit boundary after each block and scans
	// the hidden state for explosions. Debugging aid; slow.
	CheckActivations bool

	// Tuned carries auto-tuner output for this device/model shape.
	Tuned *device.TuneResult
}

// MemoryStats is the introspection view of device memory.
type MemoryStats struct {
	Pool         device.PoolStats `json:"pool"`
	BudgetBytes  uint64           `json:"budget_bytes"`
	WeightsBytes uint64           `json:"weights_bytes"`
}

// GPUStats reports the probed device and the kernel variants selection
// resolves to for this model's decode shapes.
type GPUStats struct {
	Backend          string               `json:"backend"`
	Device           string               `json:"device"`
	Caps             device.CapabilitySet `json:"caps"`
	MatmulVariant    string               `json:"matmul_variant"`
	AttentionVariant string               `json:"attention_variant"`
	DequantVariant   string               `json:"dequant_variant"`
}

// Engine owns a loaded model and its device state. Generation is serialized:
// the KV cache holds a single sequence.
type Engine struct {
	cfg     config.Config
	backend device.Backend
	pool    *device.Pool
	heap    *device.HeapManager
	sel     *device.Selector

	weights *Weights
	cache   *KVCache
	act     device.Activation

	weightsBytes uint64
	checkActs    bool

	mu  sync.Mutex
	log *logger.Logger
}

// BuildHints maps manifest runtimeOptimizations plus tuner output onto
// selection hints. Unknown forceKernels names are load errors.
func BuildHints(m *manifest.Manifest, tuned *device.TuneResult) (device.Hints, error) {
	h := device.Hints{Tuned: tuned}
	ro := m.RuntimeOptimizations
	if ro == nil {
		return h, nil
	}
	h.PreferF16KV = ro.PreferF16KV
	h.PreferFusedDequant = ro.PreferFusedDequant

	if ro.AttentionTier != "" {
		t, err := device.ParseAttentionTier(ro.AttentionTier)
		if err != nil {
			return h, fmt.Errorf("runtimeOptimizations: %w", err)
		}
		if h.Tuned == nil {
			h.Tuned = &device.TuneResult{}
		}
		if h.Tuned.AttentionTier == nil {
			h.Tuned.AttentionTier = &t
		}
	}
	if ro.MatmulTile > 0 {
		if h.Tuned == nil {
			h.Tuned = &device.TuneResult{}
		}
		if h.Tuned.MatmulWorkgroup == 0 {
			h.Tuned.MatmulWorkgroup = uint32(ro.MatmulTile)
		}
	}

	for family, name := range ro.ForceKernels {
		switch family {
		case "matmul":
			v, err := device.ParseMatmulVariant(name)
			if err != nil {
				return h, fmt.Errorf("forceKernels: %w", err)
			}
			h.ForceMatmul = &v
		case "attention":
			t, err := device.ParseAttentionTier(name)
			if err != nil {
				return h, fmt.Errorf("forceKernels: %w", err)
			}
			h.ForceAttention = &t
		case "dequant":
			v, err := device.ParseDequantVariant(name)
			if err != nil {
				return h, fmt.Errorf("forceKernels: %w", err)
			}
			h.ForceDequant = &v
		default:
			return h, fmt.Errorf("forceKernels: unknown family %q", family)
		}
	}
	return h, nil
}

// Load builds an engine: probes the device, pulls and verifies shards, moves
// tensors onto the device and allocates the KV cache.
func Load(ctx context.Context, m *manifest.Manifest, loader shard.Loader, opts Options, progress ProgressFunc) (*Engine, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}

	cfg, err := config.FromManifest(m)
	if err != nil {
		return nil, err
	}
	act, err := device.ParseActivation(m.Activation)
	if err != nil {
		return nil, err
	}
	progress(StageManifest, 1, 1)

	backend, err := device.Open(opts.Device)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		backend:   backend,
		act:       act,
		checkActs: opts.CheckActivations,
		log:       logger.Log.Component("engine"),
	}
	e.pool = device.NewPool(backend)
	e.heap = device.NewHeapManager(e.pool, opts.VRAMBudget)

	hints, err := BuildHints(m, opts.Tuned)
	if err != nil {
		backend.Close()
		return nil, err
	}
	e.sel = &device.Selector{Caps: backend.Caps(), Hints: hints}

	// LoadAll fans out across goroutines, so the progress count is atomic.
	var done atomic.Int64
	blobs, err := shard.LoadAll(ctx, m, loader, func(index int, size int64) {
		progress(StageShards, int(done.Add(1)), len(m.Shards))
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	if err := e.uploadWeights(ctx, m, blobs, progress); err != nil {
		e.Close()
		return nil, err
	}

	kvDType := device.F32
	if hints.PreferF16KV && backend.Caps().SupportsF16 {
		kvDType = device.F16
	}
	cols := cfg.KVHeads * cfg.HeadDim
	e.cache, err = NewKVCache(backend, e.heap, cfg.Layers, cfg.SeqLen, cols, kvDType)
	if err != nil {
		e.Close()
		return nil, err
	}
	metrics.RecordKVCacheStats(int64(e.cache.Stats().Bytes), 0)

	progress(StageComplete, 1, 1)
	e.log.Info("model loaded",
		"name", cfg.Name,
		"layers", cfg.Layers,
		"backend", backend.Name(),
		"weight_bytes", e.weightsBytes,
		"kv_dtype", kvDType.String())
	return e, nil
}

// uploadWeights streams every tensor record from the shard blobs onto the
// device. Quantized matmul weights stay Q4_K when the fused path is
// preferred; the embedding table always expands since gather reads floats.
func (e *Engine) uploadWeights(ctx context.Context, m *manifest.Manifest, blobs [][]byte, progress ProgressFunc) error {
	w := &Weights{Layers: make([]LayerWeights, e.cfg.Layers)}
	switch m.Quantization {
	case "q4_k":
		w.WeightDType = device.Q4K
	case "f16":
		w.WeightDType = device.F16
	default:
		w.WeightDType = device.F32
	}

	fused := e.sel.Hints.PreferFusedDequant
	for i, blob := range blobs {
		err := parseTensorRecords(blob, func(rec tensorRecord) error {
			var buf *device.Buffer
			var err error
			if rec.DType == device.Q4K && (!fused || rec.Name == "token_embd.weight") {
				buf, err = e.dequantAtLoad(ctx, rec)
			} else {
				buf, err = uploadTensor(e.backend, e.heap, rec)
			}
			if err != nil {
				return err
			}
			e.weightsBytes += buf.Size()
			return w.bindTensor(rec.Name, buf)
		})
		if err != nil {
			w.Free(e.backend)
			return err
		}
		progress(StageGPUTransfer, i+1, len(blobs))
	}

	if err := w.validate(e.cfg); err != nil {
		w.Free(e.backend)
		return err
	}
	e.weights = w
	return nil
}

// dequantAtLoad expands one Q4_K tensor on the device: upload the blocks,
// run the standalone dequant kernel, drop the staging buffer.
func (e *Engine) dequantAtLoad(ctx context.Context, rec tensorRecord) (*device.Buffer, error) {
	n := rec.Rows * rec.Cols
	if n%device.QK_K != 0 {
		return nil, fmt.Errorf("tensor %s: %d values not a multiple of %d", rec.Name, n, device.QK_K)
	}

	outDType := device.F32
	if e.sel.Caps.SupportsF16 {
		outDType = device.F16
	}
	variant := e.sel.Dequant(outDType)
	outBytes := uint64(outDType.BytesFor(n))

	if err := e.heap.Reserve(uint64(len(rec.Data)) + outBytes); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", rec.Name, err)
	}

	staging, err := e.backend.NewBuffer(uint64(len(rec.Data)), device.UsageStorage|device.UsageCopyDst, device.Q4K, rec.Name+".q4k")
	if err != nil {
		return nil, err
	}
	defer e.backend.DestroyBuffer(staging)
	if err := e.backend.Write(staging, rec.Data); err != nil {
		return nil, err
	}

	out, err := e.backend.NewBuffer(outBytes, device.UsageStorage|device.UsageCopySrc|device.UsageCopyDst, outDType, rec.Name)
	if err != nil {
		return nil, err
	}

	r := device.NewRecorder(e.backend, e.pool)
	if err := r.Dequant(device.DequantOp{In: staging, Out: out, N: n, Variant: variant}); err != nil {
		e.backend.DestroyBuffer(out)
		return nil, err
	}
	if err := r.SubmitAndWait(ctx); err != nil {
		e.backend.DestroyBuffer(out)
		return nil, err
	}
	e.heap.TrackStaging(int64(outBytes))
	e.log.Debug("dequantized at load", "name", rec.Name, "variant", variant.String(), "out_dtype", outDType.String())
	return out, nil
}

// Config returns the loaded model's architecture parameters.
func (e *Engine) Config() config.Config { return e.cfg }

// Reset clears the sequence so the next Generate starts from position 0.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Reset()
}

func (e *Engine) Memory() MemoryStats {
	return MemoryStats{
		Pool:         e.pool.Stats(),
		BudgetBytes:  e.heap.Budget(),
		WeightsBytes: e.weightsBytes,
	}
}

func (e *Engine) KVStats() KVCacheStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Stats()
}

// GPU reports the device and the kernel variants the selector resolves to
// for this model's single-token decode shapes.
func (e *Engine) GPU() GPUStats {
	caps := e.sel.Caps
	md := e.sel.Matmul(
		device.OperandDesc{Rows: 1, Cols: e.cfg.Dim, DType: device.F32},
		device.OperandDesc{Rows: e.cfg.HiddenDim, Cols: e.cfg.Dim, DType: e.weights.WeightDType},
	)
	av := e.sel.Attention(e.cfg.HeadDim, e.cache.DType())
	dv := e.sel.Dequant(e.cache.DType())
	return GPUStats{
		Backend:          caps.Backend,
		Device:           caps.DeviceName,
		Caps:             caps,
		MatmulVariant:    md.Variant.String(),
		AttentionVariant: av.String(),
		DequantVariant:   dv.String(),
	}
}

// Close releases all device state.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Free(e.backend)
		e.cache = nil
	}
	if e.weights != nil {
		e.weights.Free(e.backend)
		e.weights = nil
	}
	if e.pool != nil {
		e.pool.Drain()
	}
	if e.backend != nil {
		e.backend.Close()
		e.backend = nil
	}
}
