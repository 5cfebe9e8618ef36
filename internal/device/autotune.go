package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// TuneResult holds the empirically best variant and geometry per operation
// family. Nil pointers mean "no preference"; the selector treats every field
// as a tie-breaker among variants the capability rules already allow.
type TuneResult struct {
	MatmulVariant   *MatmulVariant `json:"-"`
	MatmulWorkgroup uint32         `json:"matmulWorkgroup,omitempty"`
	AttentionTier   *AttentionTier `json:"-"`

	// Persisted as names so the cache file stays readable.
	MatmulVariantName string `json:"matmulVariant,omitempty"`
	AttentionTierName string `json:"attentionTier,omitempty"`
}

func (t *TuneResult) bindEnums() error {
	if t.MatmulVariantName != "" {
		v, err := ParseMatmulVariant(t.MatmulVariantName)
		if err != nil {
			return err
		}
		t.MatmulVariant = &v
	}
	if t.AttentionTierName != "" {
		v, err := ParseAttentionTier(t.AttentionTierName)
		if err != nil {
			return err
		}
		t.AttentionTier = &v
	}
	return nil
}

// TuneKey identifies one model shape on one device. Tuning results are only
// valid for the exact dimensions they were measured at.
type TuneKey struct {
	Hidden       int
	Intermediate int
	Heads        int
	KVHeads      int
	HeadDim      int
	WeightDType  DataType
	Device       string
}

func (k TuneKey) String() string {
	return fmt.Sprintf("%s/h%d-i%d-q%d-kv%d-d%d-%s",
		k.Device, k.Hidden, k.Intermediate, k.Heads, k.KVHeads, k.HeadDim, k.WeightDType)
}

// eligibleMatmulVariants lists every variant the capability rules would
// accept for the given operands, fastest-preferred first. The selector's
// single answer is always the head of this list.
func eligibleMatmulVariants(caps CapabilitySet, a, b OperandDesc) []MatmulVariant {
	var out []MatmulVariant
	if b.DType == Q4K {
		return []MatmulVariant{MatmulQuantFused}
	}
	if a.Rows == 1 && b.DType == F16 && a.DType == F32 {
		if caps.SupportsSubgroups {
			out = append(out, MatmulGemvSubgroup)
		}
		out = append(out, MatmulGemv)
	}
	if a.DType == F16 && b.DType == F16 && caps.SupportsF16 {
		out = append(out, MatmulF16)
	}
	if b.DType == F16 && a.DType == F32 && caps.SupportsF16 {
		out = append(out, MatmulF16WeightF32Act)
	}
	return append(out, MatmulF32)
}

func matmulVariantEligible(caps CapabilitySet, a, b OperandDesc, v MatmulVariant) bool {
	for _, e := range eligibleMatmulVariants(caps, a, b) {
		if e == v {
			return true
		}
	}
	return false
}

// Tuner benchmarks capability-compatible kernel variants on the live
// backend and caches the winners per model shape.
type Tuner struct {
	backend Backend
	pool    *Pool

	// Runs per candidate; the median survives.
	Samples int
}

func NewTuner(backend Backend, pool *Pool) *Tuner {
	return &Tuner{backend: backend, pool: pool, Samples: 5}
}

// Tune measures every eligible matmul variant and workgroup size at the
// model's decode shape (one activation row against the hidden×intermediate
// weight), picks medians, and returns the winners.
func (t *Tuner) Tune(ctx context.Context, key TuneKey) (TuneResult, error) {
	metrics.RecordTuneRun("matmul")
	caps := t.backend.Caps()

	a := OperandDesc{Rows: 1, Cols: key.Hidden, DType: F32}
	b := OperandDesc{Rows: key.Intermediate, Cols: key.Hidden, DType: key.WeightDType}
	candidates := eligibleMatmulVariants(caps, a, b)

	bufA, err := t.pool.Acquire(uint64(key.Hidden)*4, UsageStorage|UsageCopyDst, F32, "tune-a")
	if err != nil {
		return TuneResult{}, err
	}
	defer t.pool.Release(bufA)

	bSize := uint64(key.Hidden*key.Intermediate) * 4
	switch key.WeightDType {
	case F16:
		bSize = uint64(key.Hidden*key.Intermediate) * 2
	case Q4K:
		bSize = uint64(key.Hidden*key.Intermediate/QK_K) * Q4KBlockBytes
	}
	bufB, err := t.pool.Acquire(bSize, UsageStorage|UsageCopyDst, key.WeightDType, "tune-b")
	if err != nil {
		return TuneResult{}, err
	}
	defer t.pool.Release(bufB)

	bufOut, err := t.pool.Acquire(uint64(key.Intermediate)*4, UsageStorage|UsageCopySrc, F32, "tune-out")
	if err != nil {
		return TuneResult{}, err
	}
	defer t.pool.Release(bufOut)

	workgroups := []uint32{64, 128, 256}
	best := TuneResult{}
	bestTime := time.Duration(0)

	for _, variant := range candidates {
		for _, wg := range workgroups {
			if wg > caps.MaxWorkgroupSize {
				continue
			}
			med, err := t.benchMatmul(ctx, variant, wg, key, bufA, bufB, bufOut)
			if err != nil {
				logger.Log.Debug("tune candidate failed", "variant", variant.String(), "workgroup", wg, "error", err.Error())
				continue
			}
			logger.Log.Debug("tune candidate", "variant", variant.String(), "workgroup", wg, "median", med.String())
			if bestTime == 0 || med < bestTime {
				bestTime = med
				v := variant
				best.MatmulVariant = &v
				best.MatmulVariantName = v.String()
				best.MatmulWorkgroup = wg
			}
		}
	}

	if best.MatmulVariant == nil {
		return TuneResult{}, fmt.Errorf("tune %s: no candidate completed", key)
	}
	logger.Log.Info("tune complete", "key", key.String(), "variant", best.MatmulVariantName, "workgroup", best.MatmulWorkgroup)
	return best, nil
}

func (t *Tuner) benchMatmul(ctx context.Context, variant MatmulVariant, wg uint32, key TuneKey, a, b, out *Buffer) (time.Duration, error) {
	samples := make([]time.Duration, 0, t.Samples)
	for i := 0; i < t.Samples; i++ {
		rec := NewRecorder(t.backend, t.pool)
		op := MatmulOp{
			A: a, B: b, Out: out,
			M: 1, K: key.Hidden, N: key.Intermediate,
			TransB:    true,
			Variant:   variant,
			Workgroup: wg,
		}
		start := time.Now()
		if err := rec.Matmul(op); err != nil {
			return 0, err
		}
		if err := rec.SubmitAndWait(ctx); err != nil {
			return 0, err
		}
		samples = append(samples, time.Since(start))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[len(samples)/2], nil
}

// TuneCache persists results keyed by model shape, as JSON under the user
// cache directory.
type TuneCache struct {
	path    string
	Entries map[string]TuneResult `json:"entries"`
}

func OpenTuneCache() (*TuneCache, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	return OpenTuneCacheAt(filepath.Join(dir, "dreamer", "tune.json"))
}

func OpenTuneCacheAt(path string) (*TuneCache, error) {
	c := &TuneCache{path: path, Entries: map[string]TuneResult{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("tune cache %s: %w", path, err)
	}
	for k, e := range c.Entries {
		if err := e.bindEnums(); err != nil {
			return nil, fmt.Errorf("tune cache %s entry %s: %w", path, k, err)
		}
		c.Entries[k] = e
	}
	return c, nil
}

func (c *TuneCache) Get(key TuneKey) (TuneResult, bool) {
	r, ok := c.Entries[key.String()]
	return r, ok
}

func (c *TuneCache) Put(key TuneKey, r TuneResult) {
	c.Entries[key.String()] = r
}

func (c *TuneCache) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}
