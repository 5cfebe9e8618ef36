package device

import "fmt"

// MatmulVariant is the closed set of matmul kernel implementations. String
// names double as forceKernels values and metrics labels.
type MatmulVariant int

const (
	MatmulF32 MatmulVariant = iota
	MatmulF16
	MatmulF16WeightF32Act
	MatmulGemv
	MatmulGemvSubgroup
	MatmulQuantFused
)

func (v MatmulVariant) String() string {
	switch v {
	case MatmulF32:
		return "matmul_f32"
	case MatmulF16:
		return "matmul_f16"
	case MatmulF16WeightF32Act:
		return "matmul_f16w_f32a"
	case MatmulGemv:
		return "gemv"
	case MatmulGemvSubgroup:
		return "gemv_subgroup"
	case MatmulQuantFused:
		return "matmul_q4k_fused"
	}
	return "matmul_unknown"
}

// AttentionTier is the algorithmic tier; the KV dtype picks the shader entry
// point within a tier.
type AttentionTier int

const (
	AttentionTiled AttentionTier = iota
	AttentionSmallTiled
	AttentionStreaming
)

func (t AttentionTier) String() string {
	switch t {
	case AttentionTiled:
		return "tiled"
	case AttentionSmallTiled:
		return "small_tiled"
	case AttentionStreaming:
		return "streaming"
	}
	return "unknown"
}

// AttentionVariant combines tier and KV storage dtype.
type AttentionVariant struct {
	Tier    AttentionTier
	KVDType DataType // F16 or F32
}

func (v AttentionVariant) String() string {
	return fmt.Sprintf("attention_%s_%skv", v.Tier, v.KVDType)
}

// DequantVariant is the closed set of standalone dequantization kernels.
type DequantVariant int

const (
	DequantShared DequantVariant = iota
	DequantSharedF16Out
	DequantSubgroup
	DequantSubgroupF16Out
)

func (v DequantVariant) String() string {
	switch v {
	case DequantShared:
		return "dequant_shared"
	case DequantSharedF16Out:
		return "dequant_shared_f16_out"
	case DequantSubgroup:
		return "dequant_subgroup"
	case DequantSubgroupF16Out:
		return "dequant_subgroup_f16_out"
	}
	return "dequant_unknown"
}

// ParseMatmulVariant resolves a forceKernels value. Unknown names error so a
// typo in runtimeOptimizations surfaces at load, not as a silent fallback.
func ParseMatmulVariant(name string) (MatmulVariant, error) {
	for v := MatmulF32; v <= MatmulQuantFused; v++ {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown matmul variant %q", name)
}

func ParseAttentionTier(name string) (AttentionTier, error) {
	for t := AttentionTiled; t <= AttentionStreaming; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown attention tier %q", name)
}

func ParseDequantVariant(name string) (DequantVariant, error) {
	for v := DequantShared; v <= DequantSubgroupF16Out; v++ {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown dequant variant %q", name)
}
