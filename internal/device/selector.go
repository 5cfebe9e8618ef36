package device

// OperandDesc describes one matmul operand for selection purposes.
type OperandDesc struct {
	Rows  int
	Cols  int
	DType DataType
}

// MatmulDecision is a variant plus dispatch geometry. SingleRow marks the
// GEMV-shaped dispatch of the fused quantized kernel.
type MatmulDecision struct {
	Variant   MatmulVariant
	Workgroup uint32
	SingleRow bool
}

// Hints carry manifest runtimeOptimizations plus auto-tuner output.
// Force* hints bypass all capability logic, including compatibility checks;
// tuned values only break ties between variants the rules already allow.
type Hints struct {
	ForceMatmul    *MatmulVariant
	ForceAttention *AttentionTier
	ForceDequant   *DequantVariant

	PreferF16KV        bool
	PreferFusedDequant bool

	Tuned *TuneResult
}

// Shared-memory thresholds for the attention tiers, in bytes.
const (
	tiledSharedMemMin      = 49 * 1024
	smallTiledSharedMemMin = 4 * 1024
	tiledHeadDimMax        = 64
	smallTiledHeadDimMax   = 256
)

// SelectMatmul picks the matmul kernel for (a × b). Pure: identical inputs
// always yield the identical decision. The precedence order is load-bearing;
// each arm is evaluated only if none of the preceding arms matched.
func SelectMatmul(caps CapabilitySet, a, b OperandDesc, hints Hints) MatmulDecision {
	wg := defaultWorkgroup(caps, hints)
	single := a.Rows == 1

	if hints.ForceMatmul != nil {
		return MatmulDecision{Variant: *hints.ForceMatmul, Workgroup: wg, SingleRow: single}
	}

	// Tuned variant is a tie-breaker only: honored when the capability rules
	// would also accept it, ignored otherwise.
	if hints.Tuned != nil && hints.Tuned.MatmulVariant != nil {
		if v := *hints.Tuned.MatmulVariant; matmulVariantEligible(caps, a, b, v) {
			return MatmulDecision{Variant: v, Workgroup: wg, SingleRow: single}
		}
	}

	switch {
	case b.DType == Q4K:
		return MatmulDecision{Variant: MatmulQuantFused, Workgroup: wg, SingleRow: single}
	case single && b.DType == F16 && a.DType == F32:
		if caps.SupportsSubgroups {
			return MatmulDecision{Variant: MatmulGemvSubgroup, Workgroup: wg, SingleRow: true}
		}
		return MatmulDecision{Variant: MatmulGemv, Workgroup: wg, SingleRow: true}
	case a.DType == F16 && b.DType == F16 && caps.SupportsF16:
		return MatmulDecision{Variant: MatmulF16, Workgroup: wg, SingleRow: single}
	case b.DType == F16 && a.DType == F32 && caps.SupportsF16:
		return MatmulDecision{Variant: MatmulF16WeightF32Act, Workgroup: wg, SingleRow: single}
	default:
		return MatmulDecision{Variant: MatmulF32, Workgroup: wg, SingleRow: single}
	}
}

// SelectAttention picks the attention tier by head dimension and available
// workgroup shared memory, then binds the KV storage dtype (distinct shader
// entry points: f16 loads need an explicit widen).
func SelectAttention(caps CapabilitySet, headDim int, kvDType DataType, hints Hints) AttentionVariant {
	if hints.ForceAttention != nil {
		return AttentionVariant{Tier: *hints.ForceAttention, KVDType: kvDType}
	}

	var tier AttentionTier
	switch {
	case headDim <= tiledHeadDimMax && caps.MaxSharedMemory >= tiledSharedMemMin:
		tier = AttentionTiled
	case headDim <= smallTiledHeadDimMax && caps.MaxSharedMemory >= smallTiledSharedMemMin:
		tier = AttentionSmallTiled
	default:
		// Online softmax, O(1) extra memory per query position. Required
		// once headDim exceeds what any tile can hold without overflow.
		tier = AttentionStreaming
	}

	// Tuned tier is a tie-breaker only: it may downgrade within the tiers the
	// capability rules allow (a slower-but-tunable tier is always eligible),
	// never select a tier the rules disqualified.
	if hints.Tuned != nil && hints.Tuned.AttentionTier != nil {
		if t := *hints.Tuned.AttentionTier; t >= tier {
			tier = t
		}
	}

	return AttentionVariant{Tier: tier, KVDType: kvDType}
}

// SelectDequant picks the standalone dequantization kernel, most specific
// first; the scalar shared variant is the universal fallback.
func SelectDequant(caps CapabilitySet, outDType DataType, hints Hints) DequantVariant {
	if hints.ForceDequant != nil {
		return *hints.ForceDequant
	}
	f16Out := outDType == F16 && caps.SupportsF16
	switch {
	case caps.SupportsSubgroups && f16Out:
		return DequantSubgroupF16Out
	case caps.SupportsSubgroups:
		return DequantSubgroup
	case f16Out:
		return DequantSharedF16Out
	default:
		return DequantShared
	}
}

func defaultWorkgroup(caps CapabilitySet, hints Hints) uint32 {
	wg := uint32(256)
	if caps.MaxWorkgroupSize < wg {
		wg = caps.MaxWorkgroupSize
	}
	if wg == 0 {
		wg = 1
	}
	if hints.Tuned != nil && hints.Tuned.MatmulWorkgroup > 0 && hints.Tuned.MatmulWorkgroup <= caps.MaxWorkgroupSize {
		wg = hints.Tuned.MatmulWorkgroup
	}
	return wg
}

// Selector binds a capability set and hints so callers do not thread both
// through every dispatch site.
type Selector struct {
	Caps  CapabilitySet
	Hints Hints
}

func (s *Selector) Matmul(a, b OperandDesc) MatmulDecision {
	return SelectMatmul(s.Caps, a, b, s.Hints)
}

func (s *Selector) Attention(headDim int, kvDType DataType) AttentionVariant {
	return SelectAttention(s.Caps, headDim, kvDType, s.Hints)
}

func (s *Selector) Dequant(outDType DataType) DequantVariant {
	return SelectDequant(s.Caps, outDType, s.Hints)
}
