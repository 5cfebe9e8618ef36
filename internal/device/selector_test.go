package device

import "testing"

func fullCaps() CapabilitySet {
	return CapabilitySet{
		SupportsF16:       true,
		SupportsSubgroups: true,
		MaxBufferSize:     1 << 30,
		MaxWorkgroupSize:  256,
		MaxSharedMemory:   64 * 1024,
	}
}

func TestSelectMatmulPrecedence(t *testing.T) {
	caps := fullCaps()

	cases := []struct {
		name string
		a, b OperandDesc
		want MatmulVariant
	}{
		{"quantized wins over everything", OperandDesc{1, 256, F32}, OperandDesc{64, 256, Q4K}, MatmulQuantFused},
		{"single row f16 weights -> subgroup gemv", OperandDesc{1, 64, F32}, OperandDesc{32, 64, F16}, MatmulGemvSubgroup},
		{"both f16", OperandDesc{4, 64, F16}, OperandDesc{32, 64, F16}, MatmulF16},
		{"mixed f16 weights f32 act", OperandDesc{4, 64, F32}, OperandDesc{32, 64, F16}, MatmulF16WeightF32Act},
		{"f32 fallback", OperandDesc{4, 64, F32}, OperandDesc{32, 64, F32}, MatmulF32},
	}
	for _, tc := range cases {
		got := SelectMatmul(caps, tc.a, tc.b, Hints{})
		if got.Variant != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got.Variant, tc.want)
		}
	}
}

func TestSelectMatmulNoSubgroups(t *testing.T) {
	caps := fullCaps()
	caps.SupportsSubgroups = false
	got := SelectMatmul(caps, OperandDesc{1, 64, F32}, OperandDesc{32, 64, F16}, Hints{})
	if got.Variant != MatmulGemv {
		t.Fatalf("got %s, want gemv without subgroups", got.Variant)
	}
}

func TestSelectMatmulNoF16(t *testing.T) {
	caps := fullCaps()
	caps.SupportsF16 = false
	got := SelectMatmul(caps, OperandDesc{4, 64, F32}, OperandDesc{32, 64, F16}, Hints{})
	if got.Variant != MatmulF32 {
		t.Fatalf("got %s, want f32 fallback without f16 support", got.Variant)
	}
}

func TestSelectMatmulDeterministic(t *testing.T) {
	caps := fullCaps()
	a := OperandDesc{3, 128, F32}
	b := OperandDesc{64, 128, F16}
	first := SelectMatmul(caps, a, b, Hints{})
	for i := 0; i < 100; i++ {
		if got := SelectMatmul(caps, a, b, Hints{}); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestSelectMatmulForceBypassesRules(t *testing.T) {
	caps := fullCaps()
	caps.SupportsF16 = false
	force := MatmulF16
	got := SelectMatmul(caps, OperandDesc{4, 64, F32}, OperandDesc{32, 64, F32}, Hints{ForceMatmul: &force})
	if got.Variant != MatmulF16 {
		t.Fatalf("force ignored: got %s", got.Variant)
	}
}

func TestSelectMatmulTunedOnlyWhenEligible(t *testing.T) {
	caps := fullCaps()

	// Eligible: gemv is allowed for single-row f16-weight shapes even when
	// subgroups would normally win.
	tuned := MatmulGemv
	h := Hints{Tuned: &TuneResult{MatmulVariant: &tuned}}
	got := SelectMatmul(caps, OperandDesc{1, 64, F32}, OperandDesc{32, 64, F16}, h)
	if got.Variant != MatmulGemv {
		t.Fatalf("eligible tuned variant ignored: got %s", got.Variant)
	}

	// Ineligible: a quantized B admits only the fused kernel.
	got = SelectMatmul(caps, OperandDesc{1, 256, F32}, OperandDesc{32, 256, Q4K}, h)
	if got.Variant != MatmulQuantFused {
		t.Fatalf("ineligible tuned variant selected: got %s", got.Variant)
	}
}

func TestSelectAttentionTiers(t *testing.T) {
	caps := fullCaps()

	if v := SelectAttention(caps, 64, F32, Hints{}); v.Tier != AttentionTiled {
		t.Fatalf("headDim 64 big shared: got %s", v.Tier)
	}
	if v := SelectAttention(caps, 128, F32, Hints{}); v.Tier != AttentionSmallTiled {
		t.Fatalf("headDim 128: got %s", v.Tier)
	}
	if v := SelectAttention(caps, 512, F32, Hints{}); v.Tier != AttentionStreaming {
		t.Fatalf("headDim 512: got %s", v.Tier)
	}

	caps.MaxSharedMemory = 2048
	if v := SelectAttention(caps, 64, F32, Hints{}); v.Tier != AttentionStreaming {
		t.Fatalf("tiny shared memory: got %s", v.Tier)
	}

	caps = fullCaps()
	caps.MaxSharedMemory = 8 * 1024
	if v := SelectAttention(caps, 64, F32, Hints{}); v.Tier != AttentionSmallTiled {
		t.Fatalf("mid shared memory: got %s", v.Tier)
	}
}

func TestSelectAttentionKVDTypeBinds(t *testing.T) {
	caps := fullCaps()
	v := SelectAttention(caps, 64, F16, Hints{})
	if v.KVDType != F16 {
		t.Fatalf("kv dtype not bound: %s", v.KVDType)
	}
	if v.String() != "attention_tiled_f16kv" {
		t.Fatalf("variant name = %q", v.String())
	}
}

func TestSelectAttentionTunedNeverUpgrades(t *testing.T) {
	caps := fullCaps()

	// Tuned may pick a more universal (higher) tier than the rules chose.
	streaming := AttentionStreaming
	h := Hints{Tuned: &TuneResult{AttentionTier: &streaming}}
	if v := SelectAttention(caps, 64, F32, h); v.Tier != AttentionStreaming {
		t.Fatalf("tuned downgrade ignored: got %s", v.Tier)
	}

	// Tuned may not pick a tier the rules disqualified.
	tiled := AttentionTiled
	h = Hints{Tuned: &TuneResult{AttentionTier: &tiled}}
	if v := SelectAttention(caps, 512, F32, h); v.Tier != AttentionStreaming {
		t.Fatalf("tuned upgrade accepted: got %s", v.Tier)
	}
}

func TestSelectDequant(t *testing.T) {
	caps := fullCaps()
	if v := SelectDequant(caps, F16, Hints{}); v != DequantSubgroupF16Out {
		t.Fatalf("got %s", v)
	}
	if v := SelectDequant(caps, F32, Hints{}); v != DequantSubgroup {
		t.Fatalf("got %s", v)
	}
	caps.SupportsSubgroups = false
	if v := SelectDequant(caps, F16, Hints{}); v != DequantSharedF16Out {
		t.Fatalf("got %s", v)
	}
	caps.SupportsF16 = false
	if v := SelectDequant(caps, F16, Hints{}); v != DequantShared {
		t.Fatalf("f16 out without f16 support: got %s", v)
	}
}

func TestDefaultWorkgroupClamped(t *testing.T) {
	caps := fullCaps()
	caps.MaxWorkgroupSize = 64
	got := SelectMatmul(caps, OperandDesc{1, 8, F32}, OperandDesc{8, 8, F32}, Hints{})
	if got.Workgroup != 64 {
		t.Fatalf("workgroup = %d, want clamped 64", got.Workgroup)
	}

	// Tuned workgroup above the device limit is ignored.
	h := Hints{Tuned: &TuneResult{MatmulWorkgroup: 256}}
	got = SelectMatmul(caps, OperandDesc{1, 8, F32}, OperandDesc{8, 8, F32}, h)
	if got.Workgroup != 64 {
		t.Fatalf("oversized tuned workgroup accepted: %d", got.Workgroup)
	}
}

func TestParseVariantNames(t *testing.T) {
	for v := MatmulF32; v <= MatmulQuantFused; v++ {
		got, err := ParseMatmulVariant(v.String())
		if err != nil || got != v {
			t.Fatalf("round trip %s: %v", v, err)
		}
	}
	if _, err := ParseMatmulVariant("matmul_bogus"); err == nil {
		t.Fatal("want error for unknown variant")
	}
	for tier := AttentionTiled; tier <= AttentionStreaming; tier++ {
		got, err := ParseAttentionTier(tier.String())
		if err != nil || got != tier {
			t.Fatalf("round trip %s: %v", tier, err)
		}
	}
	for v := DequantShared; v <= DequantSubgroupF16Out; v++ {
		got, err := ParseDequantVariant(v.String())
		if err != nil || got != v {
			t.Fatalf("round trip %s: %v", v, err)
		}
	}
}
