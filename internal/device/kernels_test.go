package device

import (
	"errors"
	"math"
	"testing"
)

func TestMatmulKnownProduct(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	a := newF32Buffer(t, b, []float32{1, 2, 3, 4, 5, 6}, "a")        // [2,3]
	bm := newF32Buffer(t, b, []float32{1, 2, 3, 4, 5, 6}, "b")       // [3,2] row-major
	out := newF32Buffer(t, b, make([]float32, 4), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Matmul(MatmulOp{A: a, B: bm, Out: out, M: 2, K: 3, N: 2, Variant: MatmulF32})
	})

	want := []float32{22, 28, 49, 64}
	got := readBack(t, b, out, 4)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestMatmulTransB(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	// Same product, B given in weight layout [N,K].
	a := newF32Buffer(t, b, []float32{1, 2, 3, 4, 5, 6}, "a")
	bt := newF32Buffer(t, b, []float32{1, 3, 5, 2, 4, 6}, "bt")
	out := newF32Buffer(t, b, make([]float32, 4), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Matmul(MatmulOp{A: a, B: bt, Out: out, M: 2, K: 3, N: 2, TransB: true, Variant: MatmulF32})
	})

	want := []float32{22, 28, 49, 64}
	got := readBack(t, b, out, 4)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestMatmulQuantized(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	// One output row whose K=256 weights are Q4_K blocks.
	k := QK_K
	weights := make([]float32, k)
	for i := range weights {
		weights[i] = -0.6 + float32(i%16)*0.08
	}
	blocks, err := QuantizeQ4K(weights, k)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	act := make([]float32, k)
	for i := range act {
		act[i] = 0.01 * float32(i%7)
	}

	a := newF32Buffer(t, b, act, "a")
	wq, err := b.NewBuffer(uint64(len(blocks)), UsageStorage|UsageCopyDst, Q4K, "wq")
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	if err := b.Write(wq, blocks); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := newF32Buffer(t, b, make([]float32, 1), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Matmul(MatmulOp{A: a, B: wq, Out: out, M: 1, K: k, N: 1, TransB: true, Variant: MatmulQuantFused})
	})

	deq := make([]float32, k)
	if err := DequantizeQ4K(blocks, deq, k); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	var want float32
	for i := range act {
		want += act[i] * deq[i]
	}
	got := readBack(t, b, out, 1)
	if !almostEqual(got[0], want, 1e-4) {
		t.Fatalf("got %g, want %g", got[0], want)
	}
}

func TestGatherRows(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	const rows, cols = 4, 8
	table := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			table[i*cols+j] = float32(i) + float32(j)*0.1
		}
	}
	tbl := newF32Buffer(t, b, table, "table")
	out := newF32Buffer(t, b, make([]float32, 2*cols), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Gather(GatherOp{Table: tbl, Out: out, IDs: []int32{1, 3}, Cols: cols, Scale: 1})
	})

	got := readBack(t, b, out, 2*cols)
	for r, id := range []int{1, 3} {
		for j := 0; j < cols; j++ {
			if got[r*cols+j] != table[id*cols+j] {
				t.Fatalf("row %d col %d: %g != %g", r, j, got[r*cols+j], table[id*cols+j])
			}
		}
	}
}

func TestGatherScale(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	tbl := newF32Buffer(t, b, []float32{1, 2, 3, 4}, "table")
	out := newF32Buffer(t, b, make([]float32, 2), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Gather(GatherOp{Table: tbl, Out: out, IDs: []int32{1}, Cols: 2, Scale: 2})
	})

	got := readBack(t, b, out, 2)
	if got[0] != 6 || got[1] != 8 {
		t.Fatalf("scaled gather = %v", got)
	}
}

func TestRMSNorm(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	in := newF32Buffer(t, b, []float32{1, 2, 3, 4}, "in")
	weight := newF32Buffer(t, b, []float32{1, 1, 1, 1}, "w")
	out := newF32Buffer(t, b, make([]float32, 4), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.RMSNorm(RMSNormOp{In: in, Weight: weight, Out: out, Rows: 1, Cols: 4, Eps: 1e-6})
	})

	// rms = sqrt(30/4); with zero weight offset out = v / rms * w.
	rms := float32(math.Sqrt(30.0/4.0 + 1e-6))
	got := readBack(t, b, out, 4)
	for i, v := range []float32{1, 2, 3, 4} {
		if !almostEqual(got[i], v/rms, 1e-5) {
			t.Fatalf("out[%d] = %g, want %g", i, got[i], v/rms)
		}
	}
}

func TestRMSNormWeightOffset(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	in := newF32Buffer(t, b, []float32{2, 2}, "in")
	weight := newF32Buffer(t, b, []float32{0.5, -0.5}, "w")
	out := newF32Buffer(t, b, make([]float32, 2), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.RMSNorm(RMSNormOp{In: in, Weight: weight, Out: out, Rows: 1, Cols: 2, Eps: 0, WeightOffset: 1})
	})

	// Normalized values are 1; the (1+w) convention yields 1.5 and 0.5.
	got := readBack(t, b, out, 2)
	if !almostEqual(got[0], 1.5, 1e-5) || !almostEqual(got[1], 0.5, 1e-5) {
		t.Fatalf("got %v", got)
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	vals := []float32{1, 2, 3, 4}
	buf := newF32Buffer(t, b, vals, "q")
	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Rope(RopeOp{InOut: buf, Positions: []int32{0}, Heads: 1, HeadDim: 4, Base: 10000})
	})

	got := readBack(t, b, buf, 4)
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("position 0 changed values: %v", got)
		}
	}
}

func TestRopeRotatesHalfPairs(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	buf := newF32Buffer(t, b, []float32{1, 0, 0, 0}, "q")
	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Rope(RopeOp{InOut: buf, Positions: []int32{1}, Heads: 1, HeadDim: 4, Base: 10000})
	})

	// Dim 0 pairs with dim 2 at theta = 1: (cos 1, 0, sin 1, 0).
	got := readBack(t, b, buf, 4)
	sin, cos := math.Sincos(1)
	if !almostEqual(got[0], float32(cos), 1e-6) || !almostEqual(got[2], float32(sin), 1e-6) {
		t.Fatalf("got %v", got)
	}
	if got[1] != 0 || got[3] != 0 {
		t.Fatalf("untouched pair moved: %v", got)
	}

	// Norm is preserved under rotation.
	norm := got[0]*got[0] + got[1]*got[1] + got[2]*got[2] + got[3]*got[3]
	if !almostEqual(norm, 1, 1e-6) {
		t.Fatalf("norm = %g", norm)
	}
}

func TestAttentionCausality(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	// Zero keys make every allowed score equal, so token t averages V rows
	// 0..t uniformly. Any leak from a future row shifts the average.
	const tokens, hd = 3, 4
	q := newF32Buffer(t, b, make([]float32, tokens*hd), "q")
	k := newF32Buffer(t, b, make([]float32, tokens*hd), "k")

	vVals := make([]float32, tokens*hd)
	for j := 0; j < tokens; j++ {
		for d := 0; d < hd; d++ {
			vVals[j*hd+d] = float32(j + 1)
		}
	}
	v := newF32Buffer(t, b, vVals, "v")
	out := newF32Buffer(t, b, make([]float32, tokens*hd), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Attention(AttentionOp{
			Q: q, K: k, V: v, Out: out,
			Tokens: tokens, StartPos: 0, SeqLen: tokens,
			Heads: 1, KVHeads: 1, HeadDim: hd, Scale: 0.5,
			Variant: AttentionVariant{Tier: AttentionStreaming, KVDType: F32},
		})
	})

	got := readBack(t, b, out, tokens*hd)
	want := []float32{1, 1.5, 2} // mean of 1..t+1
	for tok := 0; tok < tokens; tok++ {
		for d := 0; d < hd; d++ {
			if !almostEqual(got[tok*hd+d], want[tok], 1e-5) {
				t.Fatalf("token %d dim %d = %g, want %g", tok, d, got[tok*hd+d], want[tok])
			}
		}
	}
}

func TestAttentionSlidingWindowInvariance(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	// Rows older than the window must not affect the output: poisoning them
	// with huge values changes nothing.
	const seqLen, hd, window = 6, 4, 2
	pos := seqLen - 1

	q := newF32Buffer(t, b, []float32{1, 0, 0, 0}, "q")

	run := func(poison bool) []float32 {
		kVals := make([]float32, seqLen*hd)
		vVals := make([]float32, seqLen*hd)
		for j := 0; j < seqLen; j++ {
			for d := 0; d < hd; d++ {
				kVals[j*hd+d] = float32(j) * 0.1
				vVals[j*hd+d] = float32(j)
			}
		}
		if poison {
			for j := 0; j < pos-window; j++ {
				for d := 0; d < hd; d++ {
					kVals[j*hd+d] = 1e6
					vVals[j*hd+d] = -1e6
				}
			}
		}
		k := newF32Buffer(t, b, kVals, "k")
		v := newF32Buffer(t, b, vVals, "v")
		out := newF32Buffer(t, b, make([]float32, hd), "out")
		submitOne(t, b, pool, func(r *Recorder) error {
			return r.Attention(AttentionOp{
				Q: q, K: k, V: v, Out: out,
				Tokens: 1, StartPos: pos, SeqLen: seqLen,
				Heads: 1, KVHeads: 1, HeadDim: hd, Scale: 0.5,
				WindowSize: window,
				Variant:    AttentionVariant{Tier: AttentionStreaming, KVDType: F32},
			})
		})
		return readBack(t, b, out, hd)
	}

	clean := run(false)
	poisoned := run(true)
	for d := 0; d < hd; d++ {
		if clean[d] != poisoned[d] {
			t.Fatalf("dim %d: %g != %g, window leaked old rows", d, clean[d], poisoned[d])
		}
	}
}

func TestAttentionGQAGroups(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	// 2 query heads share 1 KV head; identical queries must agree.
	const hd = 2
	q := newF32Buffer(t, b, []float32{1, 0, 1, 0}, "q")
	k := newF32Buffer(t, b, []float32{0.3, 0.1}, "k")
	v := newF32Buffer(t, b, []float32{5, 7}, "v")
	out := newF32Buffer(t, b, make([]float32, 2*hd), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Attention(AttentionOp{
			Q: q, K: k, V: v, Out: out,
			Tokens: 1, StartPos: 0, SeqLen: 1,
			Heads: 2, KVHeads: 1, HeadDim: hd, Scale: 1,
			Variant: AttentionVariant{Tier: AttentionStreaming, KVDType: F32},
		})
	})

	got := readBack(t, b, out, 2*hd)
	if got[0] != got[2] || got[1] != got[3] {
		t.Fatalf("grouped heads disagree: %v", got)
	}
	if got[0] != 5 || got[1] != 7 {
		t.Fatalf("single-row attention should return V: %v", got)
	}
}

func TestAppendKVGrowth(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	const cols, capacity = 2, 4
	dstK := newF32Buffer(t, b, make([]float32, capacity*cols), "dk")
	dstV := newF32Buffer(t, b, make([]float32, capacity*cols), "dv")

	// Append 2 rows, then 1 more: rows land at offsets 0..2 in order.
	srcK1 := newF32Buffer(t, b, []float32{1, 2, 3, 4}, "k1")
	srcV1 := newF32Buffer(t, b, []float32{5, 6, 7, 8}, "v1")
	submitOne(t, b, pool, func(r *Recorder) error {
		return r.AppendKV(AppendKVOp{SrcK: srcK1, SrcV: srcV1, DstK: dstK, DstV: dstV, Pos: 0, Tokens: 2, Cols: cols, DstDType: F32})
	})

	srcK2 := newF32Buffer(t, b, []float32{9, 10}, "k2")
	srcV2 := newF32Buffer(t, b, []float32{11, 12}, "v2")
	submitOne(t, b, pool, func(r *Recorder) error {
		return r.AppendKV(AppendKVOp{SrcK: srcK2, SrcV: srcV2, DstK: dstK, DstV: dstV, Pos: 2, Tokens: 1, Cols: cols, DstDType: F32})
	})

	gotK := readBack(t, b, dstK, 3*cols)
	wantK := []float32{1, 2, 3, 4, 9, 10}
	for i := range wantK {
		if gotK[i] != wantK[i] {
			t.Fatalf("k[%d] = %g, want %g", i, gotK[i], wantK[i])
		}
	}
}

func TestAppendKVOverflow(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	dstK := newF32Buffer(t, b, make([]float32, 2), "dk") // one row of 2
	dstV := newF32Buffer(t, b, make([]float32, 2), "dv")
	srcK := newF32Buffer(t, b, []float32{1, 2}, "k")
	srcV := newF32Buffer(t, b, []float32{3, 4}, "v")

	r := NewRecorder(b, pool)
	err := r.AppendKV(AppendKVOp{SrcK: srcK, SrcV: srcV, DstK: dstK, DstV: dstV, Pos: 1, Tokens: 1, Cols: 2, DstDType: F32})
	if !errors.Is(err, ErrKVCacheOverflow) {
		t.Fatalf("got %v, want kv cache overflow", err)
	}
}

func TestAppendKVCastsToF16(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	dstK, err := b.NewBuffer(4, UsageStorage|UsageCopySrc, F16, "dk")
	if err != nil {
		t.Fatal(err)
	}
	dstV, err := b.NewBuffer(4, UsageStorage|UsageCopySrc, F16, "dv")
	if err != nil {
		t.Fatal(err)
	}
	srcK := newF32Buffer(t, b, []float32{1.5, -2.25}, "k")
	srcV := newF32Buffer(t, b, []float32{0.5, 3}, "v")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.AppendKV(AppendKVOp{SrcK: srcK, SrcV: srcV, DstK: dstK, DstV: dstV, Pos: 0, Tokens: 1, Cols: 2, DstDType: F16})
	})

	h := f16view(dstK, 2)
	if Float16ToFloat32(h[0]) != 1.5 || Float16ToFloat32(h[1]) != -2.25 {
		t.Fatalf("f16 cache rows wrong: %g %g", Float16ToFloat32(h[0]), Float16ToFloat32(h[1]))
	}
}

func TestGateActSilu(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	gate := newF32Buffer(t, b, []float32{0, 1}, "gate")
	up := newF32Buffer(t, b, []float32{3, 2}, "up")
	out := newF32Buffer(t, b, make([]float32, 2), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.GateAct(GateActOp{Gate: gate, Up: up, Out: out, N: 2, Act: ActSilu})
	})

	got := readBack(t, b, out, 2)
	if got[0] != 0 {
		t.Fatalf("silu(0)*3 = %g", got[0])
	}
	want := float32(1/(1+math.Exp(-1))) * 2
	if !almostEqual(got[1], want, 1e-6) {
		t.Fatalf("silu(1)*2 = %g, want %g", got[1], want)
	}
}

func TestGateActGeluTanh(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	gate := newF32Buffer(t, b, []float32{1}, "gate")
	up := newF32Buffer(t, b, []float32{1}, "up")
	out := newF32Buffer(t, b, make([]float32, 1), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.GateAct(GateActOp{Gate: gate, Up: up, Out: out, N: 1, Act: ActGeluTanh})
	})

	got := readBack(t, b, out, 1)
	want := float32(0.5 * (1 + math.Tanh(0.7978845608028654*(1+0.044715))))
	if !almostEqual(got[0], want, 1e-6) {
		t.Fatalf("gelu(1) = %g, want %g", got[0], want)
	}
}

func TestResidualAndCast(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	x := newF32Buffer(t, b, []float32{1, -2}, "x")
	y := newF32Buffer(t, b, []float32{0.5, 4}, "y")
	sum := newF32Buffer(t, b, make([]float32, 2), "sum")
	half, err := b.NewBuffer(4, UsageStorage, F16, "half")
	if err != nil {
		t.Fatal(err)
	}
	back := newF32Buffer(t, b, make([]float32, 2), "back")

	submitOne(t, b, pool, func(r *Recorder) error {
		if err := r.Residual(ResidualOp{A: x, B: y, Out: sum, N: 2}); err != nil {
			return err
		}
		if err := r.Cast(CastOp{In: sum, Out: half, N: 2}); err != nil {
			return err
		}
		return r.Cast(CastOp{In: half, Out: back, N: 2})
	})

	got := readBack(t, b, back, 2)
	if got[0] != 1.5 || got[1] != 2 {
		t.Fatalf("residual+cast round trip = %v", got)
	}
}

func TestDequantKernelMatchesReference(t *testing.T) {
	b := NewCPUBackend()
	pool := NewPool(b)

	vals := make([]float32, QK_K)
	for i := range vals {
		vals[i] = -0.4 + float32(i%16)*0.05
	}
	blocks, err := QuantizeQ4K(vals, QK_K)
	if err != nil {
		t.Fatal(err)
	}

	in, err := b.NewBuffer(uint64(len(blocks)), UsageStorage|UsageCopyDst, Q4K, "in")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(in, blocks); err != nil {
		t.Fatal(err)
	}
	out := newF32Buffer(t, b, make([]float32, QK_K), "out")

	submitOne(t, b, pool, func(r *Recorder) error {
		return r.Dequant(DequantOp{In: in, Out: out, N: QK_K, Variant: DequantShared})
	})

	want := make([]float32, QK_K)
	if err := DequantizeQ4K(blocks, want, QK_K); err != nil {
		t.Fatal(err)
	}
	got := readBack(t, b, out, QK_K)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d: %g != %g", i, got[i], want[i])
		}
	}
}
