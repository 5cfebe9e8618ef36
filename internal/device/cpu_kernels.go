package device

import (
	"fmt"
	"math"
)

// Host-side kernel implementations. Shapes are validated by the recorder
// before these run, so they only re-check what they cannot assume.

func cpuMatmul(op MatmulOp) error {
	a := makeLoader(op.A, op.M*op.K)
	out := f32view(op.Out, op.M*op.N)

	var b func(k, n int) float32
	if op.B.DType() == Q4K {
		deq := make([]float32, op.K*op.N)
		raw, err := cpuData(op.B)
		if err != nil {
			return err
		}
		if err := DequantizeQ4K(raw, deq, op.K*op.N); err != nil {
			return err
		}
		b = denseLoader(deq, op.K, op.TransB)
	} else {
		b = denseLoader(makeSlice(op.B, op.K*op.N), op.K, op.TransB)
	}

	for m := 0; m < op.M; m++ {
		for n := 0; n < op.N; n++ {
			var acc float32
			for k := 0; k < op.K; k++ {
				acc += a(m*op.K+k) * b(k, n)
			}
			out[m*op.N+n] = acc
		}
	}
	return nil
}

// makeLoader returns an index-addressed f32 reader over a buffer that may
// store f16.
func makeLoader(b *Buffer, n int) func(i int) float32 {
	if b.DType() == F16 {
		v := f16view(b, n)
		return func(i int) float32 { return Float16ToFloat32(v[i]) }
	}
	v := f32view(b, n)
	return func(i int) float32 { return v[i] }
}

func makeSlice(b *Buffer, n int) []float32 {
	if b.DType() == F16 {
		v := f16view(b, n)
		out := make([]float32, n)
		for i, h := range v {
			out[i] = Float16ToFloat32(h)
		}
		return out
	}
	return f32view(b, n)
}

func denseLoader(data []float32, k int, transB bool) func(kk, n int) float32 {
	if transB {
		return func(kk, n int) float32 { return data[n*k+kk] }
	}
	// row-major [K,N]: N is the row stride, recovered from the data length
	cols := len(data) / k
	return func(kk, n int) float32 { return data[kk*cols+n] }
}

func cpuGather(op GatherOp) error {
	elems := int(op.Table.size / 4)
	if op.Table.DType() == F16 {
		elems = int(op.Table.size / 2)
	}
	table := makeLoader(op.Table, elems)
	out := f32view(op.Out, len(op.IDs)*op.Cols)
	scale := op.Scale
	if scale == 0 {
		scale = 1
	}
	for r, id := range op.IDs {
		base := int(id) * op.Cols
		for j := 0; j < op.Cols; j++ {
			out[r*op.Cols+j] = table(base+j) * scale
		}
	}
	return nil
}

func cpuRMSNorm(op RMSNormOp) error {
	in := f32view(op.In, op.Rows*op.Cols)
	out := f32view(op.Out, op.Rows*op.Cols)
	w := makeLoader(op.Weight, op.Cols)

	for r := 0; r < op.Rows; r++ {
		row := in[r*op.Cols : (r+1)*op.Cols]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ss/float64(op.Cols)+float64(op.Eps)))
		for j, v := range row {
			out[r*op.Cols+j] = v * inv * (op.WeightOffset + w(j))
		}
	}
	return nil
}

func cpuRope(op RopeOp) error {
	half := op.HeadDim / 2
	data := f32view(op.InOut, len(op.Positions)*op.Heads*op.HeadDim)

	for t, pos := range op.Positions {
		for h := 0; h < op.Heads; h++ {
			base := (t*op.Heads + h) * op.HeadDim
			for i := 0; i < half; i++ {
				theta := float64(pos) / math.Pow(float64(op.Base), float64(2*i)/float64(op.HeadDim))
				sin, cos := math.Sincos(theta)
				x1 := data[base+i]
				x2 := data[base+i+half]
				data[base+i] = x1*float32(cos) - x2*float32(sin)
				data[base+i+half] = x1*float32(sin) + x2*float32(cos)
			}
		}
	}
	return nil
}

func cpuAppendKV(op AppendKVOp) error {
	n := op.Tokens * op.Cols
	srcK := f32view(op.SrcK, n)
	srcV := f32view(op.SrcV, n)
	off := op.Pos * op.Cols

	if op.DstDType == F16 {
		dstK := f16view(op.DstK, off+n)
		dstV := f16view(op.DstV, off+n)
		for i := 0; i < n; i++ {
			dstK[off+i] = Float32ToFloat16(srcK[i])
			dstV[off+i] = Float32ToFloat16(srcV[i])
		}
		return nil
	}
	copy(f32view(op.DstK, off+n)[off:], srcK)
	copy(f32view(op.DstV, off+n)[off:], srcV)
	return nil
}

// cpuAttention runs the streaming online-softmax formulation for every
// tier. The tiers differ only in GPU scheduling; the math is identical,
// and keeping one reference path means the tiled shaders are compared
// against exactly this.
func cpuAttention(op AttentionOp) error {
	hd := op.HeadDim
	group := op.Heads / op.KVHeads
	q := f32view(op.Q, op.Tokens*op.Heads*hd)
	out := f32view(op.Out, op.Tokens*op.Heads*hd)

	kvLen := op.SeqLen * op.KVHeads * hd
	var kAt, vAt func(i int) float32
	if op.Variant.KVDType == F16 {
		kv, vv := f16view(op.K, kvLen), f16view(op.V, kvLen)
		kAt = func(i int) float32 { return Float16ToFloat32(kv[i]) }
		vAt = func(i int) float32 { return Float16ToFloat32(vv[i]) }
	} else {
		kv, vv := f32view(op.K, kvLen), f32view(op.V, kvLen)
		kAt = func(i int) float32 { return kv[i] }
		vAt = func(i int) float32 { return vv[i] }
	}

	acc := make([]float32, hd)
	for t := 0; t < op.Tokens; t++ {
		pos := op.StartPos + t
		lo := 0
		if op.WindowSize > 0 && pos-op.WindowSize > 0 {
			lo = pos - op.WindowSize
		}
		for h := 0; h < op.Heads; h++ {
			kvh := h / group
			qBase := (t*op.Heads + h) * hd

			m := float32(math.Inf(-1))
			l := float32(0)
			for i := range acc {
				acc[i] = 0
			}

			for j := lo; j <= pos; j++ {
				kBase := (j*op.KVHeads + kvh) * hd
				var score float32
				for d := 0; d < hd; d++ {
					score += q[qBase+d] * kAt(kBase+d)
				}
				score *= op.Scale

				// Rescale the running accumulator before folding in the new
				// term; reversing this order overflows on long contexts.
				mNew := m
				if score > mNew {
					mNew = score
				}
				rescale := float32(math.Exp(float64(m - mNew)))
				w := float32(math.Exp(float64(score - mNew)))
				l = l*rescale + w
				vBase := (j*op.KVHeads + kvh) * hd
				for d := 0; d < hd; d++ {
					acc[d] = acc[d]*rescale + w*vAt(vBase+d)
				}
				m = mNew
			}

			if l == 0 {
				return fmt.Errorf("attention: empty attended range at pos %d", pos)
			}
			for d := 0; d < hd; d++ {
				out[qBase+d] = acc[d] / l
			}
		}
	}
	return nil
}

func cpuDequant(op DequantOp) error {
	raw, err := cpuData(op.In)
	if err != nil {
		return err
	}
	if op.Variant == DequantSharedF16Out || op.Variant == DequantSubgroupF16Out {
		tmp := make([]float32, op.N)
		if err := DequantizeQ4K(raw, tmp, op.N); err != nil {
			return err
		}
		out := f16view(op.Out, op.N)
		for i, v := range tmp {
			out[i] = Float32ToFloat16(v)
		}
		return nil
	}
	return DequantizeQ4K(raw, f32view(op.Out, op.N), op.N)
}

func cpuResidual(op ResidualOp) error {
	a := f32view(op.A, op.N)
	b := f32view(op.B, op.N)
	out := f32view(op.Out, op.N)
	for i := 0; i < op.N; i++ {
		out[i] = a[i] + b[i]
	}
	return nil
}

func cpuGateAct(op GateActOp) error {
	gate := f32view(op.Gate, op.N)
	up := f32view(op.Up, op.N)
	out := f32view(op.Out, op.N)

	switch op.Act {
	case ActSilu:
		for i := 0; i < op.N; i++ {
			x := float64(gate[i])
			out[i] = float32(x/(1+math.Exp(-x))) * up[i]
		}
	case ActGeluTanh:
		const c = 0.7978845608028654 // sqrt(2/pi)
		for i := 0; i < op.N; i++ {
			x := float64(gate[i])
			g := 0.5 * x * (1 + math.Tanh(c*(x+0.044715*x*x*x)))
			out[i] = float32(g) * up[i]
		}
	default:
		return fmt.Errorf("gate_act: unknown activation %d", op.Act)
	}
	return nil
}

func cpuCast(op CastOp) error {
	if op.In.DType() == F16 {
		in := f16view(op.In, op.N)
		out := f32view(op.Out, op.N)
		for i, h := range in {
			out[i] = Float16ToFloat32(h)
		}
		return nil
	}
	in := f32view(op.In, op.N)
	out := f16view(op.Out, op.N)
	for i, v := range in {
		out[i] = Float32ToFloat16(v)
	}
	return nil
}

func cpuCopy(op CopyOp) error {
	src, err := cpuData(op.Src)
	if err != nil {
		return err
	}
	dst, err := cpuData(op.Dst)
	if err != nil {
		return err
	}
	copy(dst[op.DstOff:op.DstOff+op.Bytes], src[op.SrcOff:op.SrcOff+op.Bytes])
	return nil
}
