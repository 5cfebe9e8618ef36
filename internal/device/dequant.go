package device

import "fmt"

// Q4_K super-block layout: 256 values in 144 bytes. Two f16 super-scales
// (d for the 6-bit sub-block scales, dmin for the 6-bit sub-block minima),
// 12 bytes of packed 6-bit scale/min pairs for the 8 sub-blocks of 32, then
// 128 bytes of 4-bit codes. Decoded value: d*sc*q - dmin*m. The minimum term
// is SUBTRACTED; flipping that sign decodes negative-heavy tensors as garbage
// while leaving all-positive test data untouched.
const (
	QK_K          = 256
	Q4KBlockBytes = 144

	q4kSubBlocks   = 8
	q4kSubBlockLen = 32
)

// unpackScaleMin extracts the 6-bit (scale, min) pair for sub-block j from
// the 12 packed bytes. The first four pairs live in the low 6 bits of bytes
// 0..7; the last four are split across the high 2 bits of those and the
// nibbles of bytes 8..11.
func unpackScaleMin(j int, packed []byte) (sc, mn uint8) {
	if j < 4 {
		return packed[j] & 63, packed[j+4] & 63
	}
	sc = (packed[j+4] & 0x0F) | ((packed[j-4] >> 6) << 4)
	mn = (packed[j+4] >> 4) | ((packed[j] >> 6) << 4)
	return sc, mn
}

func packScaleMin(j int, sc, mn uint8, packed []byte) {
	if j < 4 {
		packed[j] |= sc & 63
		packed[j+4] |= mn & 63
		return
	}
	packed[j+4] |= (sc & 0x0F) | ((mn & 0x0F) << 4)
	packed[j-4] |= (sc >> 4) << 6
	packed[j] |= (mn >> 4) << 6
}

// DequantizeQ4K decodes n values (n must be a multiple of QK_K) from src
// into dst. This is the CPU reference the GPU dequant kernels are checked
// against.
func DequantizeQ4K(src []byte, dst []float32, n int) error {
	if n%QK_K != 0 {
		return fmt.Errorf("dequantize q4_k: length %d not a multiple of %d", n, QK_K)
	}
	blocks := n / QK_K
	if len(src) < blocks*Q4KBlockBytes {
		return fmt.Errorf("dequantize q4_k: need %d bytes, have %d", blocks*Q4KBlockBytes, len(src))
	}
	if len(dst) < n {
		return fmt.Errorf("dequantize q4_k: dst holds %d, need %d", len(dst), n)
	}

	for b := 0; b < blocks; b++ {
		blk := src[b*Q4KBlockBytes:]
		d := Float16ToFloat32(uint16(blk[0]) | uint16(blk[1])<<8)
		dmin := Float16ToFloat32(uint16(blk[2]) | uint16(blk[3])<<8)
		packed := blk[4:16]
		qs := blk[16:144]

		out := dst[b*QK_K:]
		oi := 0
		for j := 0; j < q4kSubBlocks; j += 2 {
			sc1, mn1 := unpackScaleMin(j, packed)
			sc2, mn2 := unpackScaleMin(j+1, packed)
			d1, m1 := d*float32(sc1), dmin*float32(mn1)
			d2, m2 := d*float32(sc2), dmin*float32(mn2)
			q := qs[(j/2)*q4kSubBlockLen:]
			for l := 0; l < q4kSubBlockLen; l++ {
				out[oi] = d1*float32(q[l]&0x0F) - m1
				oi++
			}
			for l := 0; l < q4kSubBlockLen; l++ {
				out[oi] = d2*float32(q[l]>>4) - m2
				oi++
			}
		}
	}
	return nil
}

// QuantizeQ4K encodes n float32 values (a multiple of QK_K) into Q4_K
// blocks. Per sub-block it fits an affine map onto [0,15]; the sub-block
// scales and minima are then themselves quantized to 6 bits against two
// per-block f16 super-scales.
func QuantizeQ4K(src []float32, n int) ([]byte, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("quantize q4_k: length %d not a multiple of %d", n, QK_K)
	}
	if len(src) < n {
		return nil, fmt.Errorf("quantize q4_k: src holds %d, need %d", len(src), n)
	}
	blocks := n / QK_K
	out := make([]byte, blocks*Q4KBlockBytes)

	var scales, mins [q4kSubBlocks]float32
	for b := 0; b < blocks; b++ {
		vals := src[b*QK_K : (b+1)*QK_K]

		maxScale, maxMin := float32(0), float32(0)
		for j := 0; j < q4kSubBlocks; j++ {
			sub := vals[j*q4kSubBlockLen : (j+1)*q4kSubBlockLen]
			lo, hi := sub[0], sub[0]
			for _, v := range sub[1:] {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			if lo > 0 {
				lo = 0
			}
			scales[j] = (hi - lo) / 15
			mins[j] = -lo
			if scales[j] > maxScale {
				maxScale = scales[j]
			}
			if mins[j] > maxMin {
				maxMin = mins[j]
			}
		}

		d := maxScale / 63
		dmin := maxMin / 63
		blk := out[b*Q4KBlockBytes:]
		dh := Float32ToFloat16(d)
		dmh := Float32ToFloat16(dmin)
		blk[0], blk[1] = byte(dh), byte(dh>>8)
		blk[2], blk[3] = byte(dmh), byte(dmh>>8)
		d = Float16ToFloat32(dh)
		dmin = Float16ToFloat32(dmh)

		packed := blk[4:16]
		qs := blk[16:144]
		for j := 0; j < q4kSubBlocks; j++ {
			sc := quant6(scales[j], d)
			mn := quant6(mins[j], dmin)
			packScaleMin(j, sc, mn, packed)

			subScale := d * float32(sc)
			subMin := dmin * float32(mn)
			sub := vals[j*q4kSubBlockLen : (j+1)*q4kSubBlockLen]
			for l, v := range sub {
				q := uint8(0)
				if subScale != 0 {
					q = clampQ4((v + subMin) / subScale)
				}
				idx := (j/2)*q4kSubBlockLen + l
				if j%2 == 0 {
					qs[idx] |= q & 0x0F
				} else {
					qs[idx] |= (q & 0x0F) << 4
				}
			}
		}
	}
	return out, nil
}

func quant6(v, step float32) uint8 {
	if step == 0 {
		return 0
	}
	q := int(v/step + 0.5)
	if q < 0 {
		q = 0
	}
	if q > 63 {
		q = 63
	}
	return uint8(q)
}

func clampQ4(v float32) uint8 {
	q := int(v + 0.5)
	if q < 0 {
		q = 0
	}
	if q > 15 {
		q = 15
	}
	return uint8(q)
}
