package device

import "math"

// DataType tags the element encoding of a Buffer.
type DataType int

const (
	F32 DataType = iota
	F16
	Q4K
)

func (d DataType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case Q4K:
		return "q4_k"
	}
	return "unknown"
}

// BytesFor returns the storage size of n elements. Q4K stores 256-element
// super-blocks of 144 bytes; n must be a multiple of 256 for Q4K.
func (d DataType) BytesFor(n int) int64 {
	switch d {
	case F32:
		return int64(n) * 4
	case F16:
		return int64(n) * 2
	case Q4K:
		return int64(n) / QK_K * Q4KBlockBytes
	}
	return 0
}

// BufferUsage mirrors the device-side usage flags a buffer was created with.
// A pooled buffer may only satisfy an acquire whose usage is a subset.
type BufferUsage uint8

const (
	UsageStorage BufferUsage = 1 << iota
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// Contains reports whether u covers all flags in req.
func (u BufferUsage) Contains(req BufferUsage) bool {
	return u&req == req
}

// Float32ToFloat16 converts with round-toward-zero and subnormal support.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF

	if exp == 0 {
		return uint16(sign << 15)
	}
	if exp == 255 {
		return uint16(sign<<15) | 0x7C00 | uint16(mant>>13)
	}

	newExp := int(exp) - 127 + 15
	if newExp >= 31 {
		return uint16(sign<<15) | 0x7C00
	}
	if newExp <= 0 {
		if newExp < -10 {
			return uint16(sign << 15)
		}
		m := mant | 0x800000
		shift := uint32(1 - newExp)
		return uint16(sign<<15) | uint16(m>>(13+shift))
	}
	return uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
}

func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	var f32 uint32
	switch {
	case exp == 0:
		if mant == 0 {
			f32 = sign << 31
		} else {
			// Subnormal: normalize.
			shift := uint32(0)
			m := mant
			for m < 0x400 {
				m <<= 1
				shift++
			}
			m = (m & 0x3FF) << 13
			e := uint32(127 - 15 - shift + 1)
			f32 = (sign << 31) | (e << 23) | m
		}
	case exp == 31:
		if mant == 0 {
			f32 = (sign << 31) | 0x7F800000
		} else {
			f32 = (sign << 31) | 0x7F800000 | (mant << 13)
		}
	default:
		newExp := exp - 15 + 127
		f32 = (sign << 31) | (newExp << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}

// F16Encode converts a float32 slice into packed half precision.
func F16Encode(src []float32, dst []uint16) {
	for i, v := range src {
		dst[i] = Float32ToFloat16(v)
	}
}

// F16Decode widens packed half precision back to float32.
func F16Decode(src []uint16, dst []float32) {
	for i, h := range src {
		dst[i] = Float16ToFloat32(h)
	}
}
