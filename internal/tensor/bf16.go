package tensor

import "math"

// F32ToBF16 converts with round-to-nearest-even. bfloat16 keeps the float32
// exponent, so the conversion is a mantissa truncation plus rounding.
func F32ToBF16(f float32) uint16 {
	b := math.Float32bits(f)
	if b&0x7fffffff > 0x7f800000 {
		// NaN: truncate and force a mantissa bit so it stays NaN.
		return uint16(b>>16) | 0x0040
	}
	return uint16((b + 0x7fff + ((b >> 16) & 1)) >> 16)
}

// BF16ToF32 widens by zero-filling the low mantissa bits.
func BF16ToF32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
