package num

import (
	"math"
	"strconv"
)

// Fixed is a signed Q16.16 fixed-point number.
type Fixed int32

const (
	fixedFracBits = 16
	fixedOne      = 1 << fixedFracBits

	// FixedMax and FixedMin are the saturation bounds of Fixed.
	FixedMax Fixed = math.MaxInt32
	FixedMin Fixed = math.MinInt32

	sinTableBits = 10
	sinTableSize = 1 << sinTableBits
)

var (
	fixedTwoPi = int64(Fixed(0).FromFloat(math.Pi)) * 2
	sinTable   [sinTableSize + 1]Fixed
)

func init() {
	for i := range sinTable {
		sinTable[i] = Fixed(0).FromFloat(math.Sin(2 * math.Pi * float64(i) / sinTableSize))
	}
}

func saturate64(v int64) Fixed {
	if v > math.MaxInt32 {
		return FixedMax
	}
	if v < math.MinInt32 {
		return FixedMin
	}
	return Fixed(v)
}

// Mul returns a·b, saturating on overflow.
func (a Fixed) Mul(b Fixed) Fixed {
	return saturate64((int64(a) * int64(b)) >> fixedFracBits)
}

// Div returns a/b. Division by zero saturates towards the sign of a.
func (a Fixed) Div(b Fixed) Fixed {
	if b == 0 {
		if a < 0 {
			return FixedMin
		}
		return FixedMax
	}
	return saturate64((int64(a) << fixedFracBits) / int64(b))
}

// Float converts to float64.
func (a Fixed) Float() float64 {
	return float64(a) / fixedOne
}

// FromFloat converts f, rounding to nearest and saturating.
func (Fixed) FromFloat(f float64) Fixed {
	if math.IsNaN(f) {
		return 0
	}
	return saturate64(int64(math.Round(f * fixedOne)))
}

// Sin uses a 1024 entry table with linear interpolation.
func (a Fixed) Sin() Fixed {
	return fixedSin(int64(a))
}

// Cos returns sin(a + π/2).
func (a Fixed) Cos() Fixed {
	return fixedSin(int64(a) + fixedTwoPi/4)
}

func fixedSin(a int64) Fixed {
	t := a % fixedTwoPi
	if t < 0 {
		t += fixedTwoPi
	}
	pos := t * sinTableSize
	idx := pos / fixedTwoPi
	frac := pos % fixedTwoPi
	s0 := int64(sinTable[idx])
	s1 := int64(sinTable[idx+1])
	return Fixed(s0 + (s1-s0)*frac/fixedTwoPi)
}

// Sqrt returns the square root, zero for non-positive input.
func (a Fixed) Sqrt() Fixed {
	if a <= 0 {
		return 0
	}
	// sqrt(a·2^16)·2^8 keeps the Q16.16 scale: isqrt(a << 16).
	x := uint64(a) << fixedFracBits
	var res uint64
	bit := uint64(1) << 62
	for bit > x {
		bit >>= 2
	}
	for bit != 0 {
		if x >= res+bit {
			x -= res + bit
			res = (res >> 1) + bit
		} else {
			res >>= 1
		}
		bit >>= 2
	}
	return saturate64(int64(res))
}

// Atan2 returns atan2(a, x).
func (a Fixed) Atan2(x Fixed) Fixed {
	return Fixed(0).FromFloat(math.Atan2(a.Float(), x.Float()))
}

func (a Fixed) String() string {
	return strconv.FormatFloat(a.Float(), 'f', 5, 64)
}
