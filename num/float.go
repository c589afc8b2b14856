package num

import (
	"math"
	"strconv"
)

// Float is the single precision floating-point instantiation of Real.
type Float float32

// Mul returns a·b.
func (a Float) Mul(b Float) Float {
	return a * b
}

// Div returns a/b. Division by zero saturates to ±MaxFloat32 instead of producing Inf.
func (a Float) Div(b Float) Float {
	if b == 0 {
		if a < 0 {
			return -math.MaxFloat32
		}
		return math.MaxFloat32
	}
	return a / b
}

// Float converts to float64.
func (a Float) Float() float64 {
	return float64(a)
}

// FromFloat converts f.
func (Float) FromFloat(f float64) Float {
	return Float(f)
}

// Sin returns sin(a).
func (a Float) Sin() Float {
	return Float(math.Sin(float64(a)))
}

// Cos returns cos(a).
func (a Float) Cos() Float {
	return Float(math.Cos(float64(a)))
}

// Sqrt returns the square root, zero for non-positive input.
func (a Float) Sqrt() Float {
	if a <= 0 {
		return 0
	}
	return Float(math.Sqrt(float64(a)))
}

// Atan2 returns atan2(a, x).
func (a Float) Atan2(x Float) Float {
	return Float(math.Atan2(float64(a), float64(x)))
}

func (a Float) String() string {
	return strconv.FormatFloat(float64(a), 'f', -1, 32)
}
