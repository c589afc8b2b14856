// Package num provides the numeric trait shared by the fixed-point and floating-point builds of
// the control algorithms, plus the vector and angle helpers built on it.
//
// Algorithms are written once against Real and instantiated for Fixed (Q16.16) and Float
// (float32). Addition, subtraction, negation and comparison use the native operators; products
// and quotients must go through Mul and Div so the fixed-point build rescales correctly.
package num

// Real is the numeric trait the control algorithms are generic over.
type Real[T any] interface {
	~int32 | ~float32

	Mul(T) T
	Div(T) T
	Float() float64
	FromFloat(float64) T
	Sin() T
	Cos() T
	Sqrt() T
	// Atan2 returns atan2(receiver, x).
	Atan2(x T) T
}

// From converts a float64 constant or parameter into T.
func From[T Real[T]](f float64) T {
	var zero T
	return zero.FromFloat(f)
}

// FromInt converts an integer into T.
func FromInt[T Real[T]](i int) T {
	return From[T](float64(i))
}

// Abs returns |x|.
func Abs[T Real[T]](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

// Sign returns -1, 0 or 1 as T.
func Sign[T Real[T]](x T) T {
	switch {
	case x > 0:
		return From[T](1)
	case x < 0:
		return From[T](-1)
	}
	return 0
}

// Min returns the smaller of a and b.
func Min[T Real[T]](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Real[T]](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Saturate clamps x into [lo, hi].
func Saturate[T Real[T]](x, lo, hi T) T {
	if x > hi {
		return hi
	}
	if x < lo {
		return lo
	}
	return x
}

// SaturateAbs clamps x into [-limit, limit].
func SaturateAbs[T Real[T]](x, limit T) T {
	return Saturate(x, -limit, limit)
}

// Direction is a rotation or sensor polarity sign.
type Direction int8

// Directions. DirNone is only valid before alignment has run.
const (
	DirNone Direction = 0
	DirCW   Direction = 1
	DirCCW  Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirCW:
		return "CW"
	case DirCCW:
		return "CCW"
	}
	return "none"
}

// Valid reports whether d is CW or CCW.
func (d Direction) Valid() bool {
	return d == DirCW || d == DirCCW
}

// Signed applies the direction to x. DirNone is treated as CW.
func Signed[T Real[T]](x T, d Direction) T {
	if d == DirCCW {
		return -x
	}
	return x
}
