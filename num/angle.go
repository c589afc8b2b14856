package num

import "math"

// Pi returns π in T.
func Pi[T Real[T]]() T {
	return From[T](math.Pi)
}

// TwoPi returns 2π in T, computed as Pi+Pi so that WrapAngle stays closed in fixed point.
func TwoPi[T Real[T]]() T {
	pi := Pi[T]()
	return pi + pi
}

// HalfPi returns π/2 in T.
func HalfPi[T Real[T]]() T {
	return From[T](math.Pi / 2)
}

// WrapAngle normalizes an angle into [-π, π). It is the only angle normalization used by the
// engine and is idempotent.
func WrapAngle[T Real[T]](a T) T {
	pi := Pi[T]()
	if a >= -pi && a < pi {
		return a
	}
	twoPi := pi + pi
	if a > twoPi+twoPi || a < -(twoPi+twoPi) {
		f := math.Mod(a.Float()+math.Pi, 2*math.Pi)
		if f < 0 {
			f += 2 * math.Pi
		}
		a = From[T](f) - pi
	}
	for a >= pi {
		a -= twoPi
	}
	for a < -pi {
		a += twoPi
	}
	return a
}

// AngleDiff returns the wrapped difference a - b.
func AngleDiff[T Real[T]](a, b T) T {
	return WrapAngle(a - b)
}
