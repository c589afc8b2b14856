package num

import "math"

// Phases is the number of motor phases handled by the engine.
const Phases = 3

// ABC is a three-phase quantity.
type ABC[T Real[T]] [Phases]T

// AB is a stationary-frame (alpha-beta) vector.
type AB[T Real[T]] struct {
	Alpha T
	Beta  T
}

// DQ is a rotor-frame (d-q) vector.
type DQ[T Real[T]] struct {
	D T
	Q T
}

// Magnitude returns sqrt(x² + y²).
func Magnitude[T Real[T]](x, y T) T {
	return (x.Mul(x) + y.Mul(y)).Sqrt()
}

// Magnitude returns the length of the vector.
func (v AB[T]) Magnitude() T {
	return Magnitude(v.Alpha, v.Beta)
}

// Magnitude returns the length of the vector.
func (v DQ[T]) Magnitude() T {
	return Magnitude(v.D, v.Q)
}

// Scale multiplies both components by k.
func (v DQ[T]) Scale(k T) DQ[T] {
	return DQ[T]{D: v.D.Mul(k), Q: v.Q.Mul(k)}
}

// Add returns v + o.
func (v DQ[T]) Add(o DQ[T]) DQ[T] {
	return DQ[T]{D: v.D + o.D, Q: v.Q + o.Q}
}

// Rotate rotates v by the angle whose sine and cosine are given.
func Rotate[T Real[T]](v AB[T], sin, cos T) AB[T] {
	return AB[T]{
		Alpha: v.Alpha.Mul(cos) - v.Beta.Mul(sin),
		Beta:  v.Alpha.Mul(sin) + v.Beta.Mul(cos),
	}
}

// Clarke transforms three phase values into the alpha-beta frame (amplitude invariant).
func Clarke[T Real[T]](abc ABC[T]) AB[T] {
	third := From[T](1.0 / 3.0)
	invSqrt3 := From[T](1 / math.Sqrt(3))
	return AB[T]{
		Alpha: (abc[0] + abc[0] - abc[1] - abc[2]).Mul(third),
		Beta:  (abc[1] - abc[2]).Mul(invSqrt3),
	}
}

// InvClarke transforms an alpha-beta vector back into phase values.
func InvClarke[T Real[T]](ab AB[T]) ABC[T] {
	half := From[T](0.5)
	sqrt3by2 := From[T](math.Sqrt(3) / 2)
	a := ab.Alpha
	halfA := a.Mul(half)
	b := ab.Beta.Mul(sqrt3by2)
	return ABC[T]{a, -halfA + b, -halfA - b}
}

// Park transforms an alpha-beta vector into the d-q frame.
func Park[T Real[T]](ab AB[T], sin, cos T) DQ[T] {
	return DQ[T]{
		D: ab.Alpha.Mul(cos) + ab.Beta.Mul(sin),
		Q: ab.Beta.Mul(cos) - ab.Alpha.Mul(sin),
	}
}

// InvPark transforms a d-q vector into the alpha-beta frame.
func InvPark[T Real[T]](dq DQ[T], sin, cos T) AB[T] {
	return AB[T]{
		Alpha: dq.D.Mul(cos) - dq.Q.Mul(sin),
		Beta:  dq.D.Mul(sin) + dq.Q.Mul(cos),
	}
}
