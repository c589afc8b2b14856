package foc

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// Method selects the modulation algorithm.
type Method uint8

// Modulation methods.
const (
	// ModulationSVM is space-vector modulation implemented as min-max zero-sequence injection.
	ModulationSVM Method = iota
	// ModulationSine is plain sinusoidal modulation.
	ModulationSine
)

func (m Method) String() string {
	switch m {
	case ModulationSVM:
		return "svm"
	case ModulationSine:
		return "sine"
	}
	return "unknown"
}

// MethodFromString parses a modulation method name.
func MethodFromString(s string) (Method, error) {
	switch s {
	case "", "svm":
		return ModulationSVM, nil
	case "sine":
		return ModulationSine, nil
	}
	return 0, errors.Errorf("unknown modulation method %q", s)
}

// linearLimit returns the largest voltage vector length the method reproduces without
// distortion for the given bus voltage.
func (m Method) linearLimit() float64 {
	if m == ModulationSine {
		return 0.5
	}
	return 1 / math.Sqrt(3)
}

type modulator[T num.Real[T]] struct {
	method  Method
	dutyMax T
	limit   T
	half    T
}

func newModulator[T num.Real[T]](method Method, dutyMax float64) modulator[T] {
	return modulator[T]{
		method:  method,
		dutyMax: num.From[T](dutyMax),
		limit:   num.From[T](method.linearLimit()),
		half:    num.From[T](0.5),
	}
}

// maxVoltage returns the circle limit of the voltage vector.
func (m *modulator[T]) maxVoltage(vbus T) T {
	return vbus.Mul(m.limit)
}

// duty converts an alpha-beta voltage into per-phase duty fractions in [0, dutyMax]. It returns
// the phase voltages referred to the star point.
func (m *modulator[T]) duty(vab num.AB[T], vbus T) (num.ABC[T], num.ABC[T]) {
	vabc := num.InvClarke(vab)
	var offset T
	if m.method == ModulationSVM {
		hi := num.Max(vabc[0], num.Max(vabc[1], vabc[2]))
		lo := num.Min(vabc[0], num.Min(vabc[1], vabc[2]))
		offset = -(hi + lo).Mul(m.half)
	}

	var duty num.ABC[T]
	for i, v := range vabc {
		duty[i] = num.Saturate(m.half+(v+offset).Div(vbus), 0, m.dutyMax)
	}
	return duty, vabc
}

// Sector returns the space-vector sector (1..6) of an alpha-beta vector, or 0 for the zero vector.
func Sector[T num.Real[T]](v num.AB[T]) int {
	if v.Alpha == 0 && v.Beta == 0 {
		return 0
	}
	sqrt3 := num.From[T](math.Sqrt(3))
	a := v.Beta
	b := v.Alpha.Mul(sqrt3) - v.Beta
	c := -v.Alpha.Mul(sqrt3) - v.Beta

	n := 0
	if a > 0 {
		n |= 1
	}
	if b > 0 {
		n |= 2
	}
	if c > 0 {
		n |= 4
	}
	return [8]int{0, 2, 6, 1, 4, 3, 5, 0}[n]
}
