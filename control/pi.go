// Package control implements the scalar control primitives of the engine: a saturating PI
// controller, the setpoint ramp, a first-order low-pass filter and the open-loop to observer
// angle hand-off.
package control

import (
	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// PIConfig configures a PI controller. Ki is expressed per second and is discretized with Period.
type PIConfig struct {
	Kp     float64 `json:"kp"`
	Ki     float64 `json:"ki"`
	Period float64 `json:"-"`
	Min    float64 `json:"-"`
	Max    float64 `json:"-"`
}

// Validate checks the controller configuration.
func (cfg PIConfig) Validate() error {
	if cfg.Kp == 0 && cfg.Ki == 0 {
		return errors.New("pi controller should have at least one of kp or ki set")
	}
	if cfg.Kp < 0 || cfg.Ki < 0 {
		return errors.Errorf("pi controller gains must not be negative, got kp=%v ki=%v", cfg.Kp, cfg.Ki)
	}
	if cfg.Period <= 0 {
		return errors.Errorf("pi controller period must be positive, got %v", cfg.Period)
	}
	if cfg.Min >= cfg.Max {
		return errors.Errorf("pi controller limits are empty: min %v >= max %v", cfg.Min, cfg.Max)
	}
	return nil
}

// PI is a saturating proportional-integral controller. The integrator is clamped to the output
// limits and stops integrating while the output is saturated in the direction of the error.
type PI[T num.Real[T]] struct {
	kp    T
	ki    T
	min   T
	max   T
	integ T
	out   T
	sat   int8
}

// Configure sets gains and limits and resets the controller state.
func (p *PI[T]) Configure(cfg PIConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.kp = num.From[T](cfg.Kp)
	p.ki = num.From[T](cfg.Ki * cfg.Period)
	p.min = num.From[T](cfg.Min)
	p.max = num.From[T](cfg.Max)
	p.Reset()
	return nil
}

// SetLimits changes the output limits without touching the gains. The integrator is clamped into
// the new range.
func (p *PI[T]) SetLimits(lo, hi T) {
	p.min = lo
	p.max = hi
	p.integ = num.Saturate(p.integ, lo, hi)
}

// Reset clears the integrator and the last output.
func (p *PI[T]) Reset() {
	p.integ = 0
	p.out = 0
	p.sat = 0
}

// Preload sets the integrator, clamped to the limits, so that a controller taking over from
// another source starts at that source's output.
func (p *PI[T]) Preload(v T) {
	p.integ = num.Saturate(v, p.min, p.max)
	p.out = p.integ
	p.sat = 0
}

// Run computes one controller step for the given reference and measurement.
func (p *PI[T]) Run(ref, meas T) T {
	e := ref - meas
	if !((p.sat > 0 && e > 0) || (p.sat < 0 && e < 0)) {
		p.integ = num.Saturate(p.integ+p.ki.Mul(e), p.min, p.max)
	}

	out := p.kp.Mul(e) + p.integ
	switch {
	case out > p.max:
		out = p.max
		p.sat = 1
	case out < p.min:
		out = p.min
		p.sat = -1
	default:
		p.sat = 0
	}
	p.out = out
	return out
}

// Output returns the most recent controller output.
func (p *PI[T]) Output() T {
	return p.out
}

// Integral returns the integrator state.
func (p *PI[T]) Integral() T {
	return p.integ
}

// Saturated reports whether the last output hit a limit.
func (p *PI[T]) Saturated() bool {
	return p.sat != 0
}
