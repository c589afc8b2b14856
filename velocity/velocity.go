// Package velocity implements electrical velocity observers fed with one angle sample per
// control cycle.
package velocity

import (
	"github.com/pkg/errors"

	"go.viam.com/foc/control"
	"go.viam.com/foc/num"
)

// Observer types accepted by New.
const (
	TypeDivider = "div"
	TypePLL     = "pll"
)

// Observer estimates a velocity from angle samples.
type Observer[T num.Real[T]] interface {
	Reset()
	// Run consumes the angle of this cycle and returns the velocity estimate in rad/s.
	Run(angle T) T
	Velocity() T
	Close() error
}

// Config configures any observer variant.
type Config struct {
	Type   string  `json:"type"`
	Period float64 `json:"-"`

	// divider
	Samples int     `json:"samples,omitempty"`
	Cutoff  float64 `json:"cutoff,omitempty"`

	// pll
	Bandwidth float64 `json:"bandwidth,omitempty"`
	Damping   float64 `json:"damping,omitempty"`
}

// Validate checks the fields used by cfg.Type.
func (cfg Config) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("velocity observer period must be positive, got %v", cfg.Period)
	}
	switch cfg.Type {
	case TypeDivider:
		if cfg.Samples <= 0 {
			return errors.Errorf("div velocity observer needs a positive sample count, got %d", cfg.Samples)
		}
	case TypePLL:
		if cfg.Bandwidth <= 0 {
			return errors.Errorf("pll velocity observer bandwidth must be positive, got %v", cfg.Bandwidth)
		}
		if cfg.Damping <= 0 {
			return errors.Errorf("pll velocity observer damping must be positive, got %v", cfg.Damping)
		}
	default:
		return errors.Errorf("unknown velocity observer type %q", cfg.Type)
	}
	return nil
}

// New constructs the observer selected by cfg.Type.
func New[T num.Real[T]](cfg Config) (Observer[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type == TypeDivider {
		return NewDivider[T](cfg.Period, cfg.Samples, cfg.Cutoff), nil
	}
	return NewPLL[T](cfg.Period, cfg.Bandwidth, cfg.Damping), nil
}

// Divider sums the wrapped angle change over a fixed number of samples and divides by the
// elapsed time. The result is low-pass filtered.
type Divider[T num.Real[T]] struct {
	samples int
	invTime T
	filter  *control.LowPass[T]

	last  T
	sum   T
	count int
	init  bool
	vel   T
}

// NewDivider returns a divider observer. A non-positive cutoff disables the output filter.
func NewDivider[T num.Real[T]](period float64, samples int, cutoff float64) *Divider[T] {
	elapsed := period * float64(samples)
	return &Divider[T]{
		samples: samples,
		invTime: num.From[T](1 / elapsed),
		filter:  control.NewLowPass[T](control.LowPassAlpha(cutoff, elapsed)),
	}
}

// Reset clears the accumulated samples and the filter.
func (d *Divider[T]) Reset() {
	d.last = 0
	d.sum = 0
	d.count = 0
	d.init = false
	d.vel = 0
	d.filter.Reset()
}

// Run accumulates one sample. The estimate is refreshed every samples calls.
func (d *Divider[T]) Run(angle T) T {
	if !d.init {
		d.init = true
		d.last = angle
		return d.vel
	}
	d.sum += num.AngleDiff(angle, d.last)
	d.last = angle
	d.count++
	if d.count >= d.samples {
		d.vel = d.filter.Next(d.sum.Mul(d.invTime))
		d.sum = 0
		d.count = 0
	}
	return d.vel
}

// Velocity returns the last estimate.
func (d *Divider[T]) Velocity() T {
	return d.vel
}

// Close is a no-op.
func (d *Divider[T]) Close() error {
	return nil
}

// PLL tracks the angle with a second order loop. Kp = 2ζω and Ki = ω² for bandwidth ω and
// damping ζ. The loop state is the angle increment per sample.
type PLL[T num.Real[T]] struct {
	kpT   T
	kiTT  T
	invT  T
	angle T
	inc   T
	vel   T
	init  bool
}

// NewPLL returns a PLL observer.
func NewPLL[T num.Real[T]](period, bandwidth, damping float64) *PLL[T] {
	return &PLL[T]{
		kpT:  num.From[T](2 * damping * bandwidth * period),
		kiTT: num.From[T](bandwidth * bandwidth * period * period),
		invT: num.From[T](1 / period),
	}
}

// Reset clears the loop state.
func (p *PLL[T]) Reset() {
	p.angle = 0
	p.inc = 0
	p.vel = 0
	p.init = false
}

// Run advances the loop by one sample.
func (p *PLL[T]) Run(angle T) T {
	if !p.init {
		p.init = true
		p.angle = angle
		return p.vel
	}
	// Predict, then correct on the phase error.
	p.angle = num.WrapAngle(p.angle + p.inc)
	e := num.AngleDiff(angle, p.angle)
	p.inc += p.kiTT.Mul(e)
	p.angle = num.WrapAngle(p.angle + p.kpT.Mul(e))
	p.vel = p.inc.Mul(p.invT)
	return p.vel
}

// Velocity returns the last estimate.
func (p *PLL[T]) Velocity() T {
	return p.vel
}

// Angle returns the tracked angle.
func (p *PLL[T]) Angle() T {
	return p.angle
}

// Close is a no-op.
func (p *PLL[T]) Close() error {
	return nil
}
