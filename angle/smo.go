package angle

import (
	"math"

	"go.viam.com/foc/control"
	"go.viam.com/foc/num"
)

const (
	// smoBoundary is the smallest current error, in amperes, at which the switching term
	// saturates. It is widened to gain·period/L so the discrete observer stays stable.
	smoBoundary = 0.1
	// defaultObserverCutoff is the back-EMF filter cutoff when none is configured.
	defaultObserverCutoff = 500.0
)

// SlidingMode is a sliding-mode current observer. The switching term that keeps the modelled
// current on the measured one is low-pass filtered into a back-EMF estimate, whose direction is
// the rotor angle.
type SlidingMode[T num.Real[T]] struct {
	f        T
	g        T
	gain     T
	invPhi   T
	cutoff   float64
	scaler   gainScaler[T]
	filtA    *control.LowPass[T]
	filtB    *control.LowPass[T]
	iEst     num.AB[T]
	emf      num.AB[T]
	offset   T
	lastRaw  T
	lagLimit float64
}

// NewSlidingMode returns an SMO for the motor described by cfg.
func NewSlidingMode[T num.Real[T]](cfg Config) *SlidingMode[T] {
	cutoff := cfg.FilterCutoff
	if cutoff <= 0 {
		cutoff = defaultObserverCutoff
	}
	alpha := control.LowPassAlpha(cutoff, cfg.Period)
	phi := math.Max(smoBoundary, cfg.Gain*cfg.Period/cfg.Inductance)
	return &SlidingMode[T]{
		f:        num.From[T](1 - cfg.Resistance*cfg.Period/cfg.Inductance),
		g:        num.From[T](cfg.Period / cfg.Inductance),
		gain:     num.From[T](cfg.Gain),
		invPhi:   num.From[T](1 / phi),
		cutoff:   2 * math.Pi * cutoff,
		scaler:   newGainScaler[T](cfg.DutyLow, cfg.DutyHigh, cfg.MinScale),
		filtA:    control.NewLowPass[T](alpha),
		filtB:    control.NewLowPass[T](alpha),
		lagLimit: math.Pi / 2,
	}
}

// Reset clears the observer state.
func (s *SlidingMode[T]) Reset() {
	s.iEst = num.AB[T]{}
	s.emf = num.AB[T]{}
	s.filtA.Reset()
	s.filtB.Reset()
}

// Zero takes the present estimate as the reference angle.
func (s *SlidingMode[T]) Zero() error {
	s.offset = s.lastRaw
	return nil
}

// SetDirection is a no-op: the rotation direction follows from the electrical model.
func (s *SlidingMode[T]) SetDirection(num.Direction) {}

// EMF returns the filtered back-EMF estimate.
func (s *SlidingMode[T]) EMF() num.AB[T] {
	return s.emf
}

// Run advances the observer by one period.
func (s *SlidingMode[T]) Run(in Input[T]) (Estimate[T], error) {
	k := s.gain.Mul(s.scaler.scale(in.Mod))
	one := num.From[T](1)

	zA := k.Mul(num.SaturateAbs((s.iEst.Alpha - in.IAB.Alpha).Mul(s.invPhi), one))
	zB := k.Mul(num.SaturateAbs((s.iEst.Beta - in.IAB.Beta).Mul(s.invPhi), one))

	s.iEst.Alpha = s.f.Mul(s.iEst.Alpha) + s.g.Mul(in.VAB.Alpha-zA)
	s.iEst.Beta = s.f.Mul(s.iEst.Beta) + s.g.Mul(in.VAB.Beta-zB)

	s.emf.Alpha = s.filtA.Next(zA)
	s.emf.Beta = s.filtB.Next(zB)

	raw := (-s.emf.Alpha).Atan2(s.emf.Beta)
	if in.Dir == num.DirCCW {
		raw += num.Pi[T]()
	}
	// The back-EMF filter delays the estimate by atan(ω/ωc).
	lag := math.Min(math.Atan(math.Abs(in.Velocity.Float())/s.cutoff), s.lagLimit)
	if in.Dir == num.DirCCW {
		lag = -lag
	}
	raw = num.WrapAngle(raw + num.From[T](lag))
	s.lastRaw = raw

	return Estimate[T]{Angle: num.AngleDiff(raw, s.offset), Kind: KindElectrical}, nil
}

// Close is a no-op.
func (s *SlidingMode[T]) Close() error {
	return nil
}
