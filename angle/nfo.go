package angle

import "go.viam.com/foc/num"

// NonlinearFlux is a non-linear flux observer. The state is the stator flux normalized by the
// rotor flux linkage so that the fixed-point build keeps its resolution.
type NonlinearFlux[T num.Real[T]] struct {
	r      T
	tByL   T
	lByL   T
	corr   T
	scaler gainScaler[T]
	x      num.AB[T]
	eta    num.AB[T]
	offset T
	last   T
}

// NewNonlinearFlux returns an NFO for the motor described by cfg. cfg.Gain is the observer gain
// γ of the un-normalized model.
func NewNonlinearFlux[T num.Real[T]](cfg Config) *NonlinearFlux[T] {
	lambda := cfg.FluxLinkage
	return &NonlinearFlux[T]{
		r:      num.From[T](cfg.Resistance),
		tByL:   num.From[T](cfg.Period / lambda),
		lByL:   num.From[T](cfg.Inductance / lambda),
		corr:   num.From[T](cfg.Period * cfg.Gain * lambda * lambda / 2),
		scaler: newGainScaler[T](cfg.DutyLow, cfg.DutyHigh, cfg.MinScale),
	}
}

// Reset clears the observer state.
func (n *NonlinearFlux[T]) Reset() {
	n.x = num.AB[T]{}
	n.eta = num.AB[T]{}
}

// Zero takes the present estimate as the reference angle.
func (n *NonlinearFlux[T]) Zero() error {
	n.offset = n.last
	return nil
}

// SetDirection is a no-op: the rotation direction follows from the electrical model.
func (n *NonlinearFlux[T]) SetDirection(num.Direction) {}

// Flux returns the normalized rotor flux estimate.
func (n *NonlinearFlux[T]) Flux() num.AB[T] {
	return n.eta
}

// Run advances the observer by one period.
func (n *NonlinearFlux[T]) Run(in Input[T]) (Estimate[T], error) {
	// y = v - R·i, normalized by λ through tByL.
	yA := in.VAB.Alpha - n.r.Mul(in.IAB.Alpha)
	yB := in.VAB.Beta - n.r.Mul(in.IAB.Beta)

	n.eta.Alpha = n.x.Alpha - n.lByL.Mul(in.IAB.Alpha)
	n.eta.Beta = n.x.Beta - n.lByL.Mul(in.IAB.Beta)
	e := num.From[T](1) - (n.eta.Alpha.Mul(n.eta.Alpha) + n.eta.Beta.Mul(n.eta.Beta))

	k := n.corr.Mul(n.scaler.scale(in.Mod)).Mul(e)
	n.x.Alpha += n.tByL.Mul(yA) + k.Mul(n.eta.Alpha)
	n.x.Beta += n.tByL.Mul(yB) + k.Mul(n.eta.Beta)

	n.last = n.eta.Beta.Atan2(n.eta.Alpha)
	return Estimate[T]{Angle: num.AngleDiff(n.last, n.offset), Kind: KindElectrical}, nil
}

// Close is a no-op.
func (n *NonlinearFlux[T]) Close() error {
	return nil
}
