package angle

import "go.viam.com/foc/num"

// OpenLoop integrates the commanded velocity into an electrical angle.
type OpenLoop[T num.Real[T]] struct {
	invPeriod T
	angle     T
	dir       num.Direction
}

// NewOpenLoop returns an open-loop source integrating every period seconds.
func NewOpenLoop[T num.Real[T]](period float64) *OpenLoop[T] {
	return &OpenLoop[T]{invPeriod: num.From[T](1 / period), dir: num.DirCW}
}

// Reset restarts the ramp at zero.
func (o *OpenLoop[T]) Reset() {
	o.angle = 0
}

// Zero restarts the ramp at zero.
func (o *OpenLoop[T]) Zero() error {
	o.angle = 0
	return nil
}

// SetDirection sets the ramp polarity.
func (o *OpenLoop[T]) SetDirection(dir num.Direction) {
	if dir.Valid() {
		o.dir = dir
	}
}

// Seed moves the ramp to the given angle, used when falling back from an observer.
func (o *OpenLoop[T]) Seed(angle T) {
	o.angle = num.WrapAngle(angle)
}

// Angle returns the present ramp angle.
func (o *OpenLoop[T]) Angle() T {
	return o.angle
}

// Run advances the ramp by one period at the commanded velocity.
func (o *OpenLoop[T]) Run(in Input[T]) (Estimate[T], error) {
	vel := num.Signed(in.Velocity, o.dir)
	o.angle = num.WrapAngle(o.angle + vel.Div(o.invPeriod))
	return Estimate[T]{Angle: o.angle, Kind: KindElectrical, Velocity: vel, VelocityValid: true}, nil
}

// Close is a no-op.
func (o *OpenLoop[T]) Close() error {
	return nil
}
