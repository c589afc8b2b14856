package control

import (
	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// RampConfig configures a Ramp. Accel and Decel are in setpoint units per second.
type RampConfig struct {
	Period    float64
	Threshold float64
	Accel     float64
	Decel     float64
}

// Validate checks the ramp configuration.
func (cfg RampConfig) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("ramp period must be positive, got %v", cfg.Period)
	}
	if cfg.Accel <= 0 {
		return errors.Errorf("ramp acceleration must be positive, got %v", cfg.Accel)
	}
	if cfg.Decel <= 0 {
		return errors.Errorf("ramp deceleration must be positive, got %v", cfg.Decel)
	}
	if cfg.Threshold < 0 {
		return errors.Errorf("ramp threshold must not be negative, got %v", cfg.Threshold)
	}
	return nil
}

// Ramp limits how fast a set point follows its destination. Growing magnitude moves by at most
// Accel·Period per call, shrinking magnitude by at most Decel·Period. A sign reversal first
// decelerates to zero.
type Ramp[T num.Real[T]] struct {
	threshold T
	accStep   T
	decStep   T
	config    bool
}

// Configure applies the configuration and resets the ramp.
func (r *Ramp[T]) Configure(cfg RampConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.threshold = num.From[T](cfg.Threshold)
	r.accStep = num.From[T](cfg.Accel * cfg.Period)
	r.decStep = num.From[T](cfg.Decel * cfg.Period)
	r.config = true
	return nil
}

// AccelStep returns the per-call magnitude increase.
func (r *Ramp[T]) AccelStep() T {
	return r.accStep
}

// DecelStep returns the per-call magnitude decrease.
func (r *Ramp[T]) DecelStep() T {
	return r.decStep
}

// Run moves *set towards dest. now is the measured value of the ramped quantity. It does not
// move the set point: a ramp started on a spinning shaft still leaves zero at Accel·Period.
func (r *Ramp[T]) Run(dest, now T, set *T) error {
	if !r.config {
		return errors.New("ramp is not configured")
	}
	if set == nil {
		return errors.New("ramp set point is nil")
	}

	cur := *set
	if num.Abs(dest-cur) <= r.threshold {
		*set = dest
		return nil
	}

	switch {
	case cur != 0 && num.Sign(dest) != num.Sign(cur):
		// Stopping or reversing: bring the magnitude down to zero first.
		if num.Abs(cur) <= r.decStep {
			*set = 0
			return nil
		}
		*set = cur - num.Signed(r.decStep, signDir(cur))
	case num.Abs(dest) > num.Abs(cur):
		next := cur + num.Signed(r.accStep, signDir(dest))
		if num.Abs(next) > num.Abs(dest) {
			next = dest
		}
		*set = next
	default:
		next := cur - num.Signed(r.decStep, signDir(cur))
		if num.Abs(next) < num.Abs(dest) {
			next = dest
		}
		*set = next
	}
	return nil
}

func signDir[T num.Real[T]](x T) num.Direction {
	if x < 0 {
		return num.DirCCW
	}
	return num.DirCW
}
