package control

import (
	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// BlendState is the state of the open-loop to observer angle hand-off.
type BlendState uint8

// Blend states.
const (
	// BlendEnabled uses the open-loop angle.
	BlendEnabled BlendState = iota
	// BlendTransitioning uses the observer angle plus the decaying hand-off error.
	BlendTransitioning
	// BlendDisabled uses the observer angle only.
	BlendDisabled
)

func (s BlendState) String() string {
	switch s {
	case BlendEnabled:
		return "enabled"
	case BlendTransitioning:
		return "transitioning"
	case BlendDisabled:
		return "disabled"
	}
	return "unknown"
}

// BlendConfig configures the hand-off. On and Off are absolute velocity thresholds (rad/s,
// electrical) with On > Off for hysteresis. Cycles is the number of control cycles over which the
// hand-off error is bled off.
type BlendConfig struct {
	On     float64
	Off    float64
	Cycles int
}

// Validate checks the hand-off configuration.
func (cfg BlendConfig) Validate() error {
	if cfg.On <= 0 {
		return errors.Errorf("open-loop hand-off threshold must be positive, got %v", cfg.On)
	}
	if cfg.Off < 0 || cfg.Off >= cfg.On {
		return errors.Errorf("open-loop release threshold must be in [0, %v), got %v", cfg.On, cfg.Off)
	}
	if cfg.Cycles < 0 {
		return errors.Errorf("hand-off cycles must not be negative, got %d", cfg.Cycles)
	}
	return nil
}

// Bleed returns the part of the hand-off error still applied after elapsed of total cycles. It
// decreases linearly from err to zero.
func Bleed[T num.Real[T]](err T, elapsed, total int) T {
	if total <= 0 || elapsed >= total {
		return 0
	}
	if elapsed <= 0 {
		return err
	}
	return err.Mul(num.From[T](float64(total-elapsed) / float64(total)))
}

// Blend switches the angle source from the open-loop ramp to the observer once the shaft is
// fast enough, without stepping the angle.
type Blend[T num.Real[T]] struct {
	on      T
	off     T
	cycles  int
	state   BlendState
	err     T
	elapsed int
}

// Configure applies the configuration and resets the hand-off to BlendEnabled.
func (b *Blend[T]) Configure(cfg BlendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.on = num.From[T](cfg.On)
	b.off = num.From[T](cfg.Off)
	b.cycles = cfg.Cycles
	b.Reset()
	return nil
}

// Reset returns to open-loop operation.
func (b *Blend[T]) Reset() {
	b.state = BlendEnabled
	b.err = 0
	b.elapsed = 0
}

// State returns the current hand-off state.
func (b *Blend[T]) State() BlendState {
	return b.state
}

// Run selects the angle for this cycle from the open-loop and observer angles given the present
// velocity.
func (b *Blend[T]) Run(openloop, observer, vel T) (T, BlendState) {
	speed := num.Abs(vel)

	switch b.state {
	case BlendEnabled:
		if speed < b.on {
			return num.WrapAngle(openloop), b.state
		}
		b.err = num.AngleDiff(openloop, observer)
		b.elapsed = 0
		b.state = BlendTransitioning
		if b.cycles == 0 {
			b.state = BlendDisabled
			return num.WrapAngle(observer), b.state
		}
		return num.WrapAngle(observer + b.err), b.state
	case BlendTransitioning:
		if speed < b.off {
			b.Reset()
			return num.WrapAngle(openloop), b.state
		}
		b.elapsed++
		if b.elapsed >= b.cycles {
			b.state = BlendDisabled
			b.err = 0
			return num.WrapAngle(observer), b.state
		}
		return num.WrapAngle(observer + Bleed(b.err, b.elapsed, b.cycles)), b.state
	default:
		if speed < b.off {
			b.Reset()
			return num.WrapAngle(openloop), b.state
		}
		return num.WrapAngle(observer), b.state
	}
}
