// Package angle implements the rotor angle sources: an open-loop ramp, hall sensors, a quadrature
// encoder and two sensorless observers.
//
// Every source returns its angle normalized by num.WrapAngle. Run must be called at most once per
// control cycle.
package angle

import (
	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// Kind tells whether an estimate is an electrical or a mechanical angle.
type Kind uint8

// Angle kinds.
const (
	KindElectrical Kind = iota
	KindMechanical
)

func (k Kind) String() string {
	if k == KindMechanical {
		return "mechanical"
	}
	return "electrical"
}

// Source types accepted by New.
const (
	TypeOpenLoop = "openloop"
	TypeHall     = "hall"
	TypeQEnco    = "qenco"
	TypeSMO      = "smo"
	TypeNFO      = "nfo"
)

// Input is the per-cycle input of a source. Each variant reads the fields it needs.
type Input[T num.Real[T]] struct {
	// Velocity is the commanded electrical velocity in rad/s, used by the open-loop source.
	Velocity T
	// Last is the angle used on the previous cycle.
	Last T
	// Dir is the commanded rotation direction.
	Dir num.Direction
	// IAB and VAB are the measured current and applied voltage of the previous cycle.
	IAB num.AB[T]
	VAB num.AB[T]
	// Mod is the modulation magnitude in [0, 1].
	Mod T
	// Hall is the hall sensor code.
	Hall uint8
	// Position is the encoder count.
	Position int32
}

// Estimate is the output of a source.
type Estimate[T num.Real[T]] struct {
	Angle T
	Kind  Kind
	// Velocity is the electrical velocity estimate in rad/s when VelocityValid is set.
	Velocity      T
	VelocityValid bool
}

// Source produces a rotor angle each control cycle.
type Source[T num.Real[T]] interface {
	// Reset clears the source state but keeps offset and direction.
	Reset()
	// Zero makes the present position the reference angle. It must be called before first use
	// and after every re-alignment.
	Zero() error
	// SetDirection sets the sensor polarity.
	SetDirection(dir num.Direction)
	Run(in Input[T]) (Estimate[T], error)
	Close() error
}

// Config configures any source variant. Fields not used by the selected Type are ignored.
type Config struct {
	Type   string  `json:"type"`
	Period float64 `json:"-"`

	// hall
	HallInterpolate bool `json:"hall_interpolate,omitempty"`
	HallStallCycles int  `json:"hall_stall_cycles,omitempty"`

	// qenco
	EncoderMax int32 `json:"encoder_max,omitempty"`

	// observers
	Resistance   float64 `json:"resistance,omitempty"`
	Inductance   float64 `json:"inductance,omitempty"`
	FluxLinkage  float64 `json:"flux_linkage,omitempty"`
	Gain         float64 `json:"gain,omitempty"`
	FilterCutoff float64 `json:"filter_cutoff,omitempty"`
	DutyLow      float64 `json:"duty_low,omitempty"`
	DutyHigh     float64 `json:"duty_high,omitempty"`
	MinScale     float64 `json:"min_scale,omitempty"`
}

// Validate checks the fields used by cfg.Type.
func (cfg Config) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("angle source period must be positive, got %v", cfg.Period)
	}
	switch cfg.Type {
	case TypeOpenLoop, TypeHall:
	case TypeQEnco:
		if cfg.EncoderMax <= 0 {
			return errors.Errorf("qenco angle source needs a positive encoder_max, got %d", cfg.EncoderMax)
		}
	case TypeSMO, TypeNFO:
		if cfg.Resistance <= 0 || cfg.Inductance <= 0 {
			return errors.Errorf("%s angle source needs positive resistance and inductance", cfg.Type)
		}
		if cfg.Type == TypeNFO && cfg.FluxLinkage <= 0 {
			return errors.New("nfo angle source needs a positive flux_linkage")
		}
		if cfg.Gain <= 0 {
			return errors.Errorf("%s angle source gain must be positive, got %v", cfg.Type, cfg.Gain)
		}
		if cfg.DutyHigh < cfg.DutyLow {
			return errors.Errorf("duty_high %v must not be below duty_low %v", cfg.DutyHigh, cfg.DutyLow)
		}
		if cfg.MinScale < 0 || cfg.MinScale > 1 {
			return errors.Errorf("min_scale must be in [0, 1], got %v", cfg.MinScale)
		}
	default:
		return errors.Errorf("unknown angle source type %q", cfg.Type)
	}
	return nil
}

// New constructs the source selected by cfg.Type.
func New[T num.Real[T]](cfg Config) (Source[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeOpenLoop:
		return NewOpenLoop[T](cfg.Period), nil
	case TypeHall:
		return NewHall[T](cfg.Period, cfg.HallInterpolate, cfg.HallStallCycles), nil
	case TypeQEnco:
		return NewQuadEncoder[T](cfg.EncoderMax), nil
	case TypeSMO:
		return NewSlidingMode[T](cfg), nil
	default:
		return NewNonlinearFlux[T](cfg), nil
	}
}

// gainScaler attenuates an observer gain as the modulation magnitude grows: full gain up to low,
// minScale from high on, linear in between.
type gainScaler[T num.Real[T]] struct {
	low      T
	high     T
	minScale T
	slope    T
	enabled  bool
}

func newGainScaler[T num.Real[T]](low, high, minScale float64) gainScaler[T] {
	g := gainScaler[T]{
		low:      num.From[T](low),
		high:     num.From[T](high),
		minScale: num.From[T](minScale),
		enabled:  high > 0,
	}
	if high > low {
		g.slope = num.From[T]((1 - minScale) / (high - low))
	}
	return g
}

func (g *gainScaler[T]) scale(mod T) T {
	one := num.From[T](1)
	if !g.enabled || mod <= g.low {
		return one
	}
	if mod >= g.high {
		return g.minScale
	}
	return one - (mod - g.low).Mul(g.slope)
}
