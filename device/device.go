// Package device defines the contract between the control threads and the power stage driver.
// Implementations exchange raw current samples and duty cycle registers with hardware.
package device

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"

	"go.viam.com/foc/num"
)

// ErrAgain is returned by a non-blocking State call when no new samples are available. It is
// not an error condition for the control loop.
var ErrAgain = errors.New("device: no new samples")

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New("device: closed")

// State is one sample set from the device.
type State struct {
	// Currents are raw phase current samples, converted by Info.CurrentScale.
	Currents [num.Phases]int32
	// Fault is set while the power stage reports a fault.
	Fault bool
	// Hall is the three-bit hall sensor code, 0 when not fitted.
	Hall uint8
	// Position is the quadrature encoder count.
	Position int32
	// Index is set while the encoder index pulse is active.
	Index bool
	// Vbus is the measured bus voltage in volts, 0 when not measured.
	Vbus float64
}

// Params are the per-cycle outputs written to the device.
type Params struct {
	Duty [num.Phases]uint32
}

// Config configures the device timing.
type Config struct {
	PWMFreq      physic.Frequency
	NotifierFreq physic.Frequency
}

// Validate checks the timing configuration.
func (cfg Config) Validate() error {
	if cfg.PWMFreq <= 0 {
		return errors.New("pwm frequency must be positive")
	}
	if cfg.NotifierFreq <= 0 {
		return errors.New("notifier frequency must be positive")
	}
	if cfg.NotifierFreq > cfg.PWMFreq {
		return errors.Errorf("notifier frequency %s must not exceed pwm frequency %s", cfg.NotifierFreq, cfg.PWMFreq)
	}
	return nil
}

// Info describes the hardware scale factors.
type Info struct {
	// CurrentScale converts raw current samples into amperes.
	CurrentScale float64
	// DutyMax is the largest duty fraction the power stage accepts.
	DutyMax float64
	// DutyFull is the register value of a 100% duty cycle.
	DutyFull uint32
	// EncoderMax is the number of encoder counts per mechanical revolution, 0 when not fitted.
	EncoderMax int32
}

// Device is an opened power stage. State blocks until a new sample set is available or ctx is
// done. All methods are called from the owning control thread only.
type Device interface {
	State(ctx context.Context) (State, error)
	SetParams(ctx context.Context, params Params) error
	SetConfig(ctx context.Context, cfg Config) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ClearFault(ctx context.Context) error
	Info(ctx context.Context) (Info, error)
	Close(ctx context.Context) error
}

// Opener opens the device of one motor instance.
type Opener func(ctx context.Context, id int) (Device, error)
