// Package foc implements the per-cycle field-oriented current/voltage controller and its
// modulation stage.
package foc

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/foc/control"
	"go.viam.com/foc/num"
)

// Mode selects what the handler does with the d-q reference.
type Mode uint8

// Handler modes.
const (
	// ModeUnset is the zero value. Running the handler with it is an error.
	ModeUnset Mode = iota
	// ModeIdle forces zero duty and leaves the controller untouched.
	ModeIdle
	// ModeCurrent closes d-q current loops on the reference.
	ModeCurrent
	// ModeVoltage applies the reference as a d-q voltage.
	ModeVoltage
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeIdle:
		return "idle"
	case ModeCurrent:
		return "current"
	case ModeVoltage:
		return "voltage"
	}
	return "unknown"
}

var (
	// ErrModeUnset is returned when the handler runs without a mode. The caller owns forcing
	// duty to zero in that case.
	ErrModeUnset = errors.New("foc handler mode is not set")
	// ErrNotConfigured is returned when the handler runs before Configure.
	ErrNotConfigured = errors.New("foc handler is not configured")
)

// ControllerConfig holds the gains of both current loops.
type ControllerConfig struct {
	Kp     float64
	Ki     float64
	Period float64
}

// ModulationConfig describes the modulation stage and the current sense scaling of the device.
type ModulationConfig struct {
	Method Method
	// DutyMax is the largest duty fraction the device accepts, in (0, 1].
	DutyMax float64
	// DutyFull is the register value of a 100% duty cycle.
	DutyFull uint32
	// CurrentScale converts raw current samples into amperes.
	CurrentScale float64
}

// Validate checks the modulation configuration.
func (cfg ModulationConfig) Validate() error {
	if cfg.DutyMax <= 0 || cfg.DutyMax > 1 {
		return errors.Errorf("duty max must be in (0, 1], got %v", cfg.DutyMax)
	}
	if cfg.DutyFull == 0 {
		return errors.New("duty full scale must be set")
	}
	if cfg.CurrentScale <= 0 {
		return errors.Errorf("current scale must be positive, got %v", cfg.CurrentScale)
	}
	return nil
}

// Input is one cycle's worth of handler input.
type Input[T num.Real[T]] struct {
	// Currents are raw phase current samples.
	Currents [num.Phases]int32
	// Ref is the d-q current (ModeCurrent) or voltage (ModeVoltage) reference.
	Ref num.DQ[T]
	// Comp is a d-q voltage added after the current controller.
	Comp  num.DQ[T]
	Angle T
	Vbus  T
	Mode  Mode
}

// State is the per-cycle snapshot of the handler. It is overwritten every cycle.
type State[T num.Real[T]] struct {
	IABC num.ABC[T]
	VABC num.ABC[T]
	IAB  num.AB[T]
	VAB  num.AB[T]
	IDQ  num.DQ[T]
	VDQ  num.DQ[T]
	// Scale is the modulation magnitude |Vαβ| over the linear voltage limit, in [0, 1].
	Scale T
	// Sector is the space-vector sector of Vαβ, 0 when no voltage is applied.
	Sector int
	Duty   num.ABC[T]
}

// Handler is the FOC current/voltage controller. It is owned by a single control thread.
type Handler[T num.Real[T]] struct {
	idCtrl   control.PI[T]
	iqCtrl   control.PI[T]
	mod      modulator[T]
	iScale   T
	dutyFull float64
	state    State[T]
	ready    bool
}

// Configure sets the controller gains and modulation parameters and resets the controller.
func (h *Handler[T]) Configure(ctrl ControllerConfig, mod ModulationConfig) error {
	if err := mod.Validate(); err != nil {
		return err
	}
	pi := control.PIConfig{Kp: ctrl.Kp, Ki: ctrl.Ki, Period: ctrl.Period, Min: -1, Max: 1}
	if err := h.idCtrl.Configure(pi); err != nil {
		return errors.Wrap(err, "d axis current controller")
	}
	if err := h.iqCtrl.Configure(pi); err != nil {
		return errors.Wrap(err, "q axis current controller")
	}
	h.mod = newModulator[T](mod.Method, mod.DutyMax)
	h.iScale = num.From[T](mod.CurrentScale)
	h.dutyFull = float64(mod.DutyFull)
	h.state = State[T]{}
	h.ready = true
	return nil
}

// Reset clears the controller integrators and the state snapshot.
func (h *Handler[T]) Reset() {
	h.idCtrl.Reset()
	h.iqCtrl.Reset()
	h.state = State[T]{}
}

// State returns a copy of the last cycle's state.
func (h *Handler[T]) State() State[T] {
	return h.state
}

// MaxVoltage returns the linear voltage limit for the given bus voltage.
func (h *Handler[T]) MaxVoltage(vbus T) T {
	return h.mod.maxVoltage(vbus)
}

// Run executes one control cycle and returns the duty register values of each phase.
func (h *Handler[T]) Run(in Input[T]) ([num.Phases]uint32, error) {
	var out [num.Phases]uint32
	if !h.ready {
		return out, ErrNotConfigured
	}
	if in.Mode == ModeUnset {
		return out, ErrModeUnset
	}

	sin, cos := in.Angle.Sin(), in.Angle.Cos()
	st := &h.state
	for i, c := range in.Currents {
		st.IABC[i] = num.FromInt[T](int(c)).Mul(h.iScale)
	}
	st.IAB = num.Clarke(st.IABC)
	st.IDQ = num.Park(st.IAB, sin, cos)

	if in.Mode == ModeIdle || in.Vbus <= 0 {
		h.zeroOutput()
		return out, nil
	}

	vmax := h.mod.maxVoltage(in.Vbus)
	var vdq num.DQ[T]
	switch in.Mode {
	case ModeCurrent:
		h.idCtrl.SetLimits(-vmax, vmax)
		h.iqCtrl.SetLimits(-vmax, vmax)
		vdq.D = h.idCtrl.Run(in.Ref.D, st.IDQ.D)
		vdq.Q = h.iqCtrl.Run(in.Ref.Q, st.IDQ.Q)
	case ModeVoltage:
		vdq = in.Ref
	default:
		return out, errors.Errorf("unsupported foc handler mode %d", in.Mode)
	}
	vdq = vdq.Add(in.Comp)

	// Circle limit: keep the vector inside the linear region.
	mag := vdq.Magnitude()
	if mag > vmax {
		vdq = vdq.Scale(vmax.Div(mag))
		mag = vmax
	}
	st.VDQ = vdq
	st.VAB = num.InvPark(vdq, sin, cos)
	st.Scale = num.Saturate(mag.Div(vmax), 0, num.From[T](1))
	st.Sector = Sector(st.VAB)
	st.Duty, st.VABC = h.mod.duty(st.VAB, in.Vbus)

	for i, d := range st.Duty {
		out[i] = uint32(math.Round(d.Float() * h.dutyFull))
	}
	return out, nil
}

func (h *Handler[T]) zeroOutput() {
	st := &h.state
	st.VABC = num.ABC[T]{}
	st.VAB = num.AB[T]{}
	st.VDQ = num.DQ[T]{}
	st.Duty = num.ABC[T]{}
	st.Scale = 0
	st.Sector = 0
}
