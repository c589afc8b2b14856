package routine

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/foc/control"
	"go.viam.com/foc/foc"
	"go.viam.com/foc/num"
)

// Physically plausible bounds of identified parameters.
const (
	resMin  = 1e-3
	resMax  = 100.0
	indMin  = 1e-6
	indMax  = 1.0
	fluxMin = 1e-5
	fluxMax = 1.0

	// minIdentCurrent is the smallest mean current, in amperes, a parameter is derived from.
	minIdentCurrent = 1e-3
)

// IdentConfig configures the identification routine. Step counts are control cycles.
type IdentConfig struct {
	Period float64 `json:"-"`

	IdleSteps int `json:"idle_steps,omitempty"`

	// ResCurrent is the d-axis test current of the resistance stage.
	ResCurrent float64 `json:"res_current"`
	// ResKi is the integral gain of the current lock controller, in V/(A·s).
	ResKi    float64 `json:"res_ki"`
	ResSteps int     `json:"res_steps,omitempty"`
	// VoltLimit bounds every test voltage.
	VoltLimit float64 `json:"volt_limit"`

	// IndVoltage is the amplitude of the square wave of the inductance stage.
	IndVoltage float64 `json:"ind_voltage"`
	IndSteps   int     `json:"ind_steps,omitempty"`

	FluxEnabled bool `json:"flux_enabled,omitempty"`
	// FluxCurrent is the q-axis current of the open-loop flux stage.
	FluxCurrent float64 `json:"flux_current,omitempty"`
	// FluxVelocity is the electrical velocity, in rad/s, the flux stage ramps up to.
	FluxVelocity float64 `json:"flux_velocity,omitempty"`
	FluxAccel    float64 `json:"flux_accel,omitempty"`
	FluxSettle   int     `json:"flux_settle,omitempty"`
	FluxSteps    int     `json:"flux_steps,omitempty"`
}

// WithDefaults fills unset step counts.
func (cfg IdentConfig) WithDefaults() IdentConfig {
	if cfg.IdleSteps == 0 {
		cfg.IdleSteps = 100
	}
	if cfg.ResSteps == 0 {
		cfg.ResSteps = 4000
	}
	if cfg.IndSteps == 0 {
		cfg.IndSteps = 4000
	}
	if cfg.FluxEnabled {
		if cfg.FluxSettle == 0 {
			cfg.FluxSettle = 2000
		}
		if cfg.FluxSteps == 0 {
			cfg.FluxSteps = 2000
		}
		if cfg.FluxCurrent == 0 {
			cfg.FluxCurrent = cfg.ResCurrent
		}
	}
	return cfg
}

// Validate checks the identification configuration.
func (cfg IdentConfig) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("ident period must be positive, got %v", cfg.Period)
	}
	if cfg.ResCurrent <= 0 {
		return errors.Errorf("ident res_current must be positive, got %v", cfg.ResCurrent)
	}
	if cfg.ResKi <= 0 {
		return errors.Errorf("ident res_ki must be positive, got %v", cfg.ResKi)
	}
	if cfg.VoltLimit <= 0 {
		return errors.Errorf("ident volt_limit must be positive, got %v", cfg.VoltLimit)
	}
	if cfg.IndVoltage <= 0 || cfg.IndVoltage > cfg.VoltLimit {
		return errors.Errorf("ident ind_voltage must be in (0, %v], got %v", cfg.VoltLimit, cfg.IndVoltage)
	}
	if cfg.IdleSteps <= 0 || cfg.ResSteps < 2 || cfg.IndSteps < 2 {
		return errors.New("ident step counts must be positive")
	}
	if cfg.FluxEnabled {
		if cfg.FluxVelocity <= 0 || cfg.FluxAccel <= 0 {
			return errors.New("ident flux stage needs a positive flux_velocity and flux_accel")
		}
		if cfg.FluxSettle <= 0 || cfg.FluxSteps <= 0 {
			return errors.New("ident flux step counts must be positive")
		}
	}
	return nil
}

type identStage uint8

const (
	identIdle1 identStage = iota
	identRes
	identIdle2
	identInd
	identFlux
	identIdle3
	identDone
)

// Ident measures phase resistance, inductance and optionally the rotor flux linkage.
type Ident[T num.Real[T]] struct {
	cfg IdentConfig

	stage identStage
	cnt   int

	lock  control.PI[T]
	lockQ control.PI[T]

	// accumulators, in SI units
	sumV     float64
	sumI     float64
	samples  int
	sumHigh  float64
	nHigh    int
	sumLow   float64
	nLow     int
	signHist [2]float64

	// flux stage
	ramp    control.Ramp[T]
	vel     T
	olAngle float64
	sumFlux float64

	result Result
}

// NewIdent returns an identification routine.
func NewIdent[T num.Real[T]](cfg IdentConfig) (*Ident[T], error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := &Ident[T]{cfg: cfg}
	lockCfg := control.PIConfig{Ki: cfg.ResKi, Period: cfg.Period, Min: -cfg.VoltLimit, Max: cfg.VoltLimit}
	if err := id.lock.Configure(lockCfg); err != nil {
		return nil, err
	}
	if err := id.lockQ.Configure(lockCfg); err != nil {
		return nil, err
	}
	if cfg.FluxEnabled {
		rampCfg := control.RampConfig{Period: cfg.Period, Accel: cfg.FluxAccel, Decel: cfg.FluxAccel}
		if err := id.ramp.Configure(rampCfg); err != nil {
			return nil, err
		}
	}
	id.Reset()
	return id, nil
}

// Reset restarts the routine and clears the result.
func (id *Ident[T]) Reset() {
	id.stage = identIdle1
	id.cnt = 0
	id.lock.Reset()
	id.lockQ.Reset()
	id.clearSums()
	id.vel = 0
	id.olAngle = 0
	id.result = Result{}
}

func (id *Ident[T]) clearSums() {
	id.sumV, id.sumI, id.samples = 0, 0, 0
	id.sumHigh, id.nHigh, id.sumLow, id.nLow = 0, 0, 0, 0
	id.signHist = [2]float64{}
	id.sumFlux = 0
}

// Result returns the identified parameters once the routine is done.
func (id *Ident[T]) Result() Result {
	return id.result
}

// Close is a no-op.
func (id *Ident[T]) Close() error {
	return nil
}

func (id *Ident[T]) next(stage identStage) {
	id.stage = stage
	id.cnt = 0
	id.clearSums()
}

// Run steps the routine by one cycle.
func (id *Ident[T]) Run(in Input[T]) (Output[T], Status, error) {
	switch id.stage {
	case identIdle1, identIdle2, identIdle3:
		id.cnt++
		if id.cnt >= id.cfg.IdleSteps {
			switch id.stage {
			case identIdle1:
				id.next(identRes)
			case identIdle2:
				id.next(identInd)
			default:
				id.next(identDone)
				return idle[T](), StatusDone, nil
			}
		}
		return idle[T](), StatusNotDone, nil
	case identRes:
		return id.runResistance(in)
	case identInd:
		return id.runInductance(in)
	case identFlux:
		return id.runFlux(in)
	default:
		return idle[T](), StatusDone, nil
	}
}

// runResistance locks the d-axis current on ResCurrent at angle zero and averages V/I over the
// second half of the stage.
func (id *Ident[T]) runResistance(in Input[T]) (Output[T], Status, error) {
	id.cnt++
	vd := id.lock.Run(num.From[T](id.cfg.ResCurrent), in.FOC.IDQ.D)

	if id.cnt > id.cfg.ResSteps/2 {
		id.sumV += in.FOC.VAB.Alpha.Float()
		id.sumI += in.FOC.IAB.Alpha.Float()
		id.samples++
	}
	if id.cnt < id.cfg.ResSteps {
		return Output[T]{Ref: num.DQ[T]{D: vd}, Mode: foc.ModeVoltage}, StatusNotDone, nil
	}

	meanI := id.sumI / float64(id.samples)
	if math.Abs(meanI) < minIdentCurrent {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentNoCurrent, "resistance stage mean current %g A", meanI)
	}
	r := id.sumV / id.sumI
	if r < resMin || r > resMax {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentOutOfRange, "resistance %g Ω not in [%g, %g]", r, resMin, resMax)
	}
	id.result.Resistance = r
	id.lock.Reset()
	id.next(identIdle2)
	return idle[T](), StatusNotDone, nil
}

// runInductance applies a square wave of ±IndVoltage on the d axis, alternating every cycle.
// Current samples are bucketed by the sign of the voltage that produced them; the measured
// current lags the applied voltage by one cycle and the state it is read from by another.
func (id *Ident[T]) runInductance(in Input[T]) (Output[T], Status, error) {
	id.cnt++
	if id.cnt > 2 {
		i := in.FOC.IDQ.D.Float()
		if id.signHist[0] > 0 {
			id.sumHigh += i
			id.nHigh++
		} else if id.signHist[0] < 0 {
			id.sumLow += i
			id.nLow++
		}
	}

	sign := 1.0
	if id.cnt%2 == 0 {
		sign = -1.0
	}
	id.signHist[0], id.signHist[1] = id.signHist[1], sign

	if id.cnt < id.cfg.IndSteps {
		out := Output[T]{Ref: num.DQ[T]{D: num.From[T](sign * id.cfg.IndVoltage)}, Mode: foc.ModeVoltage}
		return out, StatusNotDone, nil
	}

	if id.nHigh == 0 || id.nLow == 0 {
		return idle[T](), StatusNotDone, errors.Wrap(ErrIdentNoCurrent, "inductance stage has no samples")
	}
	di := id.sumHigh/float64(id.nHigh) - id.sumLow/float64(id.nLow)
	if math.Abs(di) < minIdentCurrent {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentNoCurrent, "inductance stage current ripple %g A", di)
	}
	l := id.cfg.IndVoltage * id.cfg.Period / di
	if l < indMin || l > indMax {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentOutOfRange, "inductance %g H not in [%g, %g]", l, indMin, indMax)
	}
	id.result.Inductance = l
	if id.cfg.FluxEnabled {
		id.next(identFlux)
	} else {
		id.next(identIdle3)
	}
	return idle[T](), StatusNotDone, nil
}

// runFlux spins the motor open loop, driving the q-axis voltage that holds FluxCurrent on the q
// axis and zero current on d. Once at speed the back-EMF magnitude |V - R·I - jωL·I| = ωλ is
// averaged per cycle; it is Vq - R·Iq when the rotor sits on the commanded frame. An open-loop
// rotor hunts around its load angle, so the magnitudes are averaged rather than the vectors.
func (id *Ident[T]) runFlux(in Input[T]) (Output[T], Status, error) {
	dest := num.From[T](id.cfg.FluxVelocity)
	if err := id.ramp.Run(dest, id.vel, &id.vel); err != nil {
		return idle[T](), StatusNotDone, err
	}
	omega := id.vel.Float()
	id.olAngle = math.Remainder(id.olAngle+omega*id.cfg.Period, 2*math.Pi)

	vd := id.lock.Run(0, in.FOC.IDQ.D)
	vq := id.lockQ.Run(num.From[T](id.cfg.FluxCurrent), in.FOC.IDQ.Q)
	out := Output[T]{
		Ref:   num.DQ[T]{D: vd, Q: vq},
		Angle: num.WrapAngle(num.From[T](id.olAngle)),
		Mode:  foc.ModeVoltage,
	}

	if id.vel != dest {
		return out, StatusNotDone, nil
	}
	id.cnt++
	if id.cnt <= id.cfg.FluxSettle {
		return out, StatusNotDone, nil
	}

	r, l := id.result.Resistance, id.result.Inductance
	cd, cq := in.FOC.IDQ.D.Float(), in.FOC.IDQ.Q.Float()
	ed := in.FOC.VDQ.D.Float() - r*cd + omega*l*cq
	eq := in.FOC.VDQ.Q.Float() - r*cq - omega*l*cd
	id.sumFlux += math.Hypot(ed, eq)
	id.sumI += math.Hypot(cd, cq)
	id.samples++
	if id.cnt < id.cfg.FluxSettle+id.cfg.FluxSteps {
		return out, StatusNotDone, nil
	}

	n := float64(id.samples)
	if id.sumI/n < minIdentCurrent {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentNoCurrent, "flux stage mean current %g A", id.sumI/n)
	}
	flux := id.sumFlux / n / math.Abs(omega)
	if flux < fluxMin || flux > fluxMax {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIdentOutOfRange, "flux linkage %g Wb not in [%g, %g]", flux, fluxMin, fluxMax)
	}
	id.result.FluxLinkage = flux
	id.lock.Reset()
	id.lockQ.Reset()
	id.next(identIdle3)
	return idle[T](), StatusNotDone, nil
}
