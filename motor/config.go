package motor

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/physic"

	"go.viam.com/foc/angle"
	"go.viam.com/foc/control"
	"go.viam.com/foc/device"
	"go.viam.com/foc/foc"
	"go.viam.com/foc/routine"
	"go.viam.com/foc/utils"
	"go.viam.com/foc/velocity"
)

// SetpointMax is the setpoint payload that maps to the full configured velocity or torque.
const SetpointMax = 1_000_000

// Mode selects what the setpoint controls, or a commissioning-only run.
type Mode string

// Motor modes.
const (
	ModeTorque   Mode = "torque"
	ModeVelocity Mode = "velocity"
	ModePosition Mode = "position"
	ModeAlign    Mode = "align"
	ModeIdent    Mode = "ident"
)

// Control modes of the current stage while running.
const (
	CtrlCurrent = "current"
	CtrlVoltage = "voltage"
)

// ErrUnsupportedMode is returned when a motor is configured for position control.
var ErrUnsupportedMode = errors.New("unsupported motor mode")

// Config is the flat parameter block of one motor instance.
type Config struct {
	PWMFreq      float64 `json:"pwm_freq,omitempty"`
	NotifierFreq float64 `json:"notifier_freq,omitempty"`
	MotorMode    Mode    `json:"motor_mode"`
	CtrlMode     string  `json:"ctrl_mode,omitempty"`
	Modulation   string  `json:"modulation,omitempty"`
	DutyMax      float64 `json:"duty_max,omitempty"`
	PolePairs    int     `json:"pole_pairs"`

	// Motor parameters, replaced by identified values when identification runs.
	Resistance  float64 `json:"resistance,omitempty"`
	Inductance  float64 `json:"inductance,omitempty"`
	FluxLinkage float64 `json:"flux_linkage,omitempty"`

	CurrentKp   float64 `json:"current_kp,omitempty"`
	CurrentKi   float64 `json:"current_ki,omitempty"`
	FeedForward bool    `json:"feed_forward,omitempty"`

	// VelMax is the velocity at full setpoint in thousandths of electrical rad/s.
	VelMax float64 `json:"vel_max,omitempty"`
	// TorqMax is the q current at full setpoint in milliamperes. It also bounds the velocity
	// controller output.
	TorqMax       float64 `json:"torq_max,omitempty"`
	VelKp         float64 `json:"vel_kp,omitempty"`
	VelKi         float64 `json:"vel_ki,omitempty"`
	VelDiv        int     `json:"vel_div,omitempty"`
	RampThreshold float64 `json:"ramp_thr,omitempty"`
	RampAccel     float64 `json:"ramp_acc,omitempty"`
	RampDecel     float64 `json:"ramp_dec,omitempty"`

	AngleType        string  `json:"angle_type"`
	HallInterpolate  bool    `json:"hall_interpolate,omitempty"`
	HallStallCycles  int     `json:"hall_stall_cycles,omitempty"`
	EncoderMax       int32   `json:"encoder_max,omitempty"`
	ObserverGain     float64 `json:"observer_gain,omitempty"`
	ObserverCutoff   float64 `json:"observer_cutoff,omitempty"`
	ObserverDutyLow  float64 `json:"observer_duty_low,omitempty"`
	ObserverDutyHigh float64 `json:"observer_duty_high,omitempty"`
	ObserverMinScale float64 `json:"observer_min_scale,omitempty"`

	// Open-loop start of sensorless configurations.
	OLCurrent       float64 `json:"ol_current,omitempty"`
	OLHandoffOn     float64 `json:"ol_handoff_on,omitempty"`
	OLHandoffOff    float64 `json:"ol_handoff_off,omitempty"`
	OLHandoffCycles int     `json:"ol_handoff_cycles,omitempty"`

	VelObserver  string  `json:"vel_observer,omitempty"`
	VelSamples   int     `json:"vel_samples,omitempty"`
	VelCutoff    float64 `json:"vel_cutoff,omitempty"`
	VelBandwidth float64 `json:"vel_bandwidth,omitempty"`
	VelDamping   float64 `json:"vel_damping,omitempty"`

	Align            bool    `json:"align,omitempty"`
	AlignVolt        float64 `json:"align_volt,omitempty"`
	AlignOffsetSteps int     `json:"align_offset_steps,omitempty"`
	AlignHoldSteps   int     `json:"align_hold_steps,omitempty"`
	AlignMoveSteps   int     `json:"align_move_steps,omitempty"`
	AlignSettleSteps int     `json:"align_settle_steps,omitempty"`
	AlignIndex       bool    `json:"align_index,omitempty"`

	Ident             bool    `json:"ident,omitempty"`
	IdentIdleSteps    int     `json:"ident_idle_steps,omitempty"`
	IdentResCurrent   float64 `json:"ident_res_current,omitempty"`
	IdentResKi        float64 `json:"ident_res_ki,omitempty"`
	IdentResSteps     int     `json:"ident_res_steps,omitempty"`
	IdentVoltLimit    float64 `json:"ident_volt_limit,omitempty"`
	IdentIndVoltage   float64 `json:"ident_ind_voltage,omitempty"`
	IdentIndSteps     int     `json:"ident_ind_steps,omitempty"`
	IdentFlux         bool    `json:"ident_flux,omitempty"`
	IdentFluxVelocity float64 `json:"ident_flux_velocity,omitempty"`
	IdentFluxAccel    float64 `json:"ident_flux_accel,omitempty"`
}

// NewConfig decodes a parameter block and fills defaults. It does not validate.
func NewConfig(attrs utils.AttributeMap) (Config, error) {
	var cfg Config
	if err := attrs.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding motor config")
	}
	return cfg.withDefaults(), nil
}

func (cfg Config) withDefaults() Config {
	if cfg.PWMFreq == 0 {
		cfg.PWMFreq = 20000
	}
	if cfg.NotifierFreq == 0 {
		cfg.NotifierFreq = 10000
	}
	if cfg.CtrlMode == "" {
		cfg.CtrlMode = CtrlCurrent
	}
	if cfg.VelDiv == 0 {
		cfg.VelDiv = 1
	}
	if cfg.VelObserver == velocity.TypeDivider && cfg.VelSamples == 0 {
		cfg.VelSamples = 10
	}
	if cfg.VelObserver == velocity.TypePLL && cfg.VelDamping == 0 {
		cfg.VelDamping = 1
	}
	switch cfg.MotorMode {
	case ModeAlign:
		cfg.Align = true
	case ModeIdent:
		cfg.Ident = true
	}
	return cfg
}

// Period returns the control period in seconds.
func (cfg Config) Period() float64 {
	return 1 / cfg.NotifierFreq
}

// DeviceConfig returns the device timing.
func (cfg Config) DeviceConfig() device.Config {
	return device.Config{
		PWMFreq:      physic.Frequency(cfg.PWMFreq * float64(physic.Hertz)),
		NotifierFreq: physic.Frequency(cfg.NotifierFreq * float64(physic.Hertz)),
	}
}

// Sensorless reports whether the angle comes from an observer, started open loop.
func (cfg Config) Sensorless() bool {
	return cfg.AngleType == angle.TypeSMO || cfg.AngleType == angle.TypeNFO
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	switch cfg.MotorMode {
	case "":
		return goutils.NewConfigValidationFieldRequiredError(path, "motor_mode")
	case ModeTorque, ModeVelocity, ModeAlign, ModeIdent:
	case ModePosition:
		return goutils.NewConfigValidationError(path, errors.Wrap(ErrUnsupportedMode, string(cfg.MotorMode)))
	default:
		return goutils.NewConfigValidationError(path, errors.Wrapf(ErrUnsupportedMode, "%q", cfg.MotorMode))
	}
	if cfg.AngleType == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "angle_type")
	}
	if cfg.PolePairs <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "pole_pairs")
	}
	if err := cfg.DeviceConfig().Validate(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if cfg.DutyMax < 0 || cfg.DutyMax > 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("duty_max must be in [0, 1], got %v", cfg.DutyMax))
	}
	if _, err := foc.MethodFromString(cfg.Modulation); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}

	if cfg.CtrlMode != CtrlCurrent && cfg.CtrlMode != CtrlVoltage {
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown ctrl_mode %q", cfg.CtrlMode))
	}
	if err := (control.PIConfig{Kp: cfg.CurrentKp, Ki: cfg.CurrentKi, Period: cfg.Period(), Min: -1, Max: 1}).Validate(); err != nil {
		return goutils.NewConfigValidationError(path, errors.Wrap(err, "current controller"))
	}

	if cfg.runs() {
		if err := cfg.validateRun(path); err != nil {
			return err
		}
	}
	if cfg.Align {
		if cfg.AngleType != angle.TypeHall && cfg.AngleType != angle.TypeQEnco {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("alignment needs a hall or qenco angle source, got %q", cfg.AngleType))
		}
		if err := cfg.alignConfig().WithDefaults().Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	if cfg.Ident {
		if err := cfg.identConfig().WithDefaults().Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	return nil
}

// runs reports whether the instance goes on to normal operation after commissioning.
func (cfg Config) runs() bool {
	return cfg.MotorMode == ModeTorque || cfg.MotorMode == ModeVelocity
}

func (cfg *Config) validateRun(path string) error {
	if cfg.TorqMax <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "torq_max")
	}
	if cfg.AngleType == angle.TypeOpenLoop && cfg.MotorMode != ModeVelocity {
		return goutils.NewConfigValidationError(path, errors.New("openloop angle source needs velocity mode"))
	}
	acfg := cfg.angleConfig(cfg.Resistance, cfg.Inductance, cfg.FluxLinkage)
	if cfg.Ident && cfg.Sensorless() {
		// observers are built from the identified parameters
		acfg.Resistance, acfg.Inductance = 1, 1
		if cfg.IdentFlux {
			acfg.FluxLinkage = 1
		}
	}
	if err := acfg.Validate(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if cfg.MotorMode == ModeVelocity {
		if cfg.VelMax <= 0 {
			return goutils.NewConfigValidationFieldRequiredError(path, "vel_max")
		}
		if err := cfg.rampConfig().Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
		if cfg.AngleType != angle.TypeOpenLoop {
			if err := cfg.velConfig().Validate(); err != nil {
				return goutils.NewConfigValidationError(path, errors.Wrap(err, "velocity controller"))
			}
		}
		if cfg.VelDiv < 1 {
			return goutils.NewConfigValidationError(path, errors.Errorf("vel_div must be at least 1, got %d", cfg.VelDiv))
		}
	}
	if cfg.Sensorless() || cfg.AngleType == angle.TypeOpenLoop {
		if cfg.OLCurrent <= 0 {
			return goutils.NewConfigValidationFieldRequiredError(path, "ol_current")
		}
	}
	if cfg.Sensorless() {
		if err := cfg.blendConfig().Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
		if cfg.VelObserver == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, "vel_observer")
		}
	}
	if cfg.VelObserver != "" {
		if err := cfg.velObserverConfig().Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	if cfg.FeedForward && cfg.Inductance <= 0 && !cfg.Ident {
		return goutils.NewConfigValidationError(path, errors.New("feed_forward needs the motor inductance"))
	}
	return nil
}

func (cfg Config) angleConfig(r, l, flux float64) angle.Config {
	return angle.Config{
		Type:            cfg.AngleType,
		Period:          cfg.Period(),
		HallInterpolate: cfg.HallInterpolate,
		HallStallCycles: cfg.HallStallCycles,
		EncoderMax:      cfg.EncoderMax,
		Resistance:      r,
		Inductance:      l,
		FluxLinkage:     flux,
		Gain:            cfg.ObserverGain,
		FilterCutoff:    cfg.ObserverCutoff,
		DutyLow:         cfg.ObserverDutyLow,
		DutyHigh:        cfg.ObserverDutyHigh,
		MinScale:        cfg.ObserverMinScale,
	}
}

func (cfg Config) velObserverConfig() velocity.Config {
	return velocity.Config{
		Type:      cfg.VelObserver,
		Period:    cfg.Period(),
		Samples:   cfg.VelSamples,
		Cutoff:    cfg.VelCutoff,
		Bandwidth: cfg.VelBandwidth,
		Damping:   cfg.VelDamping,
	}
}

func (cfg Config) torqMax() float64 {
	return cfg.TorqMax / 1000
}

func (cfg Config) velMax() float64 {
	return cfg.VelMax / 1000
}

func (cfg Config) currentConfig() foc.ControllerConfig {
	return foc.ControllerConfig{Kp: cfg.CurrentKp, Ki: cfg.CurrentKi, Period: cfg.Period()}
}

func (cfg Config) velConfig() control.PIConfig {
	return control.PIConfig{
		Kp:     cfg.VelKp,
		Ki:     cfg.VelKi,
		Period: cfg.Period() * float64(cfg.VelDiv),
		Min:    -cfg.torqMax(),
		Max:    cfg.torqMax(),
	}
}

func (cfg Config) rampConfig() control.RampConfig {
	return control.RampConfig{
		Period:    cfg.Period(),
		Threshold: cfg.RampThreshold,
		Accel:     cfg.RampAccel,
		Decel:     cfg.RampDecel,
	}
}

func (cfg Config) blendConfig() control.BlendConfig {
	return control.BlendConfig{On: cfg.OLHandoffOn, Off: cfg.OLHandoffOff, Cycles: cfg.OLHandoffCycles}
}

func (cfg Config) alignConfig() routine.AlignConfig {
	return routine.AlignConfig{
		Period:       cfg.Period(),
		Volt:         cfg.AlignVolt,
		OffsetSteps:  cfg.AlignOffsetSteps,
		DirHoldSteps: cfg.AlignHoldSteps,
		DirMoveSteps: cfg.AlignMoveSteps,
		SettleSteps:  cfg.AlignSettleSteps,
		IndexSearch:  cfg.AlignIndex,
	}
}

func (cfg Config) identConfig() routine.IdentConfig {
	return routine.IdentConfig{
		Period:       cfg.Period(),
		IdleSteps:    cfg.IdentIdleSteps,
		ResCurrent:   cfg.IdentResCurrent,
		ResKi:        cfg.IdentResKi,
		ResSteps:     cfg.IdentResSteps,
		VoltLimit:    cfg.IdentVoltLimit,
		IndVoltage:   cfg.IdentIndVoltage,
		IndSteps:     cfg.IdentIndSteps,
		FluxEnabled:  cfg.IdentFlux,
		FluxVelocity: cfg.IdentFluxVelocity,
		FluxAccel:    cfg.IdentFluxAccel,
	}
}
