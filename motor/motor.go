// Package motor implements the per-instance motor control state machine. A Motor owns the FOC
// handler, the angle and velocity estimation, the commissioning routines and the cascaded
// torque/velocity control, and is stepped once per control cycle by its control thread.
package motor

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/foc/angle"
	"go.viam.com/foc/control"
	"go.viam.com/foc/device"
	"go.viam.com/foc/foc"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/num"
	"go.viam.com/foc/routine"
	"go.viam.com/foc/velocity"
)

// ControlState is the state of one motor instance.
type ControlState uint8

// Control states, in the order an instance goes through them.
const (
	StateInit ControlState = iota
	StateAlign
	StateIdent
	StateRunInit
	StateRun
	StateIdle
	StateTerminate
)

func (s ControlState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAlign:
		return "align"
	case StateIdent:
		return "ident"
	case StateRunInit:
		return "run_init"
	case StateRun:
		return "run"
	case StateIdle:
		return "idle"
	case StateTerminate:
		return "terminate"
	}
	return "unknown"
}

// AppState is the application level request of the supervisor.
type AppState uint8

// Application states.
const (
	// AppStateFree releases the outputs.
	AppStateFree AppState = iota
	// AppStateStop holds a zero setpoint.
	AppStateStop
	AppStateCW
	AppStateCCW
)

func (s AppState) String() string {
	switch s {
	case AppStateFree:
		return "free"
	case AppStateStop:
		return "stop"
	case AppStateCW:
		return "cw"
	case AppStateCCW:
		return "ccw"
	}
	return "unknown"
}

// Valid reports whether s is a known application state.
func (s AppState) Valid() bool {
	return s <= AppStateCCW
}

func (s AppState) direction() num.Direction {
	switch s {
	case AppStateCW:
		return num.DirCW
	case AppStateCCW:
		return num.DirCCW
	}
	return num.DirNone
}

// Setpoint is one control axis: the commanded value, the ramped value applied downstream and
// the measured value.
type Setpoint[T num.Real[T]] struct {
	Des T
	Set T
	Now T
}

func (s Setpoint[T]) floats() [3]float64 {
	return [3]float64{s.Des.Float(), s.Set.Float(), s.Now.Float()}
}

// Output is what the control thread writes back to the device after a cycle.
type Output struct {
	Params device.Params
	// ClearFault asks the thread to clear a device fault.
	ClearFault bool
}

// Snapshot is a float64 copy of the observable state of a motor, for telemetry and tests.
type Snapshot struct {
	State ControlState
	App   AppState
	Fault bool
	Mode  foc.Mode
	Blend control.BlendState

	Angle    float64
	Velocity float64
	// Torq and Vel hold commanded, ramped and measured values.
	Torq [3]float64
	Vel  [3]float64

	IABC   [3]float64
	VABC   [3]float64
	IDQ    [2]float64
	VDQ    [2]float64
	Ref    [2]float64
	Scale  float64
	Sector int
	Duty   [3]uint32

	Align  routine.Result
	Ident  routine.Result
	Cycles uint64
}

// Option customizes a Motor.
type Option[T num.Real[T]] func(*Motor[T])

// WithAngleSource replaces the angle source built from the configuration.
func WithAngleSource[T num.Real[T]](src angle.Source[T]) Option[T] {
	return func(m *Motor[T]) {
		m.src = src
		m.injectedSrc = true
	}
}

// WithAlign replaces the alignment routine.
func WithAlign[T num.Real[T]](r routine.Routine[T]) Option[T] {
	return func(m *Motor[T]) {
		m.align = r
	}
}

// WithIdent replaces the identification routine.
func WithIdent[T num.Real[T]](r routine.Routine[T]) Option[T] {
	return func(m *Motor[T]) {
		m.ident = r
	}
}

// WithVelocityObserver replaces the velocity observer.
func WithVelocityObserver[T num.Real[T]](obs velocity.Observer[T]) Option[T] {
	return func(m *Motor[T]) {
		m.velObs = obs
	}
}

// Motor is the control state machine of one motor. It is not safe for concurrent use; it is
// owned by its control thread.
type Motor[T num.Real[T]] struct {
	cfg    Config
	modCfg foc.ModulationConfig
	logger logging.Logger

	state ControlState
	app   AppState
	armed bool
	fault bool
	err   error

	handler      foc.Handler[T]
	src          angle.Source[T]
	injectedSrc  bool
	openloop     *angle.OpenLoop[T]
	pureOpenLoop bool
	blend        control.Blend[T]
	velObs       velocity.Observer[T]
	align        routine.Routine[T]
	ident        routine.Routine[T]
	ramp         control.Ramp[T]
	velCtrl      control.PI[T]
	velCnt       int

	polePairs T
	olCurrent T
	torqMax   T
	ctrlMode  foc.Mode

	rawSetpoint uint32
	vbus        T
	torq        Setpoint[T]
	vel         Setpoint[T]
	pos         Setpoint[T]
	angle       T
	ref         num.DQ[T]
	comp        num.DQ[T]
	mode        foc.Mode
	duty        [num.Phases]uint32

	alignRes routine.Result
	identRes routine.Result
	cycles   uint64
}

// New builds a motor from its configuration and the device scale factors. The motor stays
// unarmed until Configure.
func New[T num.Real[T]](cfg Config, info device.Info, logger logging.Logger, opts ...Option[T]) (*Motor[T], error) {
	cfg = cfg.withDefaults()
	if cfg.EncoderMax == 0 {
		cfg.EncoderMax = info.EncoderMax
	}
	if cfg.DutyMax == 0 {
		cfg.DutyMax = info.DutyMax
	}
	if err := cfg.Validate("motor"); err != nil {
		return nil, err
	}
	method, err := foc.MethodFromString(cfg.Modulation)
	if err != nil {
		return nil, err
	}

	m := &Motor[T]{
		cfg:    cfg,
		logger: logger,
		state:  StateInit,
		app:    AppStateStop,
		modCfg: foc.ModulationConfig{
			Method:       method,
			DutyMax:      cfg.DutyMax,
			DutyFull:     info.DutyFull,
			CurrentScale: info.CurrentScale,
		},
		polePairs: num.FromInt[T](cfg.PolePairs),
		olCurrent: num.From[T](cfg.OLCurrent),
		torqMax:   num.From[T](cfg.torqMax()),
		ctrlMode:  foc.ModeCurrent,
	}
	if cfg.CtrlMode == CtrlVoltage {
		m.ctrlMode = foc.ModeVoltage
	}
	if err := m.modCfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "device info")
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.runs() && (cfg.AngleType == angle.TypeOpenLoop || cfg.Sensorless()) {
		m.openloop = angle.NewOpenLoop[T](cfg.Period())
	}
	m.pureOpenLoop = cfg.AngleType == angle.TypeOpenLoop && m.openloop != nil
	if m.src == nil {
		switch {
		case m.pureOpenLoop:
			m.src = m.openloop
		case cfg.Ident && cfg.Sensorless():
			// built once the motor parameters are identified
		default:
			if m.src, err = angle.New[T](cfg.angleConfig(cfg.Resistance, cfg.Inductance, cfg.FluxLinkage)); err != nil {
				return nil, err
			}
		}
	}
	if m.velObs == nil && cfg.VelObserver != "" {
		if m.velObs, err = velocity.New[T](cfg.velObserverConfig()); err != nil {
			return nil, err
		}
	}
	if cfg.Align && m.align == nil {
		if m.align, err = routine.NewAlign[T](cfg.alignConfig(), m.src); err != nil {
			return nil, err
		}
	}
	if cfg.Ident && m.ident == nil {
		if m.ident, err = routine.NewIdent[T](cfg.identConfig()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Configure applies the controller gains, modulation and motor parameters and arms the motor.
// The instance restarts from StateInit, so commissioning runs again.
func (m *Motor[T]) Configure() error {
	if m.state == StateTerminate {
		if m.err != nil {
			return errors.Wrap(m.err, "motor is terminated")
		}
		return errors.New("motor is terminated")
	}
	if err := m.handler.Configure(m.cfg.currentConfig(), m.modCfg); err != nil {
		return err
	}
	if m.cfg.MotorMode == ModeVelocity {
		if err := m.ramp.Configure(m.cfg.rampConfig()); err != nil {
			return err
		}
		if !m.pureOpenLoop {
			if err := m.velCtrl.Configure(m.cfg.velConfig()); err != nil {
				return err
			}
		}
	}
	if m.openloop != nil && !m.pureOpenLoop {
		if err := m.blend.Configure(m.cfg.blendConfig()); err != nil {
			return err
		}
	}
	if m.align != nil {
		m.align.Reset()
	}
	if m.ident != nil {
		m.ident.Reset()
	}
	m.alignRes = routine.Result{}
	m.identRes = routine.Result{}
	m.resetRun()
	m.state = StateInit
	m.armed = true
	m.logger.Infow("motor configured", "mode", m.cfg.MotorMode, "angle", m.cfg.AngleType, "ctrl", m.cfg.CtrlMode)
	return nil
}

// Disarm de-energizes the motor. Cycles produce zero duty until the next Configure.
func (m *Motor[T]) Disarm() {
	m.armed = false
	m.handler.Reset()
	m.ref = num.DQ[T]{}
	m.comp = num.DQ[T]{}
	m.mode = foc.ModeIdle
	m.duty = [num.Phases]uint32{}
	if m.state != StateTerminate {
		m.state = StateIdle
	}
}

// Armed reports whether the motor is configured and energized.
func (m *Motor[T]) Armed() bool {
	return m.armed
}

// State returns the control state.
func (m *Motor[T]) State() ControlState {
	return m.state
}

// Err returns the error that terminated the motor, if any.
func (m *Motor[T]) Err() error {
	return m.err
}

// SetVbus sets the bus voltage used when the device does not measure it.
func (m *Motor[T]) SetVbus(volts float64) {
	m.vbus = num.From[T](volts)
}

// SetSetpoint sets the commanded setpoint. payload/SetpointMax is the fraction of the
// configured maximum velocity or torque.
func (m *Motor[T]) SetSetpoint(payload uint32) {
	m.rawSetpoint = payload
	m.updateDes()
}

// SetAppState sets the application state.
func (m *Motor[T]) SetAppState(s AppState) error {
	if !s.Valid() {
		return errors.Errorf("invalid application state %d", s)
	}
	if s != m.app {
		m.logger.Debugw("application state", "from", m.app, "to", s)
	}
	m.app = s
	m.updateDes()
	return nil
}

func (m *Motor[T]) updateDes() {
	sign := float64(m.app.direction())
	frac := float64(m.rawSetpoint) / SetpointMax
	m.vel.Des = num.From[T](frac * m.cfg.velMax() * sign)
	m.torq.Des = num.From[T](frac * m.cfg.torqMax() * sign)
}

// Cycle runs one control cycle on a device sample and returns the duty to write. A non-nil error
// is fatal: the motor is in StateTerminate and only produces zero duty from then on.
func (m *Motor[T]) Cycle(in device.State) (Output, error) {
	var out Output
	if !m.armed || m.state == StateTerminate {
		return out, nil
	}
	m.cycles++

	vbus := m.vbus
	if in.Vbus > 0 {
		vbus = num.From[T](in.Vbus)
	}

	if in.Fault {
		if !m.fault {
			m.logger.Warnw("device fault, outputs zeroed", "state", m.state)
		}
		m.fault = true
		m.ref = num.DQ[T]{}
		m.comp = num.DQ[T]{}
		m.velCtrl.Reset()
		m.mode = foc.ModeIdle
		if _, err := m.handler.Run(foc.Input[T]{Currents: in.Currents, Angle: m.angle, Mode: foc.ModeIdle}); err != nil {
			return out, m.fail(err)
		}
		m.duty = [num.Phases]uint32{}
		out.ClearFault = true
		return out, nil
	}
	if m.fault {
		m.fault = false
		m.logger.Info("device fault cleared")
	}

	var (
		duty [num.Phases]uint32
		err  error
	)
	switch m.state {
	case StateInit:
		m.transition(m.afterInit())
		duty, err = m.idle(in)
	case StateAlign:
		duty, err = m.runAlign(in, vbus)
	case StateIdent:
		duty, err = m.runIdent(in, vbus)
	case StateRunInit:
		m.resetRun()
		m.transition(StateRun)
		duty, err = m.idle(in)
	case StateRun:
		duty, err = m.runCycle(in, vbus)
	case StateIdle:
		duty, err = m.idle(in)
		if !m.cfg.runs() {
			m.transition(StateTerminate)
		}
	default:
		err = errors.Errorf("unexpected control state %s", m.state)
	}
	if err != nil {
		return Output{}, m.fail(err)
	}
	m.duty = duty
	out.Params.Duty = duty
	return out, nil
}

func (m *Motor[T]) fail(err error) error {
	m.err = err
	m.logger.Errorw("motor terminated", "state", m.state, "error", err)
	m.handler.Reset()
	m.duty = [num.Phases]uint32{}
	m.mode = foc.ModeIdle
	m.state = StateTerminate
	return err
}

func (m *Motor[T]) transition(next ControlState) {
	m.logger.Debugw("control state", "from", m.state, "to", next)
	switch next {
	case StateAlign:
		m.align.Reset()
	case StateIdent:
		m.ident.Reset()
	case StateTerminate:
		m.logger.Info("commissioning finished")
	}
	m.state = next
}

func (m *Motor[T]) afterInit() ControlState {
	if m.cfg.Align {
		return StateAlign
	}
	return m.afterAlign()
}

func (m *Motor[T]) afterAlign() ControlState {
	if m.cfg.Ident {
		return StateIdent
	}
	return m.afterIdent()
}

func (m *Motor[T]) afterIdent() ControlState {
	if m.cfg.runs() {
		return StateRunInit
	}
	return StateIdle
}

// resetRun zeroes the run-time state: setpoints, controllers and estimators.
func (m *Motor[T]) resetRun() {
	m.handler.Reset()
	m.velCtrl.Reset()
	m.blend.Reset()
	if m.velObs != nil {
		m.velObs.Reset()
	}
	if m.openloop != nil {
		m.openloop.Reset()
	}
	if m.src != nil {
		m.src.Reset()
	}
	m.torq, m.vel, m.pos = Setpoint[T]{}, Setpoint[T]{}, Setpoint[T]{}
	m.updateDes()
	m.velCnt = 0
	m.angle = 0
	m.ref = num.DQ[T]{}
	m.comp = num.DQ[T]{}
}

func (m *Motor[T]) idle(in device.State) ([num.Phases]uint32, error) {
	m.ref = num.DQ[T]{}
	m.comp = num.DQ[T]{}
	m.mode = foc.ModeIdle
	return m.handler.Run(foc.Input[T]{Currents: in.Currents, Angle: m.angle, Mode: foc.ModeIdle})
}

func (m *Motor[T]) apply(in device.State, ref num.DQ[T], a, vbus T, mode foc.Mode) ([num.Phases]uint32, error) {
	m.ref = ref
	m.angle = a
	m.mode = mode
	return m.handler.Run(foc.Input[T]{
		Currents: in.Currents,
		Ref:      ref,
		Comp:     m.comp,
		Angle:    a,
		Vbus:     vbus,
		Mode:     mode,
	})
}

func (m *Motor[T]) angleInput(in device.State) angle.Input[T] {
	st := m.handler.State()
	return angle.Input[T]{
		Velocity: m.vel.Set,
		Last:     m.angle,
		Dir:      m.app.direction(),
		IAB:      st.IAB,
		VAB:      st.VAB,
		Mod:      st.Scale,
		Hall:     in.Hall,
		Position: in.Position,
	}
}

// electrical converts an estimate into an electrical angle.
func (m *Motor[T]) electrical(est angle.Estimate[T]) T {
	if est.Kind == angle.KindMechanical {
		m.pos.Now = est.Angle
		return num.WrapAngle(est.Angle.Mul(m.polePairs))
	}
	return est.Angle
}

func (m *Motor[T]) runAlign(in device.State, vbus T) ([num.Phases]uint32, error) {
	var sensor T
	if m.src != nil {
		est, err := m.src.Run(m.angleInput(in))
		if err != nil {
			return [num.Phases]uint32{}, errors.Wrap(err, "angle source")
		}
		sensor = m.electrical(est)
	}
	out, status, err := m.align.Run(routine.Input[T]{FOC: m.handler.State(), Angle: sensor, Index: in.Index, Vbus: vbus})
	if err != nil {
		return [num.Phases]uint32{}, errors.Wrap(err, "alignment")
	}
	m.comp = num.DQ[T]{}
	duty, err := m.apply(in, out.Ref, out.Angle, vbus, out.Mode)
	if err != nil {
		return duty, err
	}
	if status == routine.StatusDone {
		m.alignRes = m.align.Result()
		m.logger.Infow("alignment done",
			"offset", m.alignRes.Offset, "direction", m.alignRes.Direction,
			"index_found", m.alignRes.IndexFound, "index_angle", m.alignRes.IndexAngle)
		m.transition(m.afterAlign())
	}
	return duty, nil
}

func (m *Motor[T]) runIdent(in device.State, vbus T) ([num.Phases]uint32, error) {
	out, status, err := m.ident.Run(routine.Input[T]{FOC: m.handler.State(), Vbus: vbus})
	if err != nil {
		return [num.Phases]uint32{}, errors.Wrap(err, "identification")
	}
	m.comp = num.DQ[T]{}
	duty, err := m.apply(in, out.Ref, out.Angle, vbus, out.Mode)
	if err != nil {
		return duty, err
	}
	if status == routine.StatusDone {
		m.identRes = m.ident.Result()
		m.logger.Infow("identification done",
			"resistance", m.identRes.Resistance, "inductance", m.identRes.Inductance, "flux_linkage", m.identRes.FluxLinkage)
		if err := m.useIdentified(m.identRes); err != nil {
			return duty, err
		}
		m.transition(m.afterIdent())
	}
	return duty, nil
}

// useIdentified replaces the configured motor parameters and builds the observer from them.
func (m *Motor[T]) useIdentified(res routine.Result) error {
	if res.Resistance > 0 {
		m.cfg.Resistance = res.Resistance
	}
	if res.Inductance > 0 {
		m.cfg.Inductance = res.Inductance
	}
	if res.FluxLinkage > 0 {
		m.cfg.FluxLinkage = res.FluxLinkage
	}
	if !m.cfg.Sensorless() || m.injectedSrc || !m.cfg.runs() {
		return nil
	}
	if m.src != nil {
		if err := m.src.Close(); err != nil {
			return err
		}
	}
	src, err := angle.New[T](m.cfg.angleConfig(m.cfg.Resistance, m.cfg.Inductance, m.cfg.FluxLinkage))
	if err != nil {
		return errors.Wrap(err, "building observer from identified parameters")
	}
	m.src = src
	return nil
}

// runCycle is one cycle of normal operation: angle, velocity, ramp, control stage, FOC.
func (m *Motor[T]) runCycle(in device.State, vbus T) ([num.Phases]uint32, error) {
	ain := m.angleInput(in)
	var (
		est      angle.Estimate[T]
		a        T
		openLoop bool
		err      error
	)
	switch {
	case m.pureOpenLoop:
		if est, err = m.openloop.Run(ain); err != nil {
			return [num.Phases]uint32{}, err
		}
		a = est.Angle
		openLoop = true
	case m.openloop != nil:
		ol, olErr := m.openloop.Run(ain)
		if olErr != nil {
			return [num.Phases]uint32{}, olErr
		}
		if est, err = m.src.Run(ain); err != nil {
			return [num.Phases]uint32{}, errors.Wrap(err, "angle observer")
		}
		var bs control.BlendState
		a, bs = m.blend.Run(ol.Angle, m.electrical(est), m.vel.Set)
		if bs == control.BlendEnabled {
			openLoop = true
		} else {
			// keep the ramp on the shaft for a fall back to open loop
			m.openloop.Seed(a)
		}
	default:
		if est, err = m.src.Run(ain); err != nil {
			return [num.Phases]uint32{}, errors.Wrap(err, "angle source")
		}
		a = m.electrical(est)
	}

	switch {
	case m.velObs != nil:
		m.vel.Now = m.velObs.Run(a)
	case m.pureOpenLoop:
		m.vel.Now = m.vel.Set
	case est.VelocityValid:
		m.vel.Now = est.Velocity
	default:
		m.vel.Now = 0
	}

	st := m.handler.State()
	m.torq.Now = st.IDQ.Q
	m.comp = num.DQ[T]{}

	if m.app == AppStateFree {
		m.velCtrl.Reset()
		m.velCnt = 0
		m.vel.Set = 0
		m.torq.Set = 0
		return m.apply(in, num.DQ[T]{}, a, vbus, foc.ModeIdle)
	}

	switch m.cfg.MotorMode {
	case ModeVelocity:
		if err := m.ramp.Run(m.vel.Des, m.vel.Now, &m.vel.Set); err != nil {
			return [num.Phases]uint32{}, err
		}
		if openLoop {
			m.torq.Set = m.olCurrent
			if m.vel.Des < 0 {
				m.torq.Set = -m.olCurrent
			}
			if !m.pureOpenLoop {
				m.velCtrl.Preload(m.torq.Set)
			}
			m.velCnt = 0
			break
		}
		m.velCnt++
		if m.velCnt >= m.cfg.VelDiv {
			m.velCnt = 0
			m.torq.Set = m.velCtrl.Run(m.vel.Set, m.vel.Now)
		}
	default:
		m.torq.Set = num.SaturateAbs(m.torq.Des, m.torqMax)
	}

	if m.cfg.FeedForward && m.ctrlMode == foc.ModeCurrent {
		m.comp = m.feedForward(st)
	}
	return m.apply(in, num.DQ[T]{Q: m.torq.Set}, a, vbus, m.ctrlMode)
}

// feedForward returns the d-q decoupling voltage for the measured current and velocity.
func (m *Motor[T]) feedForward(st foc.State[T]) num.DQ[T] {
	w := m.vel.Now.Float()
	l := m.cfg.Inductance
	return num.DQ[T]{
		D: num.From[T](-w * l * st.IDQ.Q.Float()),
		Q: num.From[T](w * (l*st.IDQ.D.Float() + m.cfg.FluxLinkage)),
	}
}

// Snapshot returns a copy of the observable state.
func (m *Motor[T]) Snapshot() Snapshot {
	st := m.handler.State()
	abc := func(v num.ABC[T]) [3]float64 {
		return [3]float64{v[0].Float(), v[1].Float(), v[2].Float()}
	}
	dq := func(v num.DQ[T]) [2]float64 {
		return [2]float64{v.D.Float(), v.Q.Float()}
	}
	return Snapshot{
		State:    m.state,
		App:      m.app,
		Fault:    m.fault,
		Mode:     m.mode,
		Blend:    m.blend.State(),
		Angle:    m.angle.Float(),
		Velocity: m.vel.Now.Float(),
		Torq:     m.torq.floats(),
		Vel:      m.vel.floats(),
		IABC:     abc(st.IABC),
		VABC:     abc(st.VABC),
		IDQ:      dq(st.IDQ),
		VDQ:      dq(st.VDQ),
		Ref:      dq(m.ref),
		Scale:    st.Scale.Float(),
		Sector:   st.Sector,
		Duty:     m.duty,
		Align:    m.alignRes,
		Ident:    m.identRes,
		Cycles:   m.cycles,
	}
}

// Close releases the routines and estimators in reverse construction order.
func (m *Motor[T]) Close() error {
	var err error
	if m.ident != nil {
		err = multierr.Append(err, m.ident.Close())
	}
	if m.align != nil {
		err = multierr.Append(err, m.align.Close())
	}
	if m.velObs != nil {
		err = multierr.Append(err, m.velObs.Close())
	}
	if m.src != nil {
		err = multierr.Append(err, m.src.Close())
	}
	if m.openloop != nil && m.src != angle.Source[T](m.openloop) {
		err = multierr.Append(err, m.openloop.Close())
	}
	return err
}
