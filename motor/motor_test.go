package motor

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/foc/angle"
	"go.viam.com/foc/device"
	"go.viam.com/foc/foc"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/num"
	"go.viam.com/foc/routine"
	"go.viam.com/foc/utils"
)

var testInfo = device.Info{CurrentScale: 0.001, DutyMax: 0.95, DutyFull: 1000}

func testConfig(mode Mode) Config {
	return Config{
		MotorMode: mode,
		AngleType: angle.TypeHall,
		PolePairs: 4,
		CurrentKp: 0.5,
		CurrentKi: 100,
		TorqMax:   2000,
		VelMax:    1000000,
		VelKp:     0.1,
		VelKi:     1,
		RampAccel: 1e5,
		RampDecel: 1e5,

		AlignVolt:       1,
		IdentResCurrent: 1,
		IdentResKi:      500,
		IdentVoltLimit:  10,
		IdentIndVoltage: 1,
	}
}

type fakeSource[T num.Real[T]] struct {
	est    angle.Estimate[T]
	runs   int
	zeroed int
	dir    num.Direction
	err    error
}

func (f *fakeSource[T]) Reset()                         {}
func (f *fakeSource[T]) Zero() error                    { f.zeroed++; return nil }
func (f *fakeSource[T]) SetDirection(dir num.Direction) { f.dir = dir }
func (f *fakeSource[T]) Close() error                   { return nil }

func (f *fakeSource[T]) Run(angle.Input[T]) (angle.Estimate[T], error) {
	f.runs++
	return f.est, f.err
}

type fakeObserver[T num.Real[T]] struct {
	vel T
}

func (f *fakeObserver[T]) Reset()       {}
func (f *fakeObserver[T]) Run(T) T      { return f.vel }
func (f *fakeObserver[T]) Velocity() T  { return f.vel }
func (f *fakeObserver[T]) Close() error { return nil }

// fakeRoutine finishes after steps cycles, or fails on cycle errAt when err is set.
type fakeRoutine[T num.Real[T]] struct {
	steps  int
	n      int
	runs   int
	resets int
	errAt  int
	err    error
	res    routine.Result
}

func (f *fakeRoutine[T]) Reset() {
	f.n = 0
	f.resets++
}

func (f *fakeRoutine[T]) Run(routine.Input[T]) (routine.Output[T], routine.Status, error) {
	f.n++
	f.runs++
	if f.err != nil && f.n >= f.errAt {
		return routine.Output[T]{Mode: foc.ModeIdle}, routine.StatusNotDone, f.err
	}
	if f.n >= f.steps {
		return routine.Output[T]{Mode: foc.ModeIdle}, routine.StatusDone, nil
	}
	return routine.Output[T]{Ref: num.DQ[T]{D: num.From[T](1)}, Mode: foc.ModeVoltage}, routine.StatusNotDone, nil
}

func (f *fakeRoutine[T]) Result() routine.Result { return f.res }
func (f *fakeRoutine[T]) Close() error           { return nil }

func newArmed[T num.Real[T]](t *testing.T, cfg Config, opts ...Option[T]) *Motor[T] {
	t.Helper()
	m, err := New[T](cfg, testInfo, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Configure(), test.ShouldBeNil)
	m.SetVbus(24)
	return m
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{name: "valid torque", mutate: func(*Config) {}},
		{name: "valid velocity", mutate: func(c *Config) { c.MotorMode = ModeVelocity }},
		{name: "missing mode", mutate: func(c *Config) { c.MotorMode = "" }, errStr: "motor_mode"},
		{name: "missing angle", mutate: func(c *Config) { c.AngleType = "" }, errStr: "angle_type"},
		{name: "missing pole pairs", mutate: func(c *Config) { c.PolePairs = 0 }, errStr: "pole_pairs"},
		{name: "zero current gains", mutate: func(c *Config) { c.CurrentKp, c.CurrentKi = 0, 0 }, errStr: "current controller"},
		{name: "bad ctrl mode", mutate: func(c *Config) { c.CtrlMode = "duty" }, errStr: "ctrl_mode"},
		{name: "bad modulation", mutate: func(c *Config) { c.Modulation = "trapezoid" }, errStr: "trapezoid"},
		{name: "missing torq max", mutate: func(c *Config) { c.TorqMax = 0 }, errStr: "torq_max"},
		{
			name:   "velocity without vel max",
			mutate: func(c *Config) { c.MotorMode = ModeVelocity; c.VelMax = 0 },
			errStr: "vel_max",
		},
		{
			name:   "velocity without gains",
			mutate: func(c *Config) { c.MotorMode = ModeVelocity; c.VelKp, c.VelKi = 0, 0 },
			errStr: "velocity controller",
		},
		{
			name:   "align with observer",
			mutate: func(c *Config) { c.MotorMode = ModeAlign; c.AngleType = angle.TypeSMO },
			errStr: "hall or qenco",
		},
		{
			name:   "sensorless without hand-off",
			mutate: func(c *Config) { c.AngleType = angle.TypeSMO; c.Resistance, c.Inductance, c.ObserverGain = 1, 1e-3, 10 },
			errStr: "ol_current",
		},
		{
			name:   "feed forward without inductance",
			mutate: func(c *Config) { c.FeedForward = true },
			errStr: "inductance",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(ModeTorque)
			tc.mutate(&cfg)
			cfg = cfg.withDefaults()
			err := cfg.Validate("motor0")
			if tc.errStr == "" {
				test.That(t, err, test.ShouldBeNil)
				return
			}
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errStr)
		})
	}

	cfg := testConfig(ModePosition).withDefaults()
	err := cfg.Validate("motor0")
	test.That(t, errors.Is(err, ErrUnsupportedMode), test.ShouldBeTrue)

	_, err = New[num.Float](testConfig(ModePosition), testInfo, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrUnsupportedMode), test.ShouldBeTrue)
}

func TestNewConfig(t *testing.T) {
	attrs, err := utils.ParseAttributes([]string{
		"motor_mode=velocity",
		"angle_type=hall",
		"pole_pairs=7",
		"vel_max=1000000",
		"feed_forward=true",
		"inductance=0.0002",
	})
	test.That(t, err, test.ShouldBeNil)
	cfg, err := NewConfig(attrs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.MotorMode, test.ShouldEqual, ModeVelocity)
	test.That(t, cfg.PolePairs, test.ShouldEqual, 7)
	test.That(t, cfg.VelMax, test.ShouldEqual, 1000000.0)
	test.That(t, cfg.FeedForward, test.ShouldBeTrue)
	test.That(t, cfg.Inductance, test.ShouldAlmostEqual, 2e-4)
	test.That(t, cfg.NotifierFreq, test.ShouldEqual, 10000.0)
	test.That(t, cfg.Period(), test.ShouldAlmostEqual, 1e-4)
	test.That(t, cfg.CtrlMode, test.ShouldEqual, CtrlCurrent)

	_, err = NewConfig(utils.AttributeMap{"motor_mode": "torque", "no_such_param": 1})
	test.That(t, err, test.ShouldNotBeNil)

	cfg, err = NewConfig(utils.AttributeMap{"motor_mode": "ident"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Ident, test.ShouldBeTrue)
}

func TestCommissioningReachesRun(t *testing.T) {
	const alignSteps, identSteps = 37, 53
	cfg := testConfig(ModeTorque)
	cfg.Align = true
	cfg.Ident = true

	al := &fakeRoutine[num.Float]{steps: alignSteps, res: routine.Result{Direction: num.DirCW}}
	id := &fakeRoutine[num.Float]{steps: identSteps, res: routine.Result{Resistance: 0.5, Inductance: 1e-3}}
	m := newArmed[num.Float](t, cfg,
		WithAngleSource[num.Float](&fakeSource[num.Float]{}),
		WithAlign[num.Float](al),
		WithIdent[num.Float](id),
	)
	test.That(t, m.State(), test.ShouldEqual, StateInit)

	bound := 1 + alignSteps + identSteps + 1
	reached := 0
	for n := 1; n <= bound+500; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
		if reached == 0 && m.State() == StateRun {
			reached = n
		}
		if reached != 0 {
			test.That(t, m.State(), test.ShouldEqual, StateRun)
		}
	}
	test.That(t, reached, test.ShouldBeGreaterThan, 0)
	test.That(t, reached, test.ShouldBeLessThanOrEqualTo, bound)
	test.That(t, al.runs, test.ShouldEqual, alignSteps)
	test.That(t, id.runs, test.ShouldEqual, identSteps)

	snap := m.Snapshot()
	test.That(t, snap.Align.Direction, test.ShouldEqual, num.DirCW)
	test.That(t, snap.Ident.Resistance, test.ShouldEqual, 0.5)
	test.That(t, m.cfg.Inductance, test.ShouldEqual, 1e-3)
}

func TestVelocitySetpoint(t *testing.T) {
	t.Run("float", func(t *testing.T) { testVelocitySetpoint[num.Float](t) })
	t.Run("fixed", func(t *testing.T) { testVelocitySetpoint[num.Fixed](t) })
}

func testVelocitySetpoint[T num.Real[T]](t *testing.T) {
	cfg := testConfig(ModeVelocity)
	m := newArmed[T](t, cfg,
		WithAngleSource[T](&fakeSource[T]{}),
		WithVelocityObserver[T](&fakeObserver[T]{}),
	)
	test.That(t, m.SetAppState(AppStateCW), test.ShouldBeNil)
	m.SetSetpoint(500000)

	for n := 0; n < 200; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	snap := m.Snapshot()
	test.That(t, snap.State, test.ShouldEqual, StateRun)
	test.That(t, snap.Vel[0], test.ShouldAlmostEqual, 500.0)
	test.That(t, snap.Vel[1], test.ShouldAlmostEqual, 500.0)
	test.That(t, snap.Mode, test.ShouldEqual, foc.ModeCurrent)
	// The shaft does not move, so the velocity controller sits on its torque limit.
	test.That(t, snap.Ref[0], test.ShouldEqual, 0.0)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, cfg.TorqMax/1000)
	test.That(t, snap.Torq[1], test.ShouldAlmostEqual, cfg.TorqMax/1000)

	// Reversing ramps through zero.
	test.That(t, m.SetAppState(AppStateCCW), test.ShouldBeNil)
	_, err := m.Cycle(device.State{})
	test.That(t, err, test.ShouldBeNil)
	snap = m.Snapshot()
	test.That(t, snap.Vel[0], test.ShouldAlmostEqual, -500.0)
	test.That(t, snap.Vel[1], test.ShouldAlmostEqual, 490.0)
	for n := 0; n < 200; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	snap = m.Snapshot()
	test.That(t, snap.Vel[1], test.ShouldAlmostEqual, -500.0)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, -cfg.TorqMax/1000)
}

func TestTorqueMode(t *testing.T) {
	src := &fakeSource[num.Float]{est: angle.Estimate[num.Float]{Angle: 0.5, Kind: angle.KindMechanical}}
	m := newArmed[num.Float](t, testConfig(ModeTorque), WithAngleSource[num.Float](src))
	test.That(t, m.SetAppState(AppStateCCW), test.ShouldBeNil)
	m.SetSetpoint(SetpointMax * 2)

	for n := 0; n < 5; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	snap := m.Snapshot()
	test.That(t, snap.Torq[0], test.ShouldAlmostEqual, -4.0)
	test.That(t, snap.Torq[1], test.ShouldAlmostEqual, -2.0)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, -2.0)
	// four pole pairs turn 0.5 mechanical radians into 2 electrical radians
	test.That(t, snap.Angle, test.ShouldAlmostEqual, 2.0, 1e-6)

	test.That(t, m.SetAppState(AppStateFree), test.ShouldBeNil)
	out, err := m.Cycle(device.State{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Params.Duty, test.ShouldResemble, [num.Phases]uint32{})
	test.That(t, m.Snapshot().Mode, test.ShouldEqual, foc.ModeIdle)

	test.That(t, m.SetAppState(AppState(9)), test.ShouldNotBeNil)
}

func TestFault(t *testing.T) {
	m := newArmed[num.Float](t, testConfig(ModeTorque), WithAngleSource[num.Float](&fakeSource[num.Float]{}))
	test.That(t, m.SetAppState(AppStateCW), test.ShouldBeNil)
	m.SetSetpoint(SetpointMax / 2)
	for n := 0; n < 5; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, m.Snapshot().Ref[1], test.ShouldAlmostEqual, 1.0)

	out, err := m.Cycle(device.State{Fault: true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.ClearFault, test.ShouldBeTrue)
	test.That(t, out.Params.Duty, test.ShouldResemble, [num.Phases]uint32{})
	snap := m.Snapshot()
	test.That(t, snap.Fault, test.ShouldBeTrue)
	test.That(t, snap.Ref, test.ShouldResemble, [2]float64{})
	test.That(t, snap.State, test.ShouldEqual, StateRun)

	out, err = m.Cycle(device.State{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.ClearFault, test.ShouldBeFalse)
	snap = m.Snapshot()
	test.That(t, snap.Fault, test.ShouldBeFalse)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, 1.0)
}

func TestFatalRoutineError(t *testing.T) {
	cfg := testConfig(ModeTorque)
	cfg.Ident = true
	id := &fakeRoutine[num.Float]{steps: 100, errAt: 10, err: errors.Wrap(routine.ErrIdentOutOfRange, "resistance 200 Ω")}
	m := newArmed[num.Float](t, cfg, WithAngleSource[num.Float](&fakeSource[num.Float]{}), WithIdent[num.Float](id))

	var err error
	for n := 0; n < 20 && err == nil; n++ {
		_, err = m.Cycle(device.State{})
	}
	test.That(t, errors.Is(err, routine.ErrIdentOutOfRange), test.ShouldBeTrue)
	test.That(t, m.State(), test.ShouldEqual, StateTerminate)
	test.That(t, errors.Is(m.Err(), routine.ErrIdentOutOfRange), test.ShouldBeTrue)

	out, err := m.Cycle(device.State{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Params.Duty, test.ShouldResemble, [num.Phases]uint32{})
	test.That(t, m.State(), test.ShouldEqual, StateTerminate)
	test.That(t, m.Configure(), test.ShouldNotBeNil)
}

func TestCommissioningOnly(t *testing.T) {
	al := &fakeRoutine[num.Float]{steps: 3}
	m := newArmed[num.Float](t, testConfig(ModeAlign),
		WithAngleSource[num.Float](&fakeSource[num.Float]{}),
		WithAlign[num.Float](al),
	)
	var states []ControlState
	for n := 0; n < 8; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
		states = append(states, m.State())
	}
	test.That(t, states, test.ShouldResemble, []ControlState{
		StateAlign, StateAlign, StateAlign, StateIdle, StateTerminate, StateTerminate, StateTerminate, StateTerminate,
	})
	test.That(t, m.Err(), test.ShouldBeNil)
	test.That(t, m.Configure(), test.ShouldNotBeNil)
}

func TestDisarm(t *testing.T) {
	src := &fakeSource[num.Float]{}
	m := newArmed[num.Float](t, testConfig(ModeTorque), WithAngleSource[num.Float](src))
	test.That(t, m.Armed(), test.ShouldBeTrue)
	for n := 0; n < 3; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	m.Disarm()
	test.That(t, m.Armed(), test.ShouldBeFalse)
	test.That(t, m.State(), test.ShouldEqual, StateIdle)

	runs := src.runs
	out, err := m.Cycle(device.State{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Params.Duty, test.ShouldResemble, [num.Phases]uint32{})
	test.That(t, src.runs, test.ShouldEqual, runs)

	test.That(t, m.Configure(), test.ShouldBeNil)
	test.That(t, m.State(), test.ShouldEqual, StateInit)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestOpenLoopVelocity(t *testing.T) {
	cfg := testConfig(ModeVelocity)
	cfg.AngleType = angle.TypeOpenLoop
	cfg.OLCurrent = 0.8
	m := newArmed[num.Float](t, cfg)
	test.That(t, m.SetAppState(AppStateCW), test.ShouldBeNil)
	m.SetSetpoint(100000)

	var last float64
	moved := false
	for n := 0; n < 100; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
		snap := m.Snapshot()
		if snap.State == StateRun && snap.Angle != last {
			moved = true
		}
		last = snap.Angle
	}
	snap := m.Snapshot()
	test.That(t, moved, test.ShouldBeTrue)
	test.That(t, snap.Vel[1], test.ShouldAlmostEqual, 100.0)
	test.That(t, snap.Velocity, test.ShouldAlmostEqual, 100.0)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, 0.8, 1e-6)
	test.That(t, snap.Duty, test.ShouldNotResemble, [3]uint32{})
}

func TestOpenLoopVelocityReverse(t *testing.T) {
	cfg := testConfig(ModeVelocity)
	cfg.AngleType = angle.TypeOpenLoop
	cfg.OLCurrent = 0.8
	m := newArmed[num.Float](t, cfg)
	test.That(t, m.SetAppState(AppStateCCW), test.ShouldBeNil)
	m.SetSetpoint(100000)

	for n := 0; n < 100; n++ {
		_, err := m.Cycle(device.State{})
		test.That(t, err, test.ShouldBeNil)
	}
	snap := m.Snapshot()
	test.That(t, snap.Vel[1], test.ShouldAlmostEqual, -100.0)
	test.That(t, snap.Ref[1], test.ShouldAlmostEqual, -0.8, 1e-6)
}
