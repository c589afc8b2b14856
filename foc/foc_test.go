package foc

import (
	"math"
	"testing"

	"go.viam.com/test"

	"go.viam.com/foc/num"
)

var (
	testCtrl = ControllerConfig{Kp: 0.5, Ki: 200, Period: 1e-4}
	testMod  = ModulationConfig{Method: ModulationSVM, DutyMax: 0.9, DutyFull: 1000, CurrentScale: 0.01}
)

func TestConfigure(t *testing.T) {
	var h Handler[num.Float]
	_, err := h.Run(Input[num.Float]{Mode: ModeIdle})
	test.That(t, err, test.ShouldEqual, ErrNotConfigured)

	bad := testMod
	bad.DutyMax = 1.5
	test.That(t, h.Configure(testCtrl, bad), test.ShouldNotBeNil)
	bad = testMod
	bad.CurrentScale = 0
	test.That(t, h.Configure(testCtrl, bad), test.ShouldNotBeNil)
	test.That(t, h.Configure(ControllerConfig{Period: 1e-4}, testMod), test.ShouldNotBeNil)
	test.That(t, h.Configure(testCtrl, testMod), test.ShouldBeNil)

	_, err = h.Run(Input[num.Float]{Vbus: 12})
	test.That(t, err, test.ShouldEqual, ErrModeUnset)
}

func TestHandler(t *testing.T) {
	t.Run("float", func(t *testing.T) { testHandler[num.Float](t, 1e-4) })
	t.Run("fixed", func(t *testing.T) { testHandler[num.Fixed](t, 2e-3) })
}

func testHandler[T num.Real[T]](t *testing.T, tol float64) {
	t.Helper()
	var h Handler[T]
	test.That(t, h.Configure(testCtrl, testMod), test.ShouldBeNil)
	vbus := num.From[T](12)

	t.Run("current transforms", func(t *testing.T) {
		in := Input[T]{Currents: [3]int32{100, -50, -50}, Vbus: vbus, Mode: ModeIdle}
		_, err := h.Run(in)
		test.That(t, err, test.ShouldBeNil)
		st := h.State()
		test.That(t, st.IAB.Alpha.Float(), test.ShouldAlmostEqual, 1.0, tol)
		test.That(t, st.IAB.Beta.Float(), test.ShouldAlmostEqual, 0.0, tol)
		test.That(t, st.IDQ.D.Float(), test.ShouldAlmostEqual, 1.0, tol)

		in.Angle = num.HalfPi[T]()
		_, err = h.Run(in)
		test.That(t, err, test.ShouldBeNil)
		st = h.State()
		test.That(t, st.IDQ.D.Float(), test.ShouldAlmostEqual, 0.0, tol)
		test.That(t, st.IDQ.Q.Float(), test.ShouldAlmostEqual, -1.0, tol)
	})

	t.Run("voltage mode svm", func(t *testing.T) {
		duty, err := h.Run(Input[T]{Ref: num.DQ[T]{D: num.From[T](1.2)}, Vbus: vbus, Mode: ModeVoltage})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, duty, test.ShouldResemble, [3]uint32{575, 425, 425})
		st := h.State()
		test.That(t, st.VDQ.D.Float(), test.ShouldAlmostEqual, 1.2, tol)
		test.That(t, st.Scale.Float(), test.ShouldAlmostEqual, 1.2*math.Sqrt(3)/12, tol)
	})

	t.Run("compensation is added", func(t *testing.T) {
		_, err := h.Run(Input[T]{
			Ref:  num.DQ[T]{D: num.From[T](1)},
			Comp: num.DQ[T]{Q: num.From[T](0.5)},
			Vbus: vbus,
			Mode: ModeVoltage,
		})
		test.That(t, err, test.ShouldBeNil)
		st := h.State()
		test.That(t, st.VDQ.Q.Float(), test.ShouldAlmostEqual, 0.5, tol)
	})

	t.Run("circle limit and duty max", func(t *testing.T) {
		duty, err := h.Run(Input[T]{Ref: num.DQ[T]{D: num.From[T](100)}, Vbus: vbus, Mode: ModeVoltage})
		test.That(t, err, test.ShouldBeNil)
		st := h.State()
		test.That(t, st.VDQ.Magnitude().Float(), test.ShouldAlmostEqual, 12/math.Sqrt(3), 20*tol)
		test.That(t, st.Scale.Float(), test.ShouldAlmostEqual, 1.0, tol)
		test.That(t, duty[0], test.ShouldEqual, uint32(900))
		for _, d := range duty {
			test.That(t, d, test.ShouldBeLessThanOrEqualTo, uint32(900))
		}
	})

	t.Run("current mode", func(t *testing.T) {
		h.Reset()
		_, err := h.Run(Input[T]{Ref: num.DQ[T]{Q: num.From[T](1)}, Vbus: vbus, Mode: ModeCurrent})
		test.That(t, err, test.ShouldBeNil)
		st := h.State()
		test.That(t, st.VDQ.Q.Float(), test.ShouldBeGreaterThan, 0.5)
		test.That(t, st.VAB.Beta.Float(), test.ShouldBeGreaterThan, 0.5)
		test.That(t, st.Sector, test.ShouldEqual, 2)

		integ := h.iqCtrl.Integral()
		duty, err := h.Run(Input[T]{Ref: num.DQ[T]{Q: num.From[T](1)}, Vbus: vbus, Mode: ModeIdle})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, duty, test.ShouldResemble, [3]uint32{})
		test.That(t, h.iqCtrl.Integral(), test.ShouldEqual, integ)
		test.That(t, h.State().Sector, test.ShouldEqual, 0)
	})

	t.Run("no bus voltage", func(t *testing.T) {
		duty, err := h.Run(Input[T]{Ref: num.DQ[T]{D: num.From[T](1)}, Mode: ModeVoltage})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, duty, test.ShouldResemble, [3]uint32{})
	})
}

func TestSineModulation(t *testing.T) {
	var h Handler[num.Float]
	mod := testMod
	mod.Method = ModulationSine
	test.That(t, h.Configure(testCtrl, mod), test.ShouldBeNil)
	test.That(t, h.MaxVoltage(12), test.ShouldEqual, num.Float(6))

	duty, err := h.Run(Input[num.Float]{Ref: num.DQ[num.Float]{D: 1.2}, Vbus: 12, Mode: ModeVoltage})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, duty, test.ShouldResemble, [3]uint32{600, 450, 450})
}

func TestSector(t *testing.T) {
	test.That(t, Sector(num.AB[num.Float]{}), test.ShouldEqual, 0)
	for i := 0; i < 6; i++ {
		a := (float64(i) + 0.5) * math.Pi / 3
		v := num.AB[num.Float]{Alpha: num.Float(math.Cos(a)), Beta: num.Float(math.Sin(a))}
		test.That(t, Sector(v), test.ShouldEqual, i+1)
	}
}

func TestMethodFromString(t *testing.T) {
	m, err := MethodFromString("sine")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, ModulationSine)
	m, err = MethodFromString("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, ModulationSVM)
	_, err = MethodFromString("trapezoid")
	test.That(t, err, test.ShouldNotBeNil)
}
