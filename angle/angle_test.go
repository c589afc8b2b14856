package angle

import (
	"math"
	"testing"

	"go.viam.com/test"

	"go.viam.com/foc/num"
)

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"openloop", Config{Type: TypeOpenLoop, Period: 1e-4}, true},
		{"no period", Config{Type: TypeOpenLoop}, false},
		{"unknown", Config{Type: "resolver", Period: 1e-4}, false},
		{"qenco without max", Config{Type: TypeQEnco, Period: 1e-4}, false},
		{"qenco", Config{Type: TypeQEnco, Period: 1e-4, EncoderMax: 4096}, true},
		{"smo without model", Config{Type: TypeSMO, Period: 1e-4, Gain: 10}, false},
		{"smo", Config{Type: TypeSMO, Period: 1e-4, Gain: 10, Resistance: 1, Inductance: 1e-3}, true},
		{"nfo without flux", Config{Type: TypeNFO, Period: 1e-4, Gain: 10, Resistance: 1, Inductance: 1e-3}, false},
		{"bad duty band", Config{
			Type: TypeSMO, Period: 1e-4, Gain: 10, Resistance: 1, Inductance: 1e-3, DutyLow: 0.5, DutyHigh: 0.2,
		}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, err, test.ShouldNotBeNil)
			}
		})
	}
}

func TestNew(t *testing.T) {
	src, err := New[num.Float](Config{Type: TypeHall, Period: 1e-4})
	test.That(t, err, test.ShouldBeNil)
	_, ok := src.(*Hall[num.Float])
	test.That(t, ok, test.ShouldBeTrue)

	fsrc, err := New[num.Fixed](Config{
		Type: TypeNFO, Period: 1e-4, Gain: 1e6, Resistance: 1, Inductance: 1e-3, FluxLinkage: 0.01,
	})
	test.That(t, err, test.ShouldBeNil)
	_, ok = fsrc.(*NonlinearFlux[num.Fixed])
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fsrc.Close(), test.ShouldBeNil)

	_, err = New[num.Float](Config{Type: "resolver", Period: 1e-4})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOpenLoop(t *testing.T) {
	ol := NewOpenLoop[num.Float](1e-3)
	var est Estimate[num.Float]
	var err error
	for i := 0; i < 10; i++ {
		est, err = ol.Run(Input[num.Float]{Velocity: 100})
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 1.0, 1e-4)
	test.That(t, est.Kind, test.ShouldEqual, KindElectrical)
	test.That(t, est.Velocity, test.ShouldEqual, num.Float(100))

	for i := 0; i < 30; i++ {
		est, _ = ol.Run(Input[num.Float]{Velocity: 100})
		test.That(t, est.Angle.Float(), test.ShouldBeGreaterThanOrEqualTo, -math.Pi)
		test.That(t, est.Angle.Float(), test.ShouldBeLessThan, math.Pi)
	}
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 4.0-2*math.Pi, 1e-3)

	test.That(t, ol.Zero(), test.ShouldBeNil)
	ol.SetDirection(num.DirCCW)
	est, _ = ol.Run(Input[num.Float]{Velocity: 100})
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, -0.1, 1e-5)

	ol.Seed(2)
	test.That(t, ol.Angle(), test.ShouldEqual, num.Float(2))
}

func runHall(t *testing.T, h *Hall[num.Float], code uint8, n int) Estimate[num.Float] {
	t.Helper()
	var est Estimate[num.Float]
	for i := 0; i < n; i++ {
		var err error
		est, err = h.Run(Input[num.Float]{Hall: code})
		test.That(t, err, test.ShouldBeNil)
	}
	return est
}

func TestHall(t *testing.T) {
	const period = 1e-3
	sixty := math.Pi / 3

	t.Run("invalid codes", func(t *testing.T) {
		h := NewHall[num.Float](period, false, 0)
		_, err := h.Run(Input[num.Float]{Hall: 0})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = h.Run(Input[num.Float]{Hall: 7})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, h.Zero(), test.ShouldNotBeNil)
	})

	t.Run("sectors and velocity", func(t *testing.T) {
		h := NewHall[num.Float](period, false, 0)
		runHall(t, h, 1, 1)
		test.That(t, h.Zero(), test.ShouldBeNil)
		est := runHall(t, h, 1, 9)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 0.0, 1e-5)
		test.That(t, est.VelocityValid, test.ShouldBeFalse)

		// First transition has no timing reference.
		est = runHall(t, h, 3, 10)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, sixty/2, 1e-5)
		test.That(t, est.VelocityValid, test.ShouldBeFalse)

		est = runHall(t, h, 2, 1)
		test.That(t, est.VelocityValid, test.ShouldBeTrue)
		test.That(t, est.Velocity.Float(), test.ShouldAlmostEqual, sixty/(10*period), 1e-2)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 1.5*sixty, 1e-5)

		// Reversal invalidates the estimate.
		est = runHall(t, h, 3, 1)
		test.That(t, est.VelocityValid, test.ShouldBeFalse)
		test.That(t, est.Velocity, test.ShouldEqual, num.Float(0))
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 1.5*sixty, 1e-5)

		// Two more CCW transitions give a negative velocity.
		runHall(t, h, 1, 5)
		est = runHall(t, h, 5, 1)
		test.That(t, est.VelocityValid, test.ShouldBeTrue)
		test.That(t, est.Velocity.Float(), test.ShouldAlmostEqual, -sixty/(5*period), 1e-2)
	})

	t.Run("interpolation and stall", func(t *testing.T) {
		h := NewHall[num.Float](period, true, 50)
		runHall(t, h, 1, 10)
		runHall(t, h, 3, 10)
		runHall(t, h, 2, 1)
		est := runHall(t, h, 2, 5)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 2*sixty+sixty/2, 1e-5)

		est = runHall(t, h, 2, 10)
		// Interpolation stops at the sector end.
		test.That(t, math.Abs(est.Angle.Float()), test.ShouldAlmostEqual, math.Pi, 1e-5)

		est = runHall(t, h, 2, 50)
		test.That(t, est.VelocityValid, test.ShouldBeFalse)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 2*sixty, 1e-5)
	})

	t.Run("direction", func(t *testing.T) {
		h := NewHall[num.Float](period, false, 0)
		h.SetDirection(num.DirCCW)
		est := runHall(t, h, 3, 1)
		test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, -1.5*sixty, 1e-5)
	})
}

func TestQuadEncoder(t *testing.T) {
	q := NewQuadEncoder[num.Float](1000)
	est, err := q.Run(Input[num.Float]{Position: 250})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, est.Kind, test.ShouldEqual, KindMechanical)
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, math.Pi/2, 1e-5)

	est, _ = q.Run(Input[num.Float]{Position: -250})
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, -math.Pi/2, 1e-5)

	est, _ = q.Run(Input[num.Float]{Position: 2250})
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, math.Pi/2, 1e-5)
	test.That(t, q.Zero(), test.ShouldBeNil)
	est, _ = q.Run(Input[num.Float]{Position: 2250})
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, 0.0, 1e-6)

	q.SetDirection(num.DirCCW)
	est, _ = q.Run(Input[num.Float]{Position: 2500})
	test.That(t, est.Angle.Float(), test.ShouldAlmostEqual, -math.Pi/2, 1e-5)
}

func TestGainScaler(t *testing.T) {
	g := newGainScaler[num.Float](0.2, 0.6, 0.25)
	test.That(t, g.scale(0.1), test.ShouldEqual, num.Float(1))
	test.That(t, g.scale(0.8), test.ShouldEqual, num.Float(0.25))
	test.That(t, g.scale(0.4).Float(), test.ShouldAlmostEqual, 0.625, 1e-6)

	off := newGainScaler[num.Float](0, 0, 0)
	test.That(t, off.scale(0.9), test.ShouldEqual, num.Float(1))
}

// spinInput synthesizes an unloaded motor turning at omega: no current flows and the applied
// voltage equals the back-EMF.
func spinInput[T num.Real[T]](theta, omega, lambda float64) Input[T] {
	e := lambda * omega
	return Input[T]{
		Velocity: num.From[T](omega),
		Dir:      num.DirCW,
		VAB:      num.AB[T]{Alpha: num.From[T](-e * math.Sin(theta)), Beta: num.From[T](e * math.Cos(theta))},
	}
}

func testObserver[T num.Real[T]](t *testing.T, src Source[T], tol float64) {
	t.Helper()
	const (
		period = 1e-4
		omega  = 300.0
		lambda = 0.01
	)
	theta := 0.0
	var est Estimate[T]
	for i := 0; i < 5000; i++ {
		theta = math.Mod(theta+omega*period, 2*math.Pi)
		var err error
		est, err = src.Run(spinInput[T](theta, omega, lambda))
		test.That(t, err, test.ShouldBeNil)
	}
	diff := math.Remainder(est.Angle.Float()-theta, 2*math.Pi)
	test.That(t, math.Abs(diff), test.ShouldBeLessThan, tol)
}

func TestSlidingMode(t *testing.T) {
	cfg := Config{Type: TypeSMO, Period: 1e-4, Resistance: 1, Inductance: 1e-3, Gain: 10, FilterCutoff: 1000}
	t.Run("float", func(t *testing.T) {
		testObserver[num.Float](t, NewSlidingMode[num.Float](cfg), 0.15)
	})
	t.Run("fixed", func(t *testing.T) {
		testObserver[num.Fixed](t, NewSlidingMode[num.Fixed](cfg), 0.2)
	})
}

func TestNonlinearFlux(t *testing.T) {
	cfg := Config{Type: TypeNFO, Period: 1e-4, Resistance: 1, Inductance: 1e-3, FluxLinkage: 0.01, Gain: 2e6}
	t.Run("float", func(t *testing.T) {
		testObserver[num.Float](t, NewNonlinearFlux[num.Float](cfg), 0.1)
	})
	t.Run("fixed", func(t *testing.T) {
		testObserver[num.Fixed](t, NewNonlinearFlux[num.Fixed](cfg), 0.2)
	})
}
