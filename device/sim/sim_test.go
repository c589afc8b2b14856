package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/foc/device"
	"go.viam.com/foc/logging"
)

func testPlant() Config {
	return Config{
		Resistance:  1,
		Inductance:  1e-3,
		FluxLinkage: 0.01,
		PolePairs:   2,
		Inertia:     1e-5,
		Vbus:        24,
	}
}

func newStarted(t *testing.T, cfg Config) (*Device, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	d, err := New(cfg, clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Start(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	})
	return d, clk
}

// tick advances the mock clock by one notifier period and returns the resulting sample.
func tick(t *testing.T, d *Device, clk *clock.Mock) device.State {
	t.Helper()
	clk.Add(100 * time.Microsecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := d.State(ctx)
	test.That(t, err, test.ShouldBeNil)
	return st
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"resistance", func(c *Config) { c.Resistance = 0 }},
		{"inductance", func(c *Config) { c.Inductance = -1 }},
		{"inertia", func(c *Config) { c.Inertia = 0 }},
		{"pole pairs", func(c *Config) { c.PolePairs = 0 }},
		{"vbus", func(c *Config) { c.Vbus = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testPlant()
			tc.mutate(&cfg)
			_, err := New(cfg, clock.NewMock(), logging.NewTestLogger(t))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	d, err := New(testPlant(), clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = d.State(ctx)
	test.That(t, errors.Is(err, device.ErrAgain), test.ShouldBeTrue)

	info, err := d.Info(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info, test.ShouldResemble, device.Info{CurrentScale: 1e-3, DutyMax: 0.95, DutyFull: 1000, EncoderMax: 4096})

	err = d.SetParams(ctx, device.Params{Duty: [3]uint32{0, 1001, 0}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "phase 1")

	err = d.SetConfig(ctx, device.Config{})
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, d.Close(ctx), test.ShouldBeNil)
	_, err = d.State(ctx)
	test.That(t, errors.Is(err, device.ErrClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(d.Start(ctx), device.ErrClosed), test.ShouldBeTrue)
	test.That(t, d.Close(ctx), test.ShouldBeNil)
}

func TestLockedRotorCurrent(t *testing.T) {
	cfg := testPlant()
	cfg.Locked = true
	d, clk := newStarted(t, cfg)

	// phase A high against B and C: 3.2 V along the d axis at zero angle
	test.That(t, d.SetParams(context.Background(), device.Params{Duty: [3]uint32{600, 400, 400}}), test.ShouldBeNil)
	var st device.State
	for i := 0; i < 100; i++ {
		st = tick(t, d, clk)
	}
	test.That(t, d.Ticks(), test.ShouldEqual, uint64(100))

	p := d.Plant()
	test.That(t, p.ID, test.ShouldAlmostEqual, 3.2, 1e-2)
	test.That(t, p.IQ, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, p.Omega, test.ShouldEqual, 0.0)
	test.That(t, float64(st.Currents[0]), test.ShouldAlmostEqual, 3200, 10)
	test.That(t, float64(st.Currents[1]), test.ShouldAlmostEqual, -1600, 10)
	test.That(t, st.Currents[0]+st.Currents[1]+st.Currents[2], test.ShouldAlmostEqual, 0, 1)
	test.That(t, st.Vbus, test.ShouldEqual, 24.0)

	// stopped devices have no samples
	test.That(t, d.Stop(context.Background()), test.ShouldBeNil)
	_, err := d.State(context.Background())
	test.That(t, errors.Is(err, device.ErrAgain), test.ShouldBeTrue)
}

func TestQuadratureVoltageSpinsRotor(t *testing.T) {
	d, clk := newStarted(t, testPlant())
	test.That(t, d.SetParams(context.Background(), device.Params{Duty: [3]uint32{500, 600, 400}}), test.ShouldBeNil)
	for i := 0; i < 20; i++ {
		tick(t, d, clk)
	}
	p := d.Plant()
	test.That(t, p.IQ, test.ShouldBeGreaterThan, 0)
	test.That(t, p.Omega, test.ShouldBeGreaterThan, 0)
	test.That(t, p.Theta, test.ShouldBeGreaterThan, 0)
}

func TestFaults(t *testing.T) {
	cfg := testPlant()
	cfg.Locked = true
	cfg.MaxCurrent = 1
	d, clk := newStarted(t, cfg)
	ctx := context.Background()

	test.That(t, d.SetParams(ctx, device.Params{Duty: [3]uint32{600, 400, 400}}), test.ShouldBeNil)
	var st device.State
	for i := 0; i < 50 && !st.Fault; i++ {
		st = tick(t, d, clk)
	}
	test.That(t, st.Fault, test.ShouldBeTrue)

	// a latched fault disconnects the bridge
	for i := 0; i < 100; i++ {
		st = tick(t, d, clk)
	}
	test.That(t, st.Fault, test.ShouldBeTrue)
	test.That(t, math.Abs(d.Plant().ID), test.ShouldBeLessThan, 0.01)

	test.That(t, d.ClearFault(ctx), test.ShouldBeNil)
	test.That(t, d.SetParams(ctx, device.Params{}), test.ShouldBeNil)
	st = tick(t, d, clk)
	test.That(t, st.Fault, test.ShouldBeFalse)

	d.InjectFault()
	st = tick(t, d, clk)
	test.That(t, st.Fault, test.ShouldBeTrue)
}

func TestSensorSynthesis(t *testing.T) {
	d, err := New(testPlant(), clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	seen := map[uint8]bool{}
	for k := 0; k < 6; k++ {
		elec := float64(k)*math.Pi/3 + math.Pi/6
		d.plant.Theta = elec / 2
		st := d.sample()
		test.That(t, st.Hall, test.ShouldEqual, hallCodes[k])
		seen[st.Hall] = true
	}
	test.That(t, len(seen), test.ShouldEqual, 6)
	test.That(t, seen[0] || seen[7], test.ShouldBeFalse)

	d.plant.Theta = math.Pi
	st := d.sample()
	test.That(t, st.Position, test.ShouldEqual, int32(2048))
	test.That(t, st.Index, test.ShouldBeFalse)

	d.plant.Theta = 4*math.Pi + 0.01
	st = d.sample()
	test.That(t, st.Position, test.ShouldEqual, int32(2*4096+6))
	test.That(t, st.Index, test.ShouldBeTrue)

	d.plant.Theta = -0.5
	st = d.sample()
	test.That(t, st.Position, test.ShouldBeLessThan, 0)
	test.That(t, st.Index, test.ShouldBeFalse)

	test.That(t, Plant{Theta: 3 * math.Pi / 4}.ElectricalAngle(2), test.ShouldAlmostEqual, -math.Pi/2, 1e-9)
}

func TestStep(t *testing.T) {
	ctx := context.Background()
	cfg := testPlant()
	cfg.Locked = true
	d, err := New(cfg, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, d.SetParams(ctx, device.Params{Duty: [3]uint32{600, 400, 400}}), test.ShouldBeNil)
	var st device.State
	for i := 0; i < 100; i++ {
		st, err = d.Step()
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, d.Ticks(), test.ShouldEqual, uint64(100))
	test.That(t, d.Plant().ID, test.ShouldAlmostEqual, 3.2, 1e-2)
	test.That(t, float64(st.Currents[0]), test.ShouldAlmostEqual, 3200, 10)

	test.That(t, d.Start(ctx), test.ShouldBeNil)
	_, err = d.Step()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "started")

	test.That(t, d.Close(ctx), test.ShouldBeNil)
	_, err = d.Step()
	test.That(t, errors.Is(err, device.ErrClosed), test.ShouldBeTrue)
}
