// Package sim implements a simulated power stage driving a permanent magnet synchronous motor.
// The plant is integrated in the rotor frame on every notifier tick of a clock.Clock, so tests
// can step it deterministically with a mock clock.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"

	"go.viam.com/foc/device"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/num"
	"go.viam.com/foc/utils"
)

// hallCodes maps the electrical sector, counted from zero in steps of π/3, to the hall code.
var hallCodes = [6]uint8{1, 3, 2, 6, 4, 5}

// Config describes the simulated motor and power stage.
type Config struct {
	Resistance  float64 `json:"resistance"`
	Inductance  float64 `json:"inductance"`
	FluxLinkage float64 `json:"flux_linkage"`
	PolePairs   int     `json:"pole_pairs"`
	// Inertia in kg·m² and viscous friction in N·m·s.
	Inertia  float64 `json:"inertia"`
	Friction float64 `json:"friction,omitempty"`
	// Load is a constant torque opposing rotation, in N·m.
	Load float64 `json:"load,omitempty"`
	// Locked holds the rotor still.
	Locked bool `json:"locked,omitempty"`

	Vbus         float64 `json:"vbus"`
	CurrentScale float64 `json:"current_scale,omitempty"`
	DutyFull     uint32  `json:"duty_full,omitempty"`
	DutyMax      float64 `json:"duty_max,omitempty"`
	EncoderMax   int32   `json:"encoder_max,omitempty"`
	// IndexWidth is the mechanical angle over which the index pulse is active.
	IndexWidth float64 `json:"index_width,omitempty"`
	// MaxCurrent trips an over-current fault when exceeded by any phase. Zero disables it.
	MaxCurrent float64 `json:"max_current,omitempty"`
	// Substeps is the number of integration steps per notifier period.
	Substeps int `json:"substeps,omitempty"`
}

func (cfg Config) withDefaults() Config {
	if cfg.CurrentScale == 0 {
		cfg.CurrentScale = 1e-3
	}
	if cfg.DutyFull == 0 {
		cfg.DutyFull = 1000
	}
	if cfg.DutyMax == 0 {
		cfg.DutyMax = 0.95
	}
	if cfg.EncoderMax == 0 {
		cfg.EncoderMax = 4096
	}
	if cfg.IndexWidth == 0 {
		cfg.IndexWidth = 0.02
	}
	if cfg.Substeps == 0 {
		cfg.Substeps = 10
	}
	return cfg
}

// Validate checks the plant parameters.
func (cfg Config) Validate() error {
	if cfg.Resistance <= 0 || cfg.Inductance <= 0 {
		return errors.New("simulated motor needs positive resistance and inductance")
	}
	if cfg.FluxLinkage < 0 || cfg.Inertia <= 0 {
		return errors.New("simulated motor needs a positive inertia and non-negative flux linkage")
	}
	if cfg.PolePairs <= 0 {
		return errors.Errorf("simulated motor pole pairs must be positive, got %d", cfg.PolePairs)
	}
	if cfg.Vbus <= 0 {
		return errors.Errorf("simulated bus voltage must be positive, got %v", cfg.Vbus)
	}
	return nil
}

// Plant is the state of the simulated motor.
type Plant struct {
	ID, IQ float64
	// Omega is the mechanical velocity in rad/s, Theta the unwrapped mechanical angle.
	Omega float64
	Theta float64
}

// ElectricalAngle returns the wrapped electrical angle for the given pole pairs.
func (p Plant) ElectricalAngle(polePairs int) float64 {
	return math.Remainder(p.Theta*float64(polePairs), 2*math.Pi)
}

// Device is a simulated power stage. It implements sync.Locker: the notifier holds the lock
// while it integrates and samples the plant, so a control thread holding it sees a consistent
// sample and duty write.
type Device struct {
	cs sync.Mutex

	cfg    Config
	clk    clock.Clock
	logger logging.Logger

	mu       sync.Mutex
	devCfg   device.Config
	plant    Plant
	duty     [num.Phases]uint32
	fault    bool
	started  bool
	closed   bool
	ticks    uint64
	workers  utils.StoppableWorkers
	samples  chan device.State
	closedCh chan struct{}
}

// New returns a stopped simulated device.
func New(cfg Config, clk clock.Clock, logger logging.Logger) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Device{
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		devCfg: device.Config{
			PWMFreq:      20 * physic.KiloHertz,
			NotifierFreq: 10 * physic.KiloHertz,
		},
		samples:  make(chan device.State, 1),
		closedCh: make(chan struct{}),
	}, nil
}

// Opener returns a device.Opener creating one simulated device per instance.
func Opener(cfg Config, clk clock.Clock, logger logging.Logger) device.Opener {
	return func(ctx context.Context, id int) (device.Device, error) {
		return New(cfg, clk, logger.Sublogger("sim"))
	}
}

// Lock enters the critical section shared with the notifier.
func (d *Device) Lock() {
	d.cs.Lock()
}

// Unlock leaves the critical section.
func (d *Device) Unlock() {
	d.cs.Unlock()
}

// State blocks until the notifier produced a new sample set. It returns device.ErrAgain when
// the device is not started.
func (d *Device) State(ctx context.Context) (device.State, error) {
	d.mu.Lock()
	closed, started := d.closed, d.started
	d.mu.Unlock()
	if closed {
		return device.State{}, device.ErrClosed
	}
	if !started {
		return device.State{}, device.ErrAgain
	}
	select {
	case st := <-d.samples:
		return st, nil
	case <-d.closedCh:
		return device.State{}, device.ErrClosed
	case <-ctx.Done():
		return device.State{}, ctx.Err()
	}
}

// SetParams sets the duty applied from the next notifier tick on.
func (d *Device) SetParams(ctx context.Context, params device.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	for i, v := range params.Duty {
		if v > d.cfg.DutyFull {
			return errors.Errorf("phase %d duty %d exceeds full scale %d", i, v, d.cfg.DutyFull)
		}
	}
	d.duty = params.Duty
	return nil
}

// SetConfig sets the notifier timing. It takes effect on the next Start.
func (d *Device) SetConfig(ctx context.Context, cfg device.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.devCfg = cfg
	return nil
}

// Start starts the notifier.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if d.started {
		return nil
	}
	period := d.devCfg.NotifierFreq.Period()
	if period <= 0 {
		return errors.Errorf("invalid notifier period %s", period)
	}
	ticker := d.clk.Ticker(period)
	d.started = true
	d.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		d.notifier(ctx, ticker.C, period)
	})
	d.logger.Debugw("simulated device started", "notifier", d.devCfg.NotifierFreq)
	return nil
}

// Stop stops the notifier and releases the outputs.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	workers := d.workers
	d.workers = nil
	d.started = false
	d.duty = [num.Phases]uint32{}
	d.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	return nil
}

// ClearFault clears a latched fault.
func (d *Device) ClearFault(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = false
	return nil
}

// InjectFault latches a fault as if the power stage reported one.
func (d *Device) InjectFault() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = true
}

// Info returns the scale factors of the simulated stage.
func (d *Device) Info(ctx context.Context) (device.Info, error) {
	return device.Info{
		CurrentScale: d.cfg.CurrentScale,
		DutyMax:      d.cfg.DutyMax,
		DutyFull:     d.cfg.DutyFull,
		EncoderMax:   d.cfg.EncoderMax,
	}, nil
}

// Close stops the device. Further calls return device.ErrClosed.
func (d *Device) Close(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closedCh)
	}
	return nil
}

// Plant returns the plant state.
func (d *Device) Plant() Plant {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plant
}

// Ticks returns the number of notifier ticks so far.
func (d *Device) Ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

// Step integrates the plant over one notifier period and returns the resulting sample, without
// a clock. It lets a caller drive the device in lock step with a control loop and fails while the
// notifier is running.
func (d *Device) Step() (device.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.State{}, device.ErrClosed
	}
	if d.started {
		return device.State{}, errors.New("cannot step a started simulated device")
	}
	d.step(d.devCfg.NotifierFreq.Period().Seconds())
	d.ticks++
	return d.sample(), nil
}

func (d *Device) notifier(ctx context.Context, tick <-chan time.Time, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
		d.cs.Lock()
		d.mu.Lock()
		d.step(period.Seconds())
		st := d.sample()
		d.ticks++
		d.mu.Unlock()
		d.cs.Unlock()

		// keep only the newest sample
		select {
		case <-d.samples:
		default:
		}
		select {
		case d.samples <- st:
		default:
		}
	}
}

// step integrates the plant over one period. d.mu must be held.
func (d *Device) step(period float64) {
	cfg := d.cfg
	p := &d.plant
	dt := period / float64(cfg.Substeps)
	pp := float64(cfg.PolePairs)

	var va, vb, vc float64
	if !d.fault {
		full := float64(cfg.DutyFull)
		da, db, dc := float64(d.duty[0])/full, float64(d.duty[1])/full, float64(d.duty[2])/full
		mean := (da + db + dc) / 3
		va, vb, vc = cfg.Vbus*(da-mean), cfg.Vbus*(db-mean), cfg.Vbus*(dc-mean)
	}
	valpha := (2*va - vb - vc) / 3
	vbeta := (vb - vc) / math.Sqrt(3)

	for i := 0; i < cfg.Substeps; i++ {
		theta := p.Theta * pp
		sin, cos := math.Sincos(theta)
		vd := valpha*cos + vbeta*sin
		vq := -valpha*sin + vbeta*cos
		we := p.Omega * pp

		did := (vd - cfg.Resistance*p.ID + we*cfg.Inductance*p.IQ) / cfg.Inductance
		diq := (vq - cfg.Resistance*p.IQ - we*cfg.Inductance*p.ID - we*cfg.FluxLinkage) / cfg.Inductance
		p.ID += did * dt
		p.IQ += diq * dt

		if cfg.Locked {
			p.Omega = 0
			continue
		}
		torque := 1.5 * pp * cfg.FluxLinkage * p.IQ
		torque -= cfg.Friction * p.Omega
		if p.Omega != 0 {
			torque -= math.Copysign(cfg.Load, p.Omega)
		} else if math.Abs(torque) <= cfg.Load {
			torque = 0
		} else {
			torque -= math.Copysign(cfg.Load, torque)
		}
		p.Omega += torque / cfg.Inertia * dt
		p.Theta += p.Omega * dt
	}
}

// sample builds the device state from the plant. d.mu must be held.
func (d *Device) sample() device.State {
	cfg := d.cfg
	p := d.plant
	theta := p.Theta * float64(cfg.PolePairs)
	sin, cos := math.Sincos(theta)
	ialpha := p.ID*cos - p.IQ*sin
	ibeta := p.ID*sin + p.IQ*cos
	ia := ialpha
	ib := -ialpha/2 + math.Sqrt(3)/2*ibeta
	ic := -ia - ib

	if cfg.MaxCurrent > 0 && !d.fault {
		if math.Abs(ia) > cfg.MaxCurrent || math.Abs(ib) > cfg.MaxCurrent || math.Abs(ic) > cfg.MaxCurrent {
			d.fault = true
			d.logger.Warnw("simulated over-current", "ia", ia, "ib", ib, "ic", ic)
		}
	}

	raw := func(i float64) int32 {
		return int32(math.Round(i / cfg.CurrentScale))
	}
	elec := math.Mod(theta, 2*math.Pi)
	if elec < 0 {
		elec += 2 * math.Pi
	}
	sector := int(elec/(math.Pi/3)) % len(hallCodes)
	mech := math.Mod(p.Theta, 2*math.Pi)
	if mech < 0 {
		mech += 2 * math.Pi
	}
	return device.State{
		Currents: [num.Phases]int32{raw(ia), raw(ib), raw(ic)},
		Fault:    d.fault,
		Hall:     hallCodes[sector],
		Position: int32(math.Floor(p.Theta / (2 * math.Pi) * float64(cfg.EncoderMax))),
		Index:    mech < cfg.IndexWidth,
		Vbus:     cfg.Vbus,
	}
}
