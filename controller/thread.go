package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	ocstats "go.opencensus.io/stats"
	"go.opencensus.io/tag"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"go.viam.com/foc/device"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/motor"
	"go.viam.com/foc/num"
	"go.viam.com/foc/protocol"
)

// Recorder receives telemetry samples. It must not block.
type Recorder interface {
	Record(name string, sample any)
}

// Config configures one control thread.
type Config struct {
	Motor motor.Config `json:"motor"`
	// Vbus is the bus voltage in volts used until the device measures it or a SET_VBUS arrives.
	Vbus float64 `json:"vbus"`
	// IdleInterval is the polling interval while the motor is not started.
	IdleInterval time.Duration `json:"idle_interval,omitempty"`
	// CriticalSection brackets every cycle with the device lock when the device is a
	// sync.Locker. Fixed point threads always do.
	CriticalSection bool `json:"critical_section,omitempty"`
	// LatencyWindow is the number of cycles latency percentiles are computed over.
	LatencyWindow int `json:"latency_window,omitempty"`

	// Telemetry receives a motor snapshot every cycle, on channel "motor<id>".
	Telemetry Recorder `json:"-"`
}

func (cfg Config) withDefaults() Config {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Millisecond
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 4096
	}
	return cfg
}

// deviceAction is a device start or stop requested by a command. It runs outside the critical
// section since stopping waits for the device notifier.
type deviceAction uint8

const (
	actionNone deviceAction = iota
	actionStart
	actionStop
)

// Thread is the control thread of one motor instance. It owns the device and the motor.
type Thread[T num.Real[T]] struct {
	id      int
	name    string
	cfg     Config
	logger  logging.Logger
	clk     clock.Clock
	shared  *Shared
	mailbox *Mailbox

	dev     device.Device
	locker  sync.Locker
	motor   *motor.Motor[T]
	running bool
	faulted bool

	faultLog *rate.Limiter
	latency  *latencyWindow
	closed   bool
}

func isFixed[T num.Real[T]]() bool {
	var zero T
	_, ok := any(zero).(num.Fixed)
	return ok
}

// NewThread opens the device of instance id and builds its motor. The thread does nothing until
// Run. clk times the cycles; nil means the wall clock.
func NewThread[T num.Real[T]](
	ctx context.Context,
	id int,
	cfg Config,
	open device.Opener,
	shared *Shared,
	clk clock.Clock,
	logger logging.Logger,
	opts ...motor.Option[T],
) (_ *Thread[T], err error) {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	name := fmt.Sprintf("motor%d", id)
	logger = logger.Sublogger(name)

	dev, err := open(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "opening device of %s", name)
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, dev.Close(context.Background()))
		}
	}()

	t := &Thread[T]{
		id:       id,
		name:     name,
		cfg:      cfg,
		logger:   logger,
		clk:      clk,
		shared:   shared,
		mailbox:  NewMailbox(),
		dev:      dev,
		faultLog: rate.NewLimiter(rate.Every(time.Second), 1),
		latency:  newLatencyWindow(cfg.LatencyWindow),
	}
	if l, ok := dev.(sync.Locker); ok && (cfg.CriticalSection || isFixed[T]()) {
		t.locker = l
	} else if isFixed[T]() {
		return nil, errors.Errorf("%s: fixed point control needs a device critical section", name)
	}

	info, err := dev.Info(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading device info")
	}
	if t.motor, err = motor.New[T](cfg.Motor, info, logger, opts...); err != nil {
		return nil, err
	}
	if err := dev.SetConfig(ctx, cfg.Motor.DeviceConfig()); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "configuring device"), t.motor.Close())
	}
	t.motor.SetVbus(cfg.Vbus)
	return t, nil
}

// ID returns the instance id.
func (t *Thread[T]) ID() int {
	return t.id
}

// Mailbox returns the command mailbox of the thread.
func (t *Thread[T]) Mailbox() *Mailbox {
	return t.mailbox
}

// Motor returns the motor. It is owned by the thread while Run is executing.
func (t *Thread[T]) Motor() *motor.Motor[T] {
	return t.motor
}

// Latency summarizes the recent cycle computation times.
func (t *Thread[T]) Latency() (LatencySummary, error) {
	return t.latency.summary()
}

// Run marks the instance active and runs the control loop until a kill command, a fatal error,
// the motor finishing its work or ctx being done. Everything the thread owns is released before
// it returns.
func (t *Thread[T]) Run(ctx context.Context) error {
	if err := t.shared.Enter(t.id); err != nil {
		return err
	}
	return t.run(ctx)
}

// run executes the loop of an instance already marked active.
func (t *Thread[T]) run(ctx context.Context) (err error) {
	defer t.shared.Exit(t.id)
	defer func() {
		err = multierr.Combine(err, t.Close())
	}()
	if tagged, tagErr := tag.New(ctx, tag.Upsert(motorKey, t.name)); tagErr == nil {
		ctx = tagged
	}
	t.logger.Debug("control thread started")

	for {
		if !t.running {
			quit, action, err := t.apply()
			if err != nil || quit {
				return err
			}
			if err := t.act(ctx, action); err != nil {
				return err
			}
			if !t.running {
				if !goutils.SelectContextOrWait(ctx, t.cfg.IdleInterval) {
					return ctx.Err()
				}
				continue
			}
		}

		st, err := t.dev.State(ctx)
		if err != nil {
			if errors.Is(err, device.ErrAgain) {
				// no sample yet: keep serving commands, kill included, while waiting
				quit, action, err := t.apply()
				if err != nil || quit {
					return err
				}
				if err := t.act(ctx, action); err != nil {
					return err
				}
				if !goutils.SelectContextOrWait(ctx, t.cfg.IdleInterval) {
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "reading device state")
		}
		quit, action, err := t.cycle(ctx, st)
		if err != nil || quit {
			return err
		}
		if err := t.act(ctx, action); err != nil {
			return err
		}
	}
}

// cycle applies the pending commands and runs one control cycle inside the critical section.
func (t *Thread[T]) cycle(ctx context.Context, st device.State) (bool, deviceAction, error) {
	if t.locker != nil {
		t.locker.Lock()
		defer t.locker.Unlock()
	}
	start := t.clk.Now()

	quit, action, err := t.apply()
	if err != nil || quit || action == actionStop {
		return quit, action, err
	}

	out, cycleErr := t.motor.Cycle(st)
	if err := t.dev.SetParams(ctx, out.Params); err != nil {
		return false, action, multierr.Combine(cycleErr, errors.Wrap(err, "writing duty"))
	}
	if out.ClearFault {
		if !t.faulted {
			ocstats.Record(ctx, faultCount.M(1))
		}
		t.faulted = true
		if t.faultLog.Allow() {
			t.logger.Warnw("clearing device fault", "state", t.motor.State())
		}
		if err := t.dev.ClearFault(ctx); err != nil {
			return false, action, errors.Wrap(err, "clearing fault")
		}
	} else {
		t.faulted = false
	}
	if cycleErr != nil {
		return true, action, cycleErr
	}
	if t.motor.State() == motor.StateTerminate {
		t.logger.Info("motor finished")
		return true, action, nil
	}

	elapsed := float64(t.clk.Since(start)) / float64(time.Millisecond)
	t.latency.add(elapsed)
	ocstats.Record(ctx, cycleLatency.M(elapsed))
	if t.cfg.Telemetry != nil {
		t.cfg.Telemetry.Record(t.name, t.motor.Snapshot())
	}
	return false, action, nil
}

// apply drains the mailbox into the motor. Start and stop arm and disarm the motor here; the
// device side is returned as an action.
func (t *Thread[T]) apply() (bool, deviceAction, error) {
	cmds := t.mailbox.Drain()
	if cmds.Kill {
		t.logger.Debug("kill received")
		return true, actionNone, nil
	}
	if cmds.Vbus != nil {
		t.motor.SetVbus(protocol.Volts(*cmds.Vbus))
	}
	if cmds.AppState != nil {
		if err := t.motor.SetAppState(*cmds.AppState); err != nil {
			t.logger.Warnw("ignoring application state", "error", err)
		}
	}
	if cmds.Setpoint != nil {
		t.motor.SetSetpoint(*cmds.Setpoint)
	}
	if cmds.Start == nil {
		return false, actionNone, nil
	}
	if *cmds.Start {
		if err := t.motor.Configure(); err != nil {
			return false, actionNone, errors.Wrapf(err, "configuring %s", t.name)
		}
		return false, actionStart, nil
	}
	t.motor.Disarm()
	return false, actionStop, nil
}

func (t *Thread[T]) act(ctx context.Context, action deviceAction) error {
	switch action {
	case actionStart:
		if t.running {
			return nil
		}
		if err := t.dev.Start(ctx); err != nil {
			return errors.Wrap(err, "starting device")
		}
		t.running = true
		t.logger.Info("motor started")
	case actionStop:
		if !t.running {
			return nil
		}
		t.running = false
		if err := multierr.Combine(t.dev.SetParams(ctx, device.Params{}), t.dev.Stop(ctx)); err != nil {
			return errors.Wrap(err, "stopping device")
		}
		t.logger.Info("motor stopped")
	case actionNone:
	}
	return nil
}

// Close releases the outputs, the motor and the device, in reverse order of construction. Run
// calls it on exit; it is only needed for threads that never ran.
func (t *Thread[T]) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	ctx := context.Background()
	var err error
	if t.running {
		t.running = false
		err = multierr.Combine(t.dev.SetParams(ctx, device.Params{}), t.dev.Stop(ctx))
	}
	err = multierr.Combine(err, t.motor.Close(), t.dev.Close(ctx))
	if sum, latErr := t.latency.summary(); latErr == nil {
		t.logger.Debugw("control thread stopped", "cycles", sum.Cycles, "p50_ms", sum.P50, "p99_ms", sum.P99, "max_ms", sum.Max)
	}
	return err
}
