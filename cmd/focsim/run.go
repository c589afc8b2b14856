package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/foc/controller"
	"go.viam.com/foc/device"
	"go.viam.com/foc/device/sim"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/motor"
	"go.viam.com/foc/num"
	"go.viam.com/foc/protocol"
	"go.viam.com/foc/telemetry"
	"go.viam.com/foc/utils"
)

const defaultDuration = 2 * time.Second

// defaultMotor runs a hall sensored motor in torque mode.
var defaultMotor = utils.AttributeMap{
	"motor_mode": "torque",
	"angle_type": "hall",
	"pole_pairs": 2,
	"current_kp": 0.5,
	"current_ki": 100,
	"torq_max":   2000,
	"vel_max":    2000000,
}

var defaultPlant = utils.AttributeMap{
	"resistance":   1.0,
	"inductance":   1e-3,
	"flux_linkage": 0.01,
	"pole_pairs":   2,
	"inertia":      1e-5,
	"friction":     1e-5,
	"vbus":         24.0,
}

// outcome is what one instance did during a run.
type outcome struct {
	id      int
	state   motor.ControlState
	omega   float64
	iq      float64
	cycles  uint64
	latency controller.LatencySummary
	err     error
}

// bench remembers the simulated devices the supervisor opened.
type bench struct {
	open device.Opener

	mu   sync.Mutex
	devs map[int]*sim.Device
}

func (b *bench) opener(ctx context.Context, id int) (device.Device, error) {
	dev, err := b.open(ctx, id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if simDev, ok := dev.(*sim.Device); ok {
		b.devs[id] = simDev
	}
	return dev, nil
}

func (b *bench) plant(id int) sim.Plant {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev, ok := b.devs[id]; ok {
		return dev.Plant()
	}
	return sim.Plant{}
}

func parseAppState(name string) (motor.AppState, error) {
	for _, s := range []motor.AppState{motor.AppStateFree, motor.AppStateStop, motor.AppStateCW, motor.AppStateCCW} {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown direction %q", name)
}

func runAction(c *cli.Context, logger logging.Logger) error {
	n := c.Int(flagMotors)
	app, err := parseAppState(c.String(flagDirection))
	if err != nil {
		return err
	}
	overrides, err := utils.ParseAttributes(c.StringSlice(flagParam))
	if err != nil {
		return errors.Wrap(err, "parsing motor parameters")
	}
	mcfg, err := motor.NewConfig(defaultMotor.Merge(overrides))
	if err != nil {
		return err
	}
	overrides, err = utils.ParseAttributes(c.StringSlice(flagPlant))
	if err != nil {
		return errors.Wrap(err, "parsing plant parameters")
	}
	var plant sim.Config
	if err := defaultPlant.Merge(overrides).Decode(&plant); err != nil {
		return errors.Wrap(err, "decoding plant parameters")
	}

	var rec *telemetry.Recorder
	cfgs := make([]controller.Config, n)
	if path := c.Path(flagTelemetry); path != "" {
		//nolint:gosec
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			goutils.UncheckedError(f.Close())
		}()
		rec = telemetry.NewRecorder(f, telemetry.Config{Decimation: c.Int(flagDecimation)}, nil, logger.Sublogger("telemetry"))
	}
	for i := range cfgs {
		cfgs[i] = controller.Config{Motor: mcfg, Vbus: plant.Vbus}
		if rec != nil {
			cfgs[i].Telemetry = rec
		}
	}

	b := &bench{open: sim.Opener(plant, nil, logger), devs: map[int]*sim.Device{}}
	run := runOptions{
		app:      app,
		setpoint: uint32(c.Uint(flagSetpoint)),
		duration: c.Duration(flagDuration),
	}
	var outcomes []outcome
	if c.Bool(flagFixed) {
		outcomes, err = simulate[num.Fixed](c.Context, cfgs, b, run, logger)
	} else {
		outcomes, err = simulate[num.Float](c.Context, cfgs, b, run, logger)
	}
	if rec != nil {
		err = multierr.Combine(err, rec.Close())
		logger.Infow("telemetry recorded", "path", c.Path(flagTelemetry), "frames", rec.Written(), "dropped", rec.Dropped())
	}
	if outcomes != nil {
		renderOutcomes(c, outcomes)
	}
	return err
}

type runOptions struct {
	app      motor.AppState
	setpoint uint32
	duration time.Duration
}

// simulate starts every instance, lets the motors run for the configured time and shuts them
// down. An interrupt ends the run early.
func simulate[T num.Real[T]](
	ctx context.Context,
	cfgs []controller.Config,
	b *bench,
	run runOptions,
	logger logging.Logger,
) ([]outcome, error) {
	sup, err := controller.NewSupervisor[T](ctx, cfgs, b.opener, nil, logger)
	if err != nil {
		return nil, err
	}
	// threads outlive the interrupt so that they are told to quit rather than cancelled
	if err := sup.Start(context.Background()); err != nil {
		return nil, multierr.Combine(err, sup.Shutdown())
	}

	cmds := []protocol.Message{
		{Type: protocol.SetAppState, Payload: uint32(run.app)},
		{Type: protocol.SetSetpoint, Payload: run.setpoint},
		{Type: protocol.Start, Payload: 1},
	}
	for _, msg := range cmds {
		if err := sup.Broadcast(msg); err != nil {
			return nil, multierr.Combine(err, sup.Shutdown())
		}
	}

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !goutils.SelectContextOrWait(waitCtx, run.duration) {
		logger.Info("interrupted, stopping motors")
	}
	err = sup.Shutdown()

	outcomes := make([]outcome, 0, len(cfgs))
	for _, id := range sup.IDs() {
		th, _ := sup.Thread(id)
		snap := th.Motor().Snapshot()
		plant := b.plant(id)
		o := outcome{
			id:     id,
			state:  snap.State,
			omega:  plant.Omega,
			iq:     plant.IQ,
			cycles: snap.Cycles,
			err:    sup.Err(id),
		}
		if sum, latErr := th.Latency(); latErr == nil {
			o.latency = sum
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, err
}

func renderOutcomes(c *cli.Context, outcomes []outcome) {
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Motor", "State", "Speed (rad/s)", "Iq (A)", "Cycles", "p50 (ms)", "p99 (ms)", "Max (ms)", "Error"})
	for _, o := range outcomes {
		errText := ""
		if o.err != nil {
			errText = o.err.Error()
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("motor%d", o.id),
			o.state,
			fmt.Sprintf("%.2f", o.omega),
			fmt.Sprintf("%.3f", o.iq),
			o.cycles,
			fmt.Sprintf("%.4f", o.latency.P50),
			fmt.Sprintf("%.4f", o.latency.P99),
			fmt.Sprintf("%.4f", o.latency.Max),
			errText,
		})
	}
	t.Render()
}
