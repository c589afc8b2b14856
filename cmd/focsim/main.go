// Package main runs simulated motors through the control stack and inspects the telemetry they
// record.
package main

import (
	"os"

	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/foc/logging"
)

const (
	flagDebug      = "debug"
	flagLogFile    = "log-file"
	flagMotors     = "motors"
	flagDuration   = "duration"
	flagParam      = "param"
	flagPlant      = "plant"
	flagSetpoint   = "setpoint"
	flagDirection  = "direction"
	flagFixed      = "fixed"
	flagTelemetry  = "telemetry"
	flagDecimation = "decimation"
	flagMetric     = "metric"
	flagOut        = "out"
)

func main() {
	logger := logging.NewLogger("focsim")
	if err := newApp(logger).Run(os.Args); err != nil {
		logger.Error(err)
		goutils.UncheckedError(logger.Sync())
		os.Exit(1)
	}
}

func newApp(logger logging.Logger) *cli.App {
	var logFile *logging.FileAppender
	return &cli.App{
		Name:  "focsim",
		Usage: "run simulated motors and inspect their telemetry",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.PathFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated every 16MB",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			if path := c.Path(flagLogFile); path != "" {
				logFile = logging.NewFileAppender(path, 16)
				logger.AddAppender(logFile)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if logFile == nil {
				return nil
			}
			return logFile.Close()
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "drive simulated motors for a while and report how they did",
				UsageText: "focsim run [--motors N] [--param key=value...] [--plant key=value...]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagMotors,
						Value: 1,
						Usage: "number of motor instances",
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: defaultDuration,
						Usage: "how long to run the motors",
					},
					&cli.StringSliceFlag{
						Name:    flagParam,
						Aliases: []string{"p"},
						Usage:   "motor parameter override as `KEY=VALUE`",
					},
					&cli.StringSliceFlag{
						Name:  flagPlant,
						Usage: "simulated plant parameter override as `KEY=VALUE`",
					},
					&cli.UintFlag{
						Name:  flagSetpoint,
						Value: 500000,
						Usage: "setpoint payload, full scale at 1000000",
					},
					&cli.StringFlag{
						Name:  flagDirection,
						Value: "cw",
						Usage: "application state to run in: cw, ccw, stop or free",
					},
					&cli.BoolFlag{
						Name:  flagFixed,
						Usage: "run the control loop in fixed point",
					},
					&cli.PathFlag{
						Name:  flagTelemetry,
						Usage: "record telemetry to `FILE`",
					},
					&cli.IntFlag{
						Name:  flagDecimation,
						Value: 1,
						Usage: "record every Nth cycle",
					},
				},
				Action: func(c *cli.Context) error {
					return runAction(c, logger)
				},
			},
			{
				Name:      "parse",
				Usage:     "summarize a telemetry file",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					return parseAction(c, logger)
				},
			},
			{
				Name:      "plot",
				Usage:     "plot one telemetry metric over time",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagMetric,
						Required: true,
						Usage:    "metric to plot, e.g. motor0.Velocity",
					},
					&cli.PathFlag{
						Name:  flagOut,
						Usage: "PNG file to write, defaults to the metric name",
					},
				},
				Action: func(c *cli.Context) error {
					return plotAction(c, logger)
				},
			},
			{
				Name:      "send",
				Usage:     "encode a command frame",
				ArgsUsage: "TYPE PAYLOAD",
				Action:    sendAction,
			},
		},
	}
}
