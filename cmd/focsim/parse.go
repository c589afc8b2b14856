package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/foc/logging"
	"go.viam.com/foc/telemetry"
)

// readFrames parses the telemetry file named by the first argument. A truncated file still
// yields the frames before the damage.
func readFrames(c *cli.Context, logger logging.Logger) ([]telemetry.Frame, int64, error) {
	if c.Args().Len() != 1 {
		return nil, 0, errors.New("expected exactly one telemetry file")
	}
	path := c.Args().First()
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	frames, err := telemetry.Parse(f)
	if err != nil {
		if len(frames) == 0 {
			return nil, 0, errors.Wrapf(err, "parsing %s", path)
		}
		logger.Warnw("telemetry file is damaged, using the frames before the damage", "path", path, "frames", len(frames), "error", err)
	}
	if len(frames) == 0 {
		return nil, 0, errors.Errorf("%s holds no frames", path)
	}
	return frames, info.Size(), nil
}

// series collects the values of every metric in order of first appearance.
func series(frames []telemetry.Frame) ([]string, map[string][]float64) {
	var order []string
	values := map[string][]float64{}
	for _, f := range frames {
		for _, r := range f.Readings {
			if _, ok := values[r.Metric]; !ok {
				order = append(order, r.Metric)
			}
			values[r.Metric] = append(values[r.Metric], float64(r.Value))
		}
	}
	return order, values
}

func parseAction(c *cli.Context, logger logging.Logger) error {
	frames, size, err := readFrames(c, logger)
	if err != nil {
		return err
	}
	metrics, values := series(frames)

	start, end := frames[0].ConvertedTime(), frames[len(frames)-1].ConvertedTime()
	fmt.Fprintf(c.App.Writer, "%d frames in %s, from %s to %s (%s)\n",
		len(frames), units.HumanSize(float64(size)),
		start.Format("15:04:05.000000"), end.Format("15:04:05.000000"), end.Sub(start))

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Metric", "Samples", "Mean", "Std dev", "Min", "Max"})
	for _, metric := range metrics {
		xs := values[metric]
		t.AppendRow(table.Row{
			metric,
			len(xs),
			fmt.Sprintf("%.6g", stat.Mean(xs, nil)),
			fmt.Sprintf("%.6g", stat.StdDev(xs, nil)),
			fmt.Sprintf("%.6g", floats.Min(xs)),
			fmt.Sprintf("%.6g", floats.Max(xs)),
		})
	}
	t.Render()
	return nil
}

func plotAction(c *cli.Context, logger logging.Logger) error {
	frames, _, err := readFrames(c, logger)
	if err != nil {
		return err
	}
	metric := c.String(flagMetric)
	t0 := frames[0].Time
	pts := make(plotter.XYs, 0, len(frames))
	for _, f := range frames {
		v, ok := f.Value(metric)
		if !ok {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(f.Time-t0) / 1e9, Y: float64(v)})
	}
	if len(pts) == 0 {
		metrics, _ := series(frames)
		return errors.Errorf("no metric %q, have %s", metric, strings.Join(metrics, ", "))
	}

	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = metric
	p.Add(plotter.NewGrid())
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)

	out := c.Path(flagOut)
	if out == "" {
		out = filepath.Clean(strings.ReplaceAll(metric, "/", "_") + ".png")
	}
	if err := p.Save(10*vg.Inch, 4*vg.Inch, out); err != nil {
		return errors.Wrapf(err, "saving plot to %s", out)
	}
	logger.Infow("plot written", "path", out, "points", len(pts))
	return nil
}
