package controller

import (
	"sync"

	"github.com/montanaflynn/stats"
	ocstats "go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	motorKey = tag.MustNewKey("motor")

	cycleLatency = ocstats.Float64("foc/cycle_latency_ms", "Control cycle computation time", ocstats.UnitMilliseconds)
	faultCount   = ocstats.Int64("foc/faults", "Device faults cleared by the control thread", ocstats.UnitDimensionless)

	// Views aggregates the control loop measures per motor. Register them with view.Register to
	// export them.
	Views = []*view.View{
		{
			Name:        "foc/cycle_latency_ms",
			Description: "Distribution of control cycle computation time",
			Measure:     cycleLatency,
			TagKeys:     []tag.Key{motorKey},
			Aggregation: view.Distribution(0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2),
		},
		{
			Name:        "foc/faults",
			Description: "Number of device faults",
			Measure:     faultCount,
			TagKeys:     []tag.Key{motorKey},
			Aggregation: view.Count(),
		},
	}
)

// LatencySummary describes the cycle computation time over the latency window, in milliseconds.
type LatencySummary struct {
	Cycles int
	Mean   float64
	P50    float64
	P99    float64
	Max    float64
}

// latencyWindow keeps the most recent cycle latencies.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) summary() (LatencySummary, error) {
	w.mu.Lock()
	data := w.samples[:w.next]
	if w.full {
		data = w.samples
	}
	data = append([]float64(nil), data...)
	w.mu.Unlock()

	var (
		sum LatencySummary
		err error
	)
	sum.Cycles = len(data)
	if sum.Mean, err = stats.Mean(data); err != nil {
		return LatencySummary{}, err
	}
	if sum.P50, err = stats.Percentile(data, 50); err != nil {
		return LatencySummary{}, err
	}
	if sum.P99, err = stats.Percentile(data, 99); err != nil {
		return LatencySummary{}, err
	}
	if sum.Max, err = stats.Max(data); err != nil {
		return LatencySummary{}, err
	}
	return sum, nil
}
