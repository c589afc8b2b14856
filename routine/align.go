package routine

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/foc/angle"
	"go.viam.com/foc/num"
)

// alignSteps is the length of the direction sequence: four hold/move pairs forward, four back.
const alignSteps = 16

// AlignConfig configures the alignment routine. Step counts are control cycles.
type AlignConfig struct {
	Period float64 `json:"-"`
	// Volt is the d-axis voltage held during alignment.
	Volt         float64 `json:"volt"`
	OffsetSteps  int     `json:"offset_steps,omitempty"`
	DirHoldSteps int     `json:"dir_hold_steps,omitempty"`
	DirMoveSteps int     `json:"dir_move_steps,omitempty"`
	SettleSteps  int     `json:"settle_steps,omitempty"`
	// MinDelta is the smallest sensor angle change, in electrical radians, accepted for one
	// quarter turn of the commanded vector.
	MinDelta float64 `json:"min_delta,omitempty"`

	IndexSearch  bool    `json:"index_search,omitempty"`
	IndexSpeed   float64 `json:"index_speed,omitempty"`
	IndexTimeout int     `json:"index_timeout,omitempty"`
}

// WithDefaults fills unset step counts and thresholds.
func (cfg AlignConfig) WithDefaults() AlignConfig {
	if cfg.OffsetSteps == 0 {
		cfg.OffsetSteps = 1000
	}
	if cfg.DirHoldSteps == 0 {
		cfg.DirHoldSteps = 400
	}
	if cfg.DirMoveSteps == 0 {
		cfg.DirMoveSteps = 400
	}
	if cfg.SettleSteps == 0 {
		cfg.SettleSteps = 200
	}
	if cfg.MinDelta == 0 {
		cfg.MinDelta = math.Pi / 8
	}
	if cfg.IndexSpeed == 0 {
		cfg.IndexSpeed = 2 * math.Pi
	}
	if cfg.IndexTimeout == 0 && cfg.Period > 0 {
		cfg.IndexTimeout = int(4 * math.Pi / cfg.IndexSpeed / cfg.Period)
	}
	return cfg
}

// Validate checks the alignment configuration.
func (cfg AlignConfig) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("align period must be positive, got %v", cfg.Period)
	}
	if cfg.Volt <= 0 {
		return errors.Errorf("align volt must be positive, got %v", cfg.Volt)
	}
	if cfg.OffsetSteps <= 0 || cfg.DirHoldSteps <= 0 || cfg.DirMoveSteps <= 0 || cfg.SettleSteps <= 0 {
		return errors.New("align step counts must be positive")
	}
	if cfg.MinDelta <= 0 || cfg.MinDelta >= math.Pi/2 {
		return errors.Errorf("align min_delta must be in (0, π/2), got %v", cfg.MinDelta)
	}
	if cfg.IndexSearch && (cfg.IndexSpeed <= 0 || cfg.IndexTimeout <= 0) {
		return errors.New("align index search needs a positive speed and timeout")
	}
	return nil
}

type alignStage uint8

const (
	alignIndex alignStage = iota
	alignOffset
	alignDirection
	alignSettle
	alignDone
)

type indexPhase uint8

const (
	indexForward indexPhase = iota
	indexPass
	indexBackward
)

func (p indexPhase) String() string {
	switch p {
	case indexForward:
		return "forward"
	case indexPass:
		return "past index"
	}
	return "backward"
}

// Align finds the sensor offset and polarity by holding and moving a fixed voltage vector.
type Align[T num.Real[T]] struct {
	cfg AlignConfig
	src angle.Source[T]

	stage alignStage
	cnt   int

	// index search
	cmd       float64
	idxPhase  indexPhase
	lastIndex bool
	idxFwd    float64

	// direction sequence
	step    int
	pos     float64
	from    float64
	samples []float64

	result Result
}

// NewAlign returns an alignment routine that zeroes and orients src.
func NewAlign[T num.Real[T]](cfg AlignConfig, src angle.Source[T]) (*Align[T], error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("align needs an angle source")
	}
	a := &Align[T]{cfg: cfg, src: src, samples: make([]float64, 0, alignSteps/2)}
	a.Reset()
	return a, nil
}

// Reset restarts the routine from the first stage.
func (a *Align[T]) Reset() {
	a.stage = alignOffset
	if a.cfg.IndexSearch {
		a.stage = alignIndex
	}
	a.cnt = 0
	a.cmd = 0
	a.idxPhase = indexForward
	a.lastIndex = false
	a.idxFwd = 0
	a.step = 0
	a.pos = 0
	a.from = 0
	a.samples = a.samples[:0]
	a.result = Result{}
}

// Result returns the offset and direction once the routine is done.
func (a *Align[T]) Result() Result {
	return a.result
}

// Close is a no-op; the angle source is owned by the caller.
func (a *Align[T]) Close() error {
	return nil
}

// Run steps the routine by one cycle.
func (a *Align[T]) Run(in Input[T]) (Output[T], Status, error) {
	switch a.stage {
	case alignIndex:
		return a.runIndex(in)
	case alignOffset:
		return a.runOffset(in)
	case alignDirection:
		return a.runDirection(in)
	case alignSettle:
		a.cnt++
		if a.cnt >= a.cfg.SettleSteps {
			a.next(alignDone)
			return idle[T](), StatusDone, nil
		}
		return idle[T](), StatusNotDone, nil
	default:
		return idle[T](), StatusDone, nil
	}
}

func (a *Align[T]) next(stage alignStage) {
	a.stage = stage
	a.cnt = 0
}

// runIndex walks the vector forward until the index pulse rises, on past its end, then back
// until it rises again, and records the midpoint of the two edges.
func (a *Align[T]) runIndex(in Input[T]) (Output[T], Status, error) {
	rising := in.Index && !a.lastIndex
	falling := !in.Index && a.lastIndex
	a.lastIndex = in.Index

	switch a.idxPhase {
	case indexForward:
		if rising && a.cnt > 0 {
			a.idxFwd = a.cmd
			a.idxPhase = indexPass
		}
	case indexPass:
		if falling {
			a.idxPhase = indexBackward
			a.cnt = 0
		}
	case indexBackward:
		if rising {
			mid := (a.idxFwd + a.cmd) / 2
			a.result.IndexAngle = math.Remainder(mid, 2*math.Pi)
			a.result.IndexFound = true
			a.next(alignOffset)
			return hold[T](a.cfg.Volt, a.cmd), StatusNotDone, nil
		}
	}

	a.cnt++
	if a.cnt > a.cfg.IndexTimeout {
		return idle[T](), StatusNotDone, errors.Wrapf(ErrIndexNotFound, "searching %s", a.idxPhase)
	}
	step := a.cfg.IndexSpeed * a.cfg.Period
	if a.idxPhase == indexBackward {
		step = -step
	}
	a.cmd += step
	return hold[T](a.cfg.Volt, a.cmd), StatusNotDone, nil
}

// runOffset holds the vector at the zero angle, then zeroes the source.
func (a *Align[T]) runOffset(in Input[T]) (Output[T], Status, error) {
	a.cnt++
	if a.cnt < a.cfg.OffsetSteps {
		return hold[T](a.cfg.Volt, 0), StatusNotDone, nil
	}
	a.result.Offset = in.Angle.Float()
	if err := a.src.Zero(); err != nil {
		return idle[T](), StatusNotDone, errors.Wrap(err, "zeroing angle source")
	}
	a.src.SetDirection(num.DirCW)
	a.next(alignDirection)
	return hold[T](a.cfg.Volt, 0), StatusNotDone, nil
}

// runDirection runs the hold/move sequence. Even steps hold and sample the sensor at their end,
// odd steps move the vector by a quarter turn, forward for the first half and back for the second.
func (a *Align[T]) runDirection(in Input[T]) (Output[T], Status, error) {
	a.cnt++
	if a.step%2 == 0 {
		if a.cnt >= a.cfg.DirHoldSteps {
			a.samples = append(a.samples, in.Angle.Float())
			a.step++
			a.cnt = 0
			a.from = a.pos
		}
		return hold[T](a.cfg.Volt, a.pos), StatusNotDone, nil
	}

	sign := 1.0
	if a.step >= alignSteps/2 {
		sign = -1.0
	}
	a.pos = a.from + sign*math.Pi/2*float64(a.cnt)/float64(a.cfg.DirMoveSteps)
	if a.cnt >= a.cfg.DirMoveSteps {
		a.step++
		a.cnt = 0
		if a.step >= alignSteps {
			dir, err := inferDirection(a.samples, a.cfg.MinDelta)
			if err != nil {
				return idle[T](), StatusNotDone, err
			}
			a.src.SetDirection(dir)
			a.result.Direction = dir
			a.next(alignSettle)
		}
	}
	return hold[T](a.cfg.Volt, a.pos), StatusNotDone, nil
}

// inferDirection derives the sensor polarity from the hold samples of the sequence. The first
// five samples span the forward sweep and the last four, starting at the turning sample, the
// backward sweep. Each delta of a sweep must exceed minDelta and agree with the sweep sign, and
// the sweeps must have opposite signs.
func inferDirection(samples []float64, minDelta float64) (num.Direction, error) {
	half := alignSteps / 4
	if len(samples) != alignSteps/2 {
		return num.DirNone, errors.Errorf("direction sequence has %d samples, expected %d", len(samples), alignSteps/2)
	}
	deltas := make([]float64, len(samples)-1)
	for i := range deltas {
		deltas[i] = math.Remainder(samples[i+1]-samples[i], 2*math.Pi)
	}
	fwd, bwd := deltas[:half], deltas[half:]

	sweepSign := func(d []float64) (float64, bool) {
		s := math.Copysign(1, floats.Sum(d))
		for _, v := range d {
			if math.Abs(v) < minDelta || math.Copysign(1, v) != s {
				return 0, false
			}
		}
		return s, true
	}

	fs, ok := sweepSign(fwd)
	if !ok {
		return num.DirNone, errors.Wrapf(ErrDirectionInconsistent, "forward sweep deltas %v", fwd)
	}
	bs, ok := sweepSign(bwd)
	if !ok {
		return num.DirNone, errors.Wrapf(ErrDirectionInconsistent, "backward sweep deltas %v", bwd)
	}
	if fs == bs {
		return num.DirNone, errors.Wrap(ErrDirectionInconsistent, "both sweeps moved the same way")
	}
	if fs > 0 {
		return num.DirCW, nil
	}
	return num.DirCCW, nil
}
