package angle

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/foc/num"
)

// ErrInvalidHallCode is returned for the hall codes 0 and 7, which no rotor position produces.
var ErrInvalidHallCode = errors.New("invalid hall sensor code")

// hallSector maps a hall code to its sector index in CW order. -1 marks invalid codes.
var hallSector = [8]int{-1, 0, 2, 1, 4, 5, 3, -1}

const hallSectors = 6

// Hall derives the electrical angle from three 120° hall sensors, optionally interpolating inside
// a sector from the duration of the previous one.
type Hall[T num.Real[T]] struct {
	period      float64
	interpolate bool
	stallCycles int
	sectorSpan  T

	offset T
	dir    num.Direction

	sector    int
	moveDir   int
	since     int
	prevSpan  int
	velocity  T
	velValid  bool
	edgeAngle T
	raw       T
	started   bool
}

// NewHall returns a hall source. stallCycles bounds how long a sector may last before the
// velocity estimate is dropped; zero means 10000 cycles.
func NewHall[T num.Real[T]](period float64, interpolate bool, stallCycles int) *Hall[T] {
	if stallCycles <= 0 {
		stallCycles = 10000
	}
	return &Hall[T]{
		period:      period,
		interpolate: interpolate,
		stallCycles: stallCycles,
		sectorSpan:  num.From[T](math.Pi / 3),
		dir:         num.DirCW,
	}
}

// Reset forgets the sector history.
func (h *Hall[T]) Reset() {
	h.sector = 0
	h.moveDir = 0
	h.since = 0
	h.prevSpan = 0
	h.velocity = 0
	h.velValid = false
	h.started = false
}

// Zero takes the angle of the last sample as the reference.
func (h *Hall[T]) Zero() error {
	if !h.started {
		return errors.New("hall source has no sample to zero on")
	}
	h.offset = h.raw
	return nil
}

// SetDirection sets the sensor polarity.
func (h *Hall[T]) SetDirection(dir num.Direction) {
	if dir.Valid() {
		h.dir = dir
	}
}

// Velocity returns the last electrical velocity estimate and whether it is valid.
func (h *Hall[T]) Velocity() (T, bool) {
	return h.velocity, h.velValid
}

// Run decodes the hall code of this cycle.
func (h *Hall[T]) Run(in Input[T]) (Estimate[T], error) {
	sector := hallSector[in.Hall&7]
	if sector < 0 {
		return Estimate[T]{}, errors.Wrapf(ErrInvalidHallCode, "code %d", in.Hall)
	}

	if !h.started {
		h.started = true
		h.sector = sector
		h.edgeAngle = h.sectorStart(sector) + h.sectorSpan.Div(num.From[T](2))
	} else if sector != h.sector {
		h.transition(sector)
	} else {
		h.since++
		if h.since > h.stallCycles {
			h.velocity = 0
			h.velValid = false
			h.prevSpan = 0
		}
	}

	raw := h.edgeAngle
	if h.interpolate && h.velValid && h.prevSpan > 0 {
		frac := num.From[T](math.Min(float64(h.since)/float64(h.prevSpan), 1))
		raw += num.Signed(h.sectorSpan.Mul(frac), num.Direction(h.moveDir))
	}
	h.raw = num.WrapAngle(raw)

	est := Estimate[T]{
		Angle:         num.WrapAngle(num.Signed(h.raw-h.offset, h.dir)),
		Kind:          KindElectrical,
		Velocity:      num.Signed(h.velocity, h.dir),
		VelocityValid: h.velValid,
	}
	return est, nil
}

func (h *Hall[T]) transition(sector int) {
	var move int
	switch (sector - h.sector + hallSectors) % hallSectors {
	case 1:
		move = 1
	case hallSectors - 1:
		move = -1
	}

	switch {
	case move == 0:
		// Skipped a sector: no usable timing.
		h.velValid = false
		h.velocity = 0
		h.prevSpan = 0
	case move != h.moveDir:
		// Reversal between consecutive transitions.
		h.velValid = false
		h.velocity = 0
		h.prevSpan = 0
	default:
		h.prevSpan = h.since + 1
		h.velocity = num.Signed(
			num.From[T]((math.Pi/3)/(float64(h.prevSpan)*h.period)),
			num.Direction(move),
		)
		h.velValid = true
	}

	h.moveDir = move
	h.sector = sector
	h.since = 0
	if move >= 0 {
		h.edgeAngle = h.sectorStart(sector)
	} else {
		h.edgeAngle = h.sectorStart(sector) + h.sectorSpan
	}
	if move == 0 {
		h.edgeAngle = h.sectorStart(sector) + h.sectorSpan.Div(num.From[T](2))
	}
}

func (h *Hall[T]) sectorStart(sector int) T {
	return h.sectorSpan.Mul(num.FromInt[T](sector))
}

// Close is a no-op.
func (h *Hall[T]) Close() error {
	return nil
}
