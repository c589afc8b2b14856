// Package routine implements the commissioning routines run before normal operation: sensor
// alignment and motor parameter identification. A routine owns the FOC reference while it runs
// and is stepped once per control cycle.
package routine

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/foc/foc"
	"go.viam.com/foc/num"
)

// Status is the progress of a routine step.
type Status uint8

// Routine statuses.
const (
	StatusNotDone Status = iota
	StatusDone
)

func (s Status) String() string {
	if s == StatusDone {
		return "done"
	}
	return "not done"
}

var (
	// ErrDirectionInconsistent is returned when the alignment sweeps do not agree on the sensor
	// polarity. It is a configuration error, not a transient one.
	ErrDirectionInconsistent = errors.New("angle sensor direction is inconsistent")
	// ErrIdentOutOfRange is returned when an identified parameter is outside physical bounds.
	ErrIdentOutOfRange = errors.New("identified motor parameter out of range")
	// ErrIdentNoCurrent is returned when the identification current is too small to divide by.
	ErrIdentNoCurrent = errors.New("identification current too small")
	// ErrIndexNotFound is returned when the index search times out.
	ErrIndexNotFound = errors.New("encoder index not found")
)

// Input is the per-cycle input of a routine.
type Input[T num.Real[T]] struct {
	// FOC is the handler state of the previous cycle.
	FOC foc.State[T]
	// Angle is the electrical angle reported by the sensor this cycle.
	Angle T
	// Index is set while the encoder index pulse is active.
	Index bool
	Vbus  T
}

// Output is what the routine asks of the FOC handler this cycle.
type Output[T num.Real[T]] struct {
	Ref   num.DQ[T]
	Angle T
	Mode  foc.Mode
}

// Result is the final output of a routine. Alignment fills Offset, Direction and IndexAngle;
// identification fills Resistance, Inductance and FluxLinkage.
type Result struct {
	Offset     float64
	Direction  num.Direction
	IndexAngle float64
	IndexFound bool

	Resistance  float64
	Inductance  float64
	FluxLinkage float64
}

// Routine is a multi-stage commissioning procedure. Once Run reports StatusDone, Result is stable
// until Reset.
type Routine[T num.Real[T]] interface {
	Reset()
	Run(in Input[T]) (Output[T], Status, error)
	Result() Result
	Close() error
}

func idle[T num.Real[T]]() Output[T] {
	return Output[T]{Mode: foc.ModeIdle}
}

func hold[T num.Real[T]](volt, angle float64) Output[T] {
	return Output[T]{
		Ref:   num.DQ[T]{D: num.From[T](volt)},
		Angle: num.WrapAngle(num.From[T](math.Remainder(angle, 2*math.Pi))),
		Mode:  foc.ModeVoltage,
	}
}
