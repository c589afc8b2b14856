package angle

import (
	"math"

	"go.viam.com/foc/num"
)

// QuadEncoder converts an encoder count into a mechanical angle.
type QuadEncoder[T num.Real[T]] struct {
	counts int32
	offset int32
	last   int32
	dir    num.Direction
}

// NewQuadEncoder returns an encoder source with the given counts per revolution.
func NewQuadEncoder[T num.Real[T]](counts int32) *QuadEncoder[T] {
	return &QuadEncoder[T]{counts: counts, dir: num.DirCW}
}

// Reset is a no-op; the encoder count is absolute to the device.
func (q *QuadEncoder[T]) Reset() {}

// Zero takes the last count as the reference position.
func (q *QuadEncoder[T]) Zero() error {
	q.offset = q.last
	return nil
}

// SetDirection sets the encoder polarity.
func (q *QuadEncoder[T]) SetDirection(dir num.Direction) {
	if dir.Valid() {
		q.dir = dir
	}
}

// Run converts the count of this cycle.
func (q *QuadEncoder[T]) Run(in Input[T]) (Estimate[T], error) {
	q.last = in.Position

	pos := (int64(in.Position) - int64(q.offset)) % int64(q.counts)
	if pos < 0 {
		pos += int64(q.counts)
	}
	a := 2 * math.Pi * float64(pos) / float64(q.counts)
	if q.dir == num.DirCCW {
		a = -a
	}
	return Estimate[T]{Angle: num.WrapAngle(num.From[T](a)), Kind: KindMechanical}, nil
}

// Close is a no-op.
func (q *QuadEncoder[T]) Close() error {
	return nil
}
