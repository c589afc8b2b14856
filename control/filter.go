package control

import (
	"math"

	"go.viam.com/foc/num"
)

// LowPassAlpha returns the smoothing factor of a first-order low-pass filter with the given
// cutoff frequency (Hz) sampled every period seconds. A non-positive cutoff disables filtering.
func LowPassAlpha(cutoff, period float64) float64 {
	if cutoff <= 0 || period <= 0 {
		return 1
	}
	rc := 1 / (2 * math.Pi * cutoff)
	return period / (rc + period)
}

// LowPass is a first-order IIR filter y += alpha·(x - y).
type LowPass[T num.Real[T]] struct {
	alpha  T
	y      T
	primed bool
}

// NewLowPass returns a filter with the given smoothing factor in (0, 1].
func NewLowPass[T num.Real[T]](alpha float64) *LowPass[T] {
	lp := &LowPass[T]{}
	lp.SetAlpha(alpha)
	return lp
}

// SetAlpha changes the smoothing factor, clamped into (0, 1].
func (lp *LowPass[T]) SetAlpha(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	lp.alpha = num.From[T](alpha)
}

// Reset clears the filter. The next sample passes through unchanged.
func (lp *LowPass[T]) Reset() {
	lp.y = 0
	lp.primed = false
}

// Next filters one sample.
func (lp *LowPass[T]) Next(x T) T {
	if !lp.primed {
		lp.primed = true
		lp.y = x
		return x
	}
	lp.y += lp.alpha.Mul(x - lp.y)
	return lp.y
}

// Output returns the last filtered value.
func (lp *LowPass[T]) Output() T {
	return lp.y
}
