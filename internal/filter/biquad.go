package filter

import "math"

// Biquad is a direct-form-1 second-order IIR low-pass section with
// Butterworth coefficients (Q = 1/sqrt(2)).
//
// Not safe for concurrent use.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

const butterworthQ = 0.7071067811865476

// NewLowPass designs a low-pass section for the given sample rate and
// cutoff, both in Hz. The cutoff must lie below the Nyquist rate.
func NewLowPass(sampleRateHz, cutoffHz float64) *Biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRateHz
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * butterworthQ)

	a0 := 1 + alpha
	return &Biquad{
		b0: (1 - cosW0) / 2 / a0,
		b1: (1 - cosW0) / a0,
		b2: (1 - cosW0) / 2 / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// Run feeds one input sample and returns the filtered output.
func (f *Biquad) Run(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Reset clears the filter history.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}
