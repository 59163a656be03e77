package audio

import (
	"fmt"
	"math"
)

const (
	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
)

// Analyser produces byte-scaled frequency magnitudes the way a Web Audio
// AnalyserNode does: Blackman window, FFT, magnitude/N, exponential time
// smoothing, then dB mapped linearly from [minDB, maxDB] onto [0, 255].
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	window   []float64
	smoothed []float64
	input    []float32
	re, im   []float64

	source func(dst []float32)
}

// NewAnalyser reads fftSize samples from source on every call to ByteFrequencyData.
// fftSize must be a power of two between 32 and 32768.
func NewAnalyser(fftSize int, source func(dst []float32)) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	a := &Analyser{
		fftSize:   fftSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
		window:    blackman(fftSize),
		smoothed:  make([]float64, fftSize/2),
		input:     make([]float32, fftSize),
		re:        make([]float64, fftSize),
		im:        make([]float64, fftSize),
		source:    source,
	}
	return a, nil
}

func (a *Analyser) FrequencyBinCount() int {
	return a.fftSize / 2
}

func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.source(a.input)
	for i := range a.re {
		a.re[i] = float64(a.input[i]) * a.window[i]
		a.im[i] = 0
	}
	fft(a.re, a.im)

	n := len(dst)
	if n > len(a.smoothed) {
		n = len(a.smoothed)
	}
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		mag := math.Hypot(a.re[k], a.im[k]) / float64(a.fftSize)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k >= n {
			continue
		}
		if a.smoothed[k] <= 0 {
			dst[k] = 0
			continue
		}
		v := (20*math.Log10(a.smoothed[k]) - a.minDB) * scale
		switch {
		case v <= 0:
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform; len(re) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				sin, cos := math.Sincos(step * float64(k))
				i, j := start+k, start+k+half
				tr := re[j]*cos - im[j]*sin
				ti := re[j]*sin + im[j]*cos
				re[j], im[j] = re[i]-tr, im[i]-ti
				re[i], im[i] = re[i]+tr, im[i]+ti
			}
		}
	}
}
