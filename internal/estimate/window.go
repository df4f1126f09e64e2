package estimate

import "gonum.org/v1/gonum/stat"

// innovationWindow keeps the most recent innovations and turns them into an
// adaptive measurement noise estimate.
type innovationWindow struct {
	values     []float64
	size       int
	minSamples int
	initialR   float64
	floorR     float64
}

func newInnovationWindow(size, minSamples int, initialR, floorR float64) innovationWindow {
	if size < 2 {
		size = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return innovationWindow{
		values:     make([]float64, 0, size),
		size:       size,
		minSamples: minSamples,
		initialR:   initialR,
		floorR:     floorR,
	}
}

func (w *innovationWindow) push(nu float64) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, nu)
}

// r returns the sample variance of the window once it holds minSamples
// values, otherwise the initial R. The result never drops below floorR.
func (w *innovationWindow) r() float64 {
	r := w.initialR
	if len(w.values) >= w.minSamples {
		r = stat.Variance(w.values, nil)
	}
	if !isFinite(r) || r < w.floorR {
		r = w.floorR
	}
	return r
}

func (w *innovationWindow) count() int { return len(w.values) }

func (w innovationWindow) clone() innovationWindow {
	c := w
	c.values = make([]float64, len(w.values), w.size)
	copy(c.values, w.values)
	return c
}
