package stratum

// ring is a fixed capacity sample buffer for retarget interval tracking.
// Once full, new samples overwrite the oldest.
type ring struct {
	data   []float64
	cursor int
	full   bool
}

func newRing(size int) *ring {
	return &ring{data: make([]float64, 0, size)}
}

func (r *ring) append(x float64) {
	if r.full {
		r.data[r.cursor] = x
		r.cursor = (r.cursor + 1) % cap(r.data)
		return
	}
	r.data = append(r.data, x)
	if len(r.data) == cap(r.data) {
		r.full = true
	}
}

// avg returns the mean of the stored samples
func (r *ring) avg() float64 {
	if len(r.data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range r.data {
		sum += x
	}
	return sum / float64(len(r.data))
}

// avgWith returns the mean counting extra as one additional sample without
// storing it
func (r *ring) avgWith(extra float64) float64 {
	var sum float64
	for _, x := range r.data {
		sum += x
	}
	return (sum + extra) / float64(len(r.data)+1)
}

func (r *ring) size() int {
	return len(r.data)
}

func (r *ring) clear() {
	r.data = r.data[:0]
	r.cursor = 0
	r.full = false
}
