package audio

// Resampler converts a mono stream between sample rates by linear
// interpolation. It is stateful: un-consumed source samples carry over
// between calls so no samples are dropped at block boundaries, whatever
// block sizes the device hands us.
type Resampler struct {
	srcRate int
	dstRate int
	buf     []float32
	pos     float64
}

func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Process appends in to the carry-over buffer and emits every output sample
// whose two source neighbors are available. Returns nil when rates match
// apart from passing the input through.
func (r *Resampler) Process(in []float32) []float32 {
	if r.srcRate == r.dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	r.buf = append(r.buf, in...)
	step := float64(r.srcRate) / float64(r.dstRate)
	var out []float32
	pos := r.pos
	for int(pos)+1 < len(r.buf) {
		i := int(pos)
		frac := float32(pos - float64(i))
		out = append(out, r.buf[i]*(1-frac)+r.buf[i+1]*frac)
		pos += step
	}
	// Drop fully consumed source samples, keep the remainder.
	consumed := int(pos)
	if consumed > len(r.buf) {
		consumed = len(r.buf)
	}
	r.buf = r.buf[consumed:]
	r.pos = pos - float64(consumed)
	return out
}

// Pending returns how many source samples are buffered awaiting a neighbor.
func (r *Resampler) Pending() int { return len(r.buf) }
