package audio

import (
	"math"
	"testing"
)

func sine(n int, freq float64, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResamplerConservesSamplesAcrossChunkings(t *testing.T) {
	cases := []struct {
		name    string
		srcRate int
		total   int
		chunks  []int
	}{
		{"48k even blocks", 48000, 4800, []int{480}},
		{"48k ragged blocks", 48000, 4801, []int{1, 7, 160, 333, 1024, 3}},
		{"44.1k device blocks", 44100, 44100, []int{441, 1024, 13}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sine(tc.total, 440, tc.srcRate)
			rs := NewResampler(tc.srcRate, CaptureRate)
			got := 0
			ci := 0
			for off := 0; off < len(in); {
				n := tc.chunks[ci%len(tc.chunks)]
				ci++
				if off+n > len(in) {
					n = len(in) - off
				}
				got += len(rs.Process(in[off : off+n]))
				off += n
			}
			want := int(float64(tc.total) * float64(CaptureRate) / float64(tc.srcRate))
			if got < want-2 || got > want+2 {
				t.Fatalf("output samples = %d, want %d within rounding", got, want)
			}
		})
	}
}

func TestResamplerChunkedMatchesSingleShot(t *testing.T) {
	in := sine(9600, 220, 48000)
	whole := NewResampler(48000, CaptureRate).Process(in)

	rs := NewResampler(48000, CaptureRate)
	var chunked []float32
	for off := 0; off < len(in); off += 327 {
		end := off + 327
		if end > len(in) {
			end = len(in)
		}
		chunked = append(chunked, rs.Process(in[off:end])...)
	}
	if len(chunked) != len(whole) {
		t.Fatalf("chunked length %d != single-shot length %d", len(chunked), len(whole))
	}
	for i := range whole {
		if math.Abs(float64(whole[i]-chunked[i])) > 1e-6 {
			t.Fatalf("sample %d differs: %v vs %v", i, whole[i], chunked[i])
		}
	}
}

func TestResamplerPassThroughAtEqualRates(t *testing.T) {
	in := sine(1000, 440, CaptureRate)
	out := NewResampler(CaptureRate, CaptureRate).Process(in)
	if len(out) != len(in) {
		t.Fatalf("pass-through changed length: %d -> %d", len(in), len(out))
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	// One quantization step of tolerance in either direction.
	const tol = 1.0 / 32767
	var in []float32
	for x := -1.0; x <= 1.0; x += 0.001 {
		in = append(in, float32(x))
	}
	in = append(in, -1, 1, 0)
	out := DecodePCM16(EncodePCM16(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > tol {
			t.Fatalf("round trip error %v at %v exceeds %v", d, in[i], tol)
		}
	}
}

func TestPCM16ClampsOutOfRange(t *testing.T) {
	out := DecodePCM16(EncodePCM16([]float32{-3, 3}))
	if out[0] != -1 || out[1] != 1 {
		t.Fatalf("expected clamp to [-1,1], got %v", out)
	}
}
