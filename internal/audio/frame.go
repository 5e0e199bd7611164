package audio

// Wire and playback formats. Capture is optimized for transcription,
// playback for natural speech; the asymmetry is intentional.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
	WireChannels = 1
)

// WireMimeType tags outbound microphone chunks.
const WireMimeType = "audio/pcm;rate=16000"

// Frame is an immutable PCM16 byte buffer tagged with its format.
// Ownership transfers at each pipeline stage; stages never share a frame.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// NewWireFrame wraps encoded capture bytes in the 16 kHz mono wire format.
func NewWireFrame(data []byte) Frame {
	return Frame{Data: data, SampleRate: CaptureRate, Channels: WireChannels}
}

// NewPlaybackFrame wraps received bytes in the 24 kHz mono playback format.
func NewPlaybackFrame(data []byte) Frame {
	return Frame{Data: data, SampleRate: PlaybackRate, Channels: WireChannels}
}

// Samples returns the frame length in samples.
func (f Frame) Samples() int { return len(f.Data) / 2 }
