package audio

import "errors"

var (
	// ErrAudioInit means no audio host is available on this machine.
	ErrAudioInit = errors.New("audio init failed")
	// ErrPermissionDenied means the input device could not be acquired.
	ErrPermissionDenied = errors.New("microphone access denied")
)

// CaptureDevice is an exclusive handle on a microphone. Read blocks until
// the next block of mono float samples at the device's native rate.
type CaptureDevice interface {
	Start() error
	Read() ([]float32, error)
	SampleRate() int
	Stop() error
	Close() error
}

// OutputDevice renders mono float samples. Play blocks until the block has
// been handed to the hardware, which is what serializes playback.
type OutputDevice interface {
	Play(samples []float32) error
	SampleRate() int
	Close() error
}
