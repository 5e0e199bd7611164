package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// portaudio.Initialize is process-wide; track it once so capture and
// playback devices can share the host and Terminate only on last close.
var (
	paMu   sync.Mutex
	paRefs int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: %v", ErrAudioInit, err)
		}
	}
	paRefs++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

const captureBlockSize = 1024

type paCapture struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
}

// OpenCaptureDevice acquires the default input device at its native rate.
func OpenCaptureDevice() (CaptureDevice, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	rate := 48000
	if dev, err := portaudio.DefaultInputDevice(); err == nil && dev.DefaultSampleRate > 0 {
		rate = int(dev.DefaultSampleRate)
	}
	buf := make([]float32, captureBlockSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return &paCapture{stream: stream, buf: buf, rate: rate}, nil
}

func (c *paCapture) Start() error { return c.stream.Start() }

func (c *paCapture) Read() ([]float32, error) {
	if err := c.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]float32, len(c.buf))
	copy(out, c.buf)
	return out, nil
}

func (c *paCapture) SampleRate() int { return c.rate }

func (c *paCapture) Stop() error { return c.stream.Stop() }

func (c *paCapture) Close() error {
	err := c.stream.Close()
	paRelease()
	return err
}

type paOutput struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
}

// OpenOutputDevice opens the default output device at the playback rate.
func OpenOutputDevice(rate int) (OutputDevice, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, captureBlockSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(buf), buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: %v", ErrAudioInit, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return nil, fmt.Errorf("%w: %v", ErrAudioInit, err)
	}
	return &paOutput{stream: stream, buf: buf, rate: rate}, nil
}

func (o *paOutput) Play(samples []float32) error {
	for off := 0; off < len(samples); off += len(o.buf) {
		end := off + len(o.buf)
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(o.buf, samples[off:end])
		// Zero-pad the tail block so stale samples don't click.
		for i := n; i < len(o.buf); i++ {
			o.buf[i] = 0
		}
		if err := o.stream.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (o *paOutput) SampleRate() int { return o.rate }

func (o *paOutput) Close() error {
	_ = o.stream.Stop()
	err := o.stream.Close()
	paRelease()
	return err
}
