package audio

import (
	"sync"
	"sync/atomic"

	"github.com/canvas-voice-lab/internal/logging"
)

// Pipeline converts between device audio and the wire format. Capture runs
// on its own goroutine and communicates with the owner purely through the
// frame channel; playback is cooperatively sequential, one frame at a time.
type Pipeline struct {
	// OpenCapture and OpenOutput are swappable for tests; the defaults
	// acquire portaudio devices.
	OpenCapture func() (CaptureDevice, error)
	OpenOutput  func(rate int) (OutputDevice, error)

	mu       sync.Mutex
	capture  CaptureDevice
	capStop  chan struct{}
	output   OutputDevice
	queue    []Frame
	playing  bool
	disposed bool

	frames    chan Frame
	dropCount int64
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		OpenCapture: OpenCaptureDevice,
		OpenOutput:  OpenOutputDevice,
		frames:      make(chan Frame, 64),
	}
}

// Frames is the stream of wire-format frames produced by capture.
func (p *Pipeline) Frames() <-chan Frame { return p.frames }

// StartCapture acquires the microphone and starts the capture goroutine.
// Calling it while capture is already running is a no-op.
func (p *Pipeline) StartCapture() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrAudioInit
	}
	if p.capture != nil {
		return nil
	}
	dev, err := p.OpenCapture()
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		_ = dev.Close()
		return err
	}
	stop := make(chan struct{})
	p.capture = dev
	p.capStop = stop
	go p.captureLoop(dev, stop)
	logging.Infow("audio: capture started", "device_rate", dev.SampleRate(), "wire_rate", CaptureRate)
	return nil
}

// captureLoop reads raw device blocks, resamples them to the wire rate and
// emits encoded frames. It owns the device and closes it on exit.
func (p *Pipeline) captureLoop(dev CaptureDevice, stop chan struct{}) {
	defer func() { _ = dev.Close() }()
	rs := NewResampler(dev.SampleRate(), CaptureRate)
	for {
		select {
		case <-stop:
			return
		default:
		}
		block, err := dev.Read()
		if err != nil {
			select {
			case <-stop:
			default:
				logging.Errorw("audio: capture read error", "err", err)
			}
			return
		}
		out := rs.Process(block)
		if len(out) == 0 {
			continue
		}
		frame := NewWireFrame(EncodePCM16(out))
		select {
		case p.frames <- frame:
		default:
			n := atomic.AddInt64(&p.dropCount, 1)
			logging.Warnw("audio: dropping capture frame; channel full", "dropped_total", n)
		}
	}
}

// StopCapture signals the capture goroutine and releases the microphone.
// Idempotent; safe to call from any state.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	dev := p.capture
	stop := p.capStop
	p.capture = nil
	p.capStop = nil
	p.mu.Unlock()
	if dev == nil {
		return
	}
	close(stop)
	_ = dev.Stop()
	logging.Infow("audio: capture stopped")
}

// QueueAudio appends a received frame to the playback queue and starts the
// playback loop if nothing is currently playing. The output device is
// initialized lazily so voice-output-only sessions never touch the mic.
func (p *Pipeline) QueueAudio(frame Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.queue = append(p.queue, frame)
	if !p.playing {
		p.playing = true
		go p.playLoop()
	}
}

func (p *Pipeline) playLoop() {
	for {
		p.mu.Lock()
		if p.disposed || len(p.queue) == 0 {
			p.playing = false
			p.mu.Unlock()
			return
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]
		out := p.output
		p.mu.Unlock()

		if out == nil {
			dev, err := p.OpenOutput(PlaybackRate)
			if err != nil {
				logging.Errorw("audio: output init failed; dropping playback", "err", err)
				p.mu.Lock()
				p.queue = nil
				p.playing = false
				p.mu.Unlock()
				return
			}
			p.mu.Lock()
			if p.disposed {
				p.mu.Unlock()
				_ = dev.Close()
				return
			}
			p.output = dev
			p.mu.Unlock()
			out = dev
		}

		// Play blocks until the frame has rendered; that is the only
		// thing keeping frames from overlapping.
		if err := out.Play(DecodePCM16(frame.Data)); err != nil {
			logging.Errorw("audio: playback error", "err", err)
		}
	}
}

// Playing reports whether the playback loop is active.
func (p *Pipeline) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// ClearQueue drops all pending frames. The frame currently rendering is
// unaffected; playback ends after it completes.
func (p *Pipeline) ClearQueue() {
	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	if n > 0 {
		logging.Debugw("audio: playback queue cleared", "dropped", n)
	}
}

// Dispose stops capture, clears the queue and releases all audio resources.
// Safe to call multiple times.
func (p *Pipeline) Dispose() {
	p.StopCapture()
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.queue = nil
	out := p.output
	p.output = nil
	p.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	logging.Infow("audio: pipeline disposed")
}
