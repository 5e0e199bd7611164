package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canvas-voice-lab/internal/audio"
	"github.com/canvas-voice-lab/internal/logging"
)

// Session state machine. Initial state is disconnected; every state is
// re-enterable via an explicit Disconnect.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StateError        State = "error"
)

const (
	DefaultSetupTimeout         = 10 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultToolTimeout          = 15 * time.Second
)

var (
	// ErrConnectionTimeout is returned by Connect when no setup
	// acknowledgement arrives within the setup timeout.
	ErrConnectionTimeout = errors.New("connection setup timed out")
	// ErrReconnectExhausted is surfaced on the error callback once the
	// backoff reconnect cap is exceeded.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// errSessionClosed aborts a dial that lost the race with an explicit
	// Disconnect.
	errSessionClosed = errors.New("session explicitly disconnected")
)

// TranscriptEntry is one finalized conversation turn. Entries are append
// only; the client produces them, the caller owns the log.
type TranscriptEntry struct {
	ID        string
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
	IsAudio   bool
}

// ToolOutcome is the structured result of a tool invocation. Failures are
// values, never errors; a failing tool must not break the session.
type ToolOutcome struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolRunner executes a named tool call. Implementations must convert every
// internal failure into a ToolOutcome.
type ToolRunner interface {
	Run(ctx context.Context, name string, args json.RawMessage) ToolOutcome
}

// AudioSink receives server audio for playback. Implemented by
// audio.Pipeline.
type AudioSink interface {
	QueueAudio(frame audio.Frame)
	ClearQueue()
}

// Config parameterizes one realtime session.
type Config struct {
	URL                  string
	Model                string
	ResponseModalities   []string
	Voice                string
	SystemInstruction    string
	Tools                []ToolDeclaration
	SetupTimeout         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	ToolTimeout          time.Duration
}

// Client owns exactly one realtime session with the AI backend.
type Client struct {
	cfg    Config
	dialer Dialer
	bridge ToolRunner
	sink   AudioSink

	// Observability hooks. Set before Connect; invoked from the read loop.
	OnTranscript  func(TranscriptEntry)
	OnStateChange func(State)
	OnError       func(error)

	mu               sync.Mutex
	state            State
	conn             Conn
	ready            bool
	explicit         bool
	attempts         int
	reconnectPending bool
	reconnectTimer   *time.Timer
	setupAck         chan struct{}
	ackOnce          *sync.Once

	pendingID    string
	pendingText  strings.Builder
	pendingAudio bool
}

// NewClient builds a client. dialer may be nil for the default websocket
// dialer; bridge and sink may be nil for text-only sessions.
func NewClient(cfg Config, dialer Dialer, bridge ToolRunner, sink AudioSink) *Client {
	if dialer == nil {
		dialer = NewWebSocketDialer()
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if len(cfg.ResponseModalities) == 0 {
		cfg.ResponseModalities = []string{"AUDIO"}
	}
	return &Client{cfg: cfg, dialer: dialer, bridge: bridge, sink: sink, state: StateDisconnected}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the current reconnect attempt count.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the transport, sends the setup message and blocks until the
// backend acknowledges or the setup timeout elapses. Setup errors propagate
// to the caller and are never auto-retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.state == StateConnecting {
		c.mu.Unlock()
		return errors.New("session already active")
	}
	c.explicit = false
	c.attempts = 0
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.setState(StateError)
		return err
	}

	ack := make(chan struct{})
	c.mu.Lock()
	if c.explicit {
		// Disconnect landed while the dial was in flight.
		c.mu.Unlock()
		_ = conn.Close(true)
		c.setState(StateDisconnected)
		return errSessionClosed
	}
	c.conn = conn
	c.ready = false
	c.setupAck = ack
	c.ackOnce = &sync.Once{}
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.writeJSON(conn, c.setupMessage()); err != nil {
		c.dropConn(conn)
		_ = conn.Close(true)
		c.setState(StateError)
		return err
	}

	select {
	case <-ack:
		c.mu.Lock()
		if c.explicit || c.conn != conn {
			c.mu.Unlock()
			_ = conn.Close(true)
			return errSessionClosed
		}
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)
		logging.Infow("live: session established", "model", c.cfg.Model)
		return nil
	case <-time.After(c.cfg.SetupTimeout):
		c.dropConn(conn)
		_ = conn.Close(true)
		c.setState(StateError)
		return ErrConnectionTimeout
	case <-ctx.Done():
		c.dropConn(conn)
		_ = conn.Close(true)
		c.setState(StateError)
		return ctx.Err()
	}
}

func (c *Client) setupMessage() SetupMessage {
	setup := Setup{
		Model: c.cfg.Model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: c.cfg.ResponseModalities,
		},
		Tools: c.cfg.Tools,
	}
	if c.cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{VoiceName: c.cfg.Voice}
	}
	if c.cfg.SystemInstruction != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: c.cfg.SystemInstruction}}}
	}
	return SetupMessage{Setup: setup}
}

// SendAudio forwards a wire frame to the backend. A no-op while the session
// is not open (pre-ack sends are silently ignored, not retried).
func (c *Client) SendAudio(frame audio.Frame) {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if conn == nil || !ready {
		return
	}
	msg := RealtimeInputMessage{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaChunk{{
			MimeType: audio.WireMimeType,
			Data:     base64.StdEncoding.EncodeToString(frame.Data),
		}},
	}}
	if err := c.writeJSON(conn, msg); err != nil {
		logging.Debugw("live: audio send failed", "err", err)
	}
}

// SendText sends a completed user turn, appends the user transcript entry
// immediately and moves to processing. A no-op while the session is not open.
func (c *Client) SendText(text string) {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if conn == nil || !ready {
		return
	}
	msg := ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
	if err := c.writeJSON(conn, msg); err != nil {
		logging.Warnw("live: text send failed", "err", err)
		return
	}
	c.emitTranscript(TranscriptEntry{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   text,
		Timestamp: time.Now(),
	})
	c.setState(StateProcessing)
}

// StartListening marks the session as listening once microphone capture is
// running. Only meaningful from connected.
func (c *Client) StartListening() {
	c.mu.Lock()
	ok := c.state == StateConnected
	c.mu.Unlock()
	if ok {
		c.setState(StateListening)
	}
}

// Disconnect closes the transport and suppresses the automatic-reconnect
// path. Safe to call from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	conn := c.conn
	c.conn = nil
	c.ready = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	c.pendingID = ""
	c.pendingText.Reset()
	c.pendingAudio = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(true)
	}
	c.setState(StateDisconnected)
	logging.Infow("live: session disconnected")
}

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportLoss(conn, err)
			return
		}
		msg, derr := DecodeServerMessage(data)
		if derr != nil {
			logging.Warnw("live: dropping malformed message", "err", derr)
			continue
		}
		switch m := msg.(type) {
		case *SetupComplete:
			c.handleSetupComplete(conn)
		case *ServerContent:
			c.handleServerContent(m)
		case *ToolCall:
			c.handleToolCall(conn, m)
		case *ToolCallCancellation:
			logging.Infow("live: tool call cancellation", "ids", m.IDs)
		}
	}
}

func (c *Client) handleSetupComplete(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.ready = true
	once := c.ackOnce
	ack := c.setupAck
	c.mu.Unlock()
	once.Do(func() { close(ack) })
}

func (c *Client) handleServerContent(m *ServerContent) {
	if m.Interrupted {
		// Barge-in: discard the in-progress entry and pending playback.
		c.mu.Lock()
		c.pendingID = ""
		c.pendingText.Reset()
		c.pendingAudio = false
		c.mu.Unlock()
		if c.sink != nil {
			c.sink.ClearQueue()
		}
		c.setState(StateConnected)
		return
	}

	if m.ModelTurn != nil {
		for _, part := range m.ModelTurn.Parts {
			if part.Text != "" {
				c.mu.Lock()
				if c.pendingID == "" {
					c.pendingID = uuid.NewString()
				}
				c.pendingText.WriteString(part.Text)
				c.mu.Unlock()
			}
			if part.InlineData != nil {
				raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					logging.Warnw("live: bad audio payload", "err", err)
					continue
				}
				c.mu.Lock()
				c.pendingAudio = true
				c.mu.Unlock()
				c.setState(StateSpeaking)
				if c.sink != nil {
					c.sink.QueueAudio(audio.NewPlaybackFrame(raw))
				}
			}
		}
	}

	if m.TurnComplete {
		c.mu.Lock()
		text := c.pendingText.String()
		id := c.pendingID
		isAudio := c.pendingAudio
		c.pendingText.Reset()
		c.pendingID = ""
		c.pendingAudio = false
		c.mu.Unlock()
		if text != "" {
			c.emitTranscript(TranscriptEntry{
				ID:        id,
				Role:      "assistant",
				Content:   text,
				Timestamp: time.Now(),
				IsAudio:   isAudio,
			})
		}
		c.setState(StateConnected)
	}
}

// handleToolCall executes the batch strictly sequentially so the wire order
// of responses matches the order of calls. A failing handler yields a
// structured failure response and never aborts the batch.
func (c *Client) handleToolCall(conn Conn, m *ToolCall) {
	c.setState(StateProcessing)
	for _, fc := range m.FunctionCalls {
		outcome := ToolOutcome{Success: false, Error: "no tool runner configured"}
		if c.bridge != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ToolTimeout)
			outcome = c.bridge.Run(ctx, fc.Name, fc.Args)
			cancel()
		}
		resp := ToolResponseMessage{ToolResponse: ToolResponse{
			FunctionResponses: []FunctionResponse{{ID: fc.ID, Name: fc.Name, Response: outcome}},
		}}
		if err := c.writeJSON(conn, resp); err != nil {
			logging.Warnw("live: tool response send failed", "id", fc.ID, "err", err)
		}
		logging.Debugw("live: tool call resolved", "name", fc.Name, "id", fc.ID, "success", outcome.Success)
	}
}

// handleTransportLoss runs when the read loop dies. A clean close (explicit
// disconnect) never reconnects; anything else enters bounded backoff.
func (c *Client) handleTransportLoss(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Stale loop from a connection we already replaced or closed.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = false
	explicit := c.explicit
	c.mu.Unlock()

	if explicit {
		c.setState(StateDisconnected)
		return
	}
	logging.Warnw("live: transport lost", "err", err)
	c.scheduleReconnect()
}

func reconnectDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.explicit || c.reconnectPending || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.setState(StateError)
		c.emitError(ErrReconnectExhausted)
		return
	}
	c.reconnectPending = true
	delay := reconnectDelay(c.cfg.ReconnectBase, attempt)
	logging.Infow("live: scheduling reconnect", "attempt", attempt, "delay_ms", delay.Milliseconds())
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		if c.explicit || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.dial(context.Background()); err != nil {
			if errors.Is(err, errSessionClosed) {
				return
			}
			c.emitError(err)
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()
}

func (c *Client) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = false
	}
	c.mu.Unlock()
}

func (c *Client) writeJSON(conn Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(b)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()
	logging.Debugw("live: state change", "from", string(prev), "to", string(s))
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func (c *Client) emitTranscript(e TranscriptEntry) {
	if c.OnTranscript != nil {
		c.OnTranscript(e)
	}
}

func (c *Client) emitError(err error) {
	logging.Errorw("live: session error", "err", err)
	if c.OnError != nil {
		c.OnError(err)
	}
}
