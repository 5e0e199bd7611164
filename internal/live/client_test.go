package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canvas-voice-lab/internal/audio"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close(clean bool) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// dropFromServer simulates a non-clean transport loss.
func (f *fakeConn) dropFromServer() { f.Close(false) }

func (f *fakeConn) serve(raw string) { f.in <- []byte(raw) }

// expectWrite pops the next client frame or fails the test.
func (f *fakeConn) expectWrite(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-f.out:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("client wrote invalid json: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client write")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil && d.dials > len(d.conns) {
		return nil, d.err
	}
	if d.dials > len(d.conns) {
		c := newFakeConn()
		d.conns = append(d.conns, c)
		return c, nil
	}
	return d.conns[d.dials-1], nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeSink struct {
	mu      sync.Mutex
	queued  []audio.Frame
	cleared int
}

func (s *fakeSink) QueueAudio(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, f)
}

func (s *fakeSink) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(name string) ToolOutcome
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args json.RawMessage) ToolOutcome {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	return r.fn(name)
}

type transcriptLog struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

func (l *transcriptLog) append(e TranscriptEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *transcriptLog) snapshot() []TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TranscriptEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func ackOnSetup(conn *fakeConn) {
	go func() {
		<-conn.out // setup message
		conn.serve(`{"setupComplete":{}}`)
	}()
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func testConfig() Config {
	return Config{
		URL:           "ws://backend/live",
		Model:         "models/voice-1",
		SetupTimeout:  time.Second,
		ReconnectBase: 5 * time.Millisecond,
	}
}

func TestConnectHandshake(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := NewClient(testConfig(), d, nil, nil)
	ackOnSetup(conn)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state after disconnect = %s", c.State())
	}
}

func TestConnectTimesOutWithoutAck(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	cfg := testConfig()
	cfg.SetupTimeout = 50 * time.Millisecond
	c := NewClient(cfg, d, nil, nil)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %s, want error", c.State())
	}
	// Setup failures never auto-retry.
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestSendTextThenEmptyTurnEmitsNothing(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := NewClient(testConfig(), d, nil, nil)
	log := &transcriptLog{}
	c.OnTranscript = log.append

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-conn.out // drain setup

	c.SendText("turn on the lights")
	if got := c.State(); got != StateProcessing {
		t.Fatalf("state after SendText = %s, want processing", got)
	}
	frame := conn.expectWrite(t)
	if _, ok := frame["clientContent"]; !ok {
		t.Fatalf("expected clientContent frame, got %v", frame)
	}
	if entries := log.snapshot(); len(entries) != 1 || entries[0].Role != "user" {
		t.Fatalf("expected one user entry, got %+v", entries)
	}

	// Turn completes with no intervening text delta: back to connected,
	// no assistant entry.
	conn.serve(`{"serverContent":{"turnComplete":true}}`)
	waitState(t, c, StateConnected)
	if entries := log.snapshot(); len(entries) != 1 {
		t.Fatalf("expected no assistant entry, got %+v", entries)
	}
	c.Disconnect()
}

func TestAssistantTranscriptAssembly(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	sink := &fakeSink{}
	c := NewClient(testConfig(), d, nil, sink)
	log := &transcriptLog{}
	c.OnTranscript = log.append

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-conn.out

	pcm := base64.StdEncoding.EncodeToString([]byte{0, 0, 1, 0})
	conn.serve(`{"serverContent":{"modelTurn":{"parts":[{"text":"Here is "}]}}}`)
	conn.serve(fmt.Sprintf(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"%s"}}]}}}`, pcm))
	waitState(t, c, StateSpeaking)
	conn.serve(`{"serverContent":{"modelTurn":{"parts":[{"text":"your diagram."}]}}}`)
	conn.serve(`{"serverContent":{"turnComplete":true}}`)
	waitState(t, c, StateConnected)

	entries := log.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one assistant entry, got %+v", entries)
	}
	e := entries[0]
	if e.Role != "assistant" || e.Content != "Here is your diagram." || !e.IsAudio || e.ID == "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	sink.mu.Lock()
	queued := len(sink.queued)
	rate := 0
	if queued > 0 {
		rate = sink.queued[0].SampleRate
	}
	sink.mu.Unlock()
	if queued != 1 || rate != audio.PlaybackRate {
		t.Fatalf("expected one 24kHz frame queued, got %d at %d", queued, rate)
	}
	c.Disconnect()
}

func TestInterruptedDiscardsPendingEntry(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	sink := &fakeSink{}
	c := NewClient(testConfig(), d, nil, sink)
	log := &transcriptLog{}
	c.OnTranscript = log.append

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-conn.out

	conn.serve(`{"serverContent":{"modelTurn":{"parts":[{"text":"half a thou"}]}}}`)
	conn.serve(`{"serverContent":{"interrupted":true}}`)
	waitState(t, c, StateConnected)
	conn.serve(`{"serverContent":{"turnComplete":true}}`)
	time.Sleep(20 * time.Millisecond)

	if entries := log.snapshot(); len(entries) != 0 {
		t.Fatalf("interrupted turn must not emit entries, got %+v", entries)
	}
	sink.mu.Lock()
	cleared := sink.cleared
	sink.mu.Unlock()
	if cleared != 1 {
		t.Fatalf("expected one playback clear, got %d", cleared)
	}
	c.Disconnect()
}

func TestToolCallBatchSequentialWithFailure(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	runner := &scriptedRunner{fn: func(name string) ToolOutcome {
		if name == "delete_block" {
			return ToolOutcome{Success: false, Error: "block not found: b9"}
		}
		return ToolOutcome{Success: true, Message: "ok"}
	}}
	c := NewClient(testConfig(), d, runner, nil)

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-conn.out

	conn.serve(`{"toolCall":{"functionCalls":[` +
		`{"id":"1","name":"create_block","args":{"code":"graph TD"}},` +
		`{"id":"2","name":"delete_block","args":{"blockId":"b9"}}]}}`)

	first := conn.expectWrite(t)
	second := conn.expectWrite(t)
	waitState(t, c, StateProcessing)

	type respFrame struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string      `json:"id"`
				Name     string      `json:"name"`
				Response ToolOutcome `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}
	decode := func(m map[string]json.RawMessage) respFrame {
		raw, _ := json.Marshal(m)
		var f respFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode tool response: %v", err)
		}
		return f
	}
	f1, f2 := decode(first), decode(second)
	if f1.ToolResponse.FunctionResponses[0].ID != "1" || !f1.ToolResponse.FunctionResponses[0].Response.Success {
		t.Fatalf("first response wrong: %+v", f1)
	}
	r2 := f2.ToolResponse.FunctionResponses[0]
	if r2.ID != "2" || r2.Response.Success || r2.Response.Error == "" {
		t.Fatalf("second response should be a structured failure: %+v", r2)
	}

	runner.mu.Lock()
	order := append([]string(nil), runner.calls...)
	runner.mu.Unlock()
	if len(order) != 2 || order[0] != "create_block" || order[1] != "delete_block" {
		t.Fatalf("calls out of order: %v", order)
	}

	conn.serve(`{"serverContent":{"turnComplete":true}}`)
	waitState(t, c, StateConnected)
	c.Disconnect()
}

func TestReconnectDelaySequence(t *testing.T) {
	base := time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := reconnectDelay(base, i+1); got != w {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	c := NewClient(testConfig(), d, nil, nil)

	first.serve(`{"setupComplete":{}}`)
	second.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.dropFromServer()
	deadline := time.Now().Add(2 * time.Second)
	for d.dialCount() != 2 || c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, state = %s; want 2 and connected", d.dialCount(), c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Disconnect()
}

func TestNoReconnectAfterExplicitDisconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := NewClient(testConfig(), d, nil, nil)

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials after explicit disconnect = %d, want 1", n)
	}
}

type dialFunc func(ctx context.Context, url string) (Conn, error)

func (f dialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

func TestDisconnectDuringReconnectDialAbortsSession(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	release := make(chan struct{})
	var dials int32
	d := dialFunc(func(ctx context.Context, url string) (Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return first, nil
		}
		// Reconnect dial stalls until the test releases it.
		<-release
		return second, nil
	})
	c := NewClient(testConfig(), d, nil, nil)

	first.serve(`{"setupComplete":{}}`)
	second.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.dropFromServer()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&dials) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("reconnect dial never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Disconnect lands while the reconnect dial is in flight, then the dial
	// completes. The session must not come back up.
	c.Disconnect()
	close(release)

	select {
	case <-second.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late dial's connection was never closed")
	}
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("session resurrected after explicit Disconnect: state = %s", got)
	}
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
}

func TestReconnectExhaustionSetsError(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}, err: errors.New("backend gone")}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	c := NewClient(cfg, d, nil, nil)

	errCh := make(chan error, 16)
	c.OnError = func(err error) { errCh <- err }

	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.dropFromServer()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, ErrReconnectExhausted) {
				waitState(t, c, StateError)
				return
			}
		case <-deadline:
			t.Fatalf("never saw ErrReconnectExhausted")
		}
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := NewClient(testConfig(), d, nil, nil)

	conn.serve(`this is not json`)
	conn.serve(`{"unknownEnvelope":{}}`)
	conn.serve(`{"setupComplete":{}}`)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect should survive malformed frames: %v", err)
	}
	c.Disconnect()
}

func TestSendAudioIsNoopBeforeAck(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := NewClient(testConfig(), d, nil, nil)

	// Not connected at all: silently ignored.
	c.SendAudio(audio.NewWireFrame([]byte{0, 0}))
	if len(conn.out) != 0 {
		t.Fatalf("no frame should have been written")
	}
}
