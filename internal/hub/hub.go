// Package hub is the server side of the realtime session layer: one
// addressable actor per board relaying room traffic between collaborators.
// Control envelopes are interpreted locally; everything else on the socket
// is opaque sync data and is relayed verbatim.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/canvas-voice-lab/internal/logging"
)

// Socket is the transport a hub writes to. Satisfied by
// *websocket.Conn behind a write lock; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Options configures every hub a Manager creates.
type Options struct {
	IdleCleanupDelay time.Duration
	Alarms           AlarmStore
	Events           EventPublisher
}

// Hub relays traffic for one board. All state is owned by a single actor
// goroutine consuming ops; public methods post onto it and wait, so cursor
// state and the session set never see concurrent mutation.
type Hub struct {
	boardID string
	opts    Options
	onIdle  func(boardID string)

	ops  chan func()
	done chan struct{}

	// closeMu serializes enqueues against close so no op can land on a
	// drained channel and hang its caller.
	closeMu sync.Mutex
	closed  bool

	// actor-owned
	sessions     map[string]Socket
	order        []string
	cursor       AICursorState
	alarmTimer   *time.Timer
	alarmPending bool
}

func NewHub(boardID string, opts Options) *Hub {
	if opts.IdleCleanupDelay <= 0 {
		opts.IdleCleanupDelay = DefaultIdleCleanupDelay
	}
	if opts.Alarms == nil {
		opts.Alarms = NewMemoryAlarmStore()
	}
	h := &Hub{
		boardID:  boardID,
		opts:     opts,
		ops:      make(chan func(), 16),
		done:     make(chan struct{}),
		sessions: make(map[string]Socket),
		cursor:   AICursorState{State: "idle"},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case fn := <-h.ops:
			fn()
		case <-h.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to complete. It
// reports false without running fn once the hub is closed; it never blocks
// on a closed hub.
func (h *Hub) do(fn func()) bool {
	ran := make(chan struct{})
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return false
	}
	h.ops <- func() { fn(); close(ran) }
	h.closeMu.Unlock()
	<-ran
	return true
}

// rearmPersistedAlarm restores the cleanup timer after a restart. A
// deadline already in the past fires immediately.
func (h *Hub) rearmPersistedAlarm() {
	at, ok, err := h.opts.Alarms.Pending(context.Background(), h.boardID)
	if err != nil {
		logging.Warnw("hub: alarm lookup failed", append(logging.BoardFields(h.boardID), "error", err.Error())...)
		return
	}
	if !ok {
		return
	}
	h.do(func() {
		if h.alarmPending {
			return
		}
		h.alarmPending = true
		h.alarmTimer = time.AfterFunc(time.Until(at), h.alarmFired)
	})
}

func (h *Hub) BoardID() string { return h.boardID }

// Join registers a socket and returns its durable session id, or "" when
// the hub has already been closed (the caller should resolve a fresh hub
// and retry). Joining cancels any pending idle-cleanup alarm.
func (h *Hub) Join(sock Socket) string {
	sessionID := uuid.NewString()
	ok := h.do(func() {
		h.sessions[sessionID] = sock
		h.order = append(h.order, sessionID)
		h.cancelAlarmLocked()
		if len(h.sessions) == 1 && h.opts.Events != nil {
			h.opts.Events.Publish(EventBoardOpened, h.boardID, map[string]interface{}{"sessionId": sessionID})
		}
		logging.Infow("hub: session joined", append(append(logging.BoardFields(h.boardID), logging.SessionFields(sessionID, "")...), "sockets", len(h.sessions))...)
	})
	if !ok {
		return ""
	}
	return sessionID
}

// Leave unregisters a socket. When the last socket leaves, exactly one
// idle-cleanup alarm is scheduled.
func (h *Hub) Leave(sessionID string) {
	h.do(func() {
		if _, ok := h.sessions[sessionID]; !ok {
			return
		}
		delete(h.sessions, sessionID)
		for i, id := range h.order {
			if id == sessionID {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
		logging.Infow("hub: session left", append(append(logging.BoardFields(h.boardID), logging.SessionFields(sessionID, "")...), "sockets", len(h.sessions))...)
		if len(h.sessions) == 0 && !h.alarmPending {
			at := time.Now().Add(h.opts.IdleCleanupDelay)
			if err := h.opts.Alarms.Schedule(context.Background(), h.boardID, at); err != nil {
				logging.Warnw("hub: alarm persist failed", append(logging.BoardFields(h.boardID), "error", err.Error())...)
			}
			h.alarmPending = true
			h.alarmTimer = time.AfterFunc(h.opts.IdleCleanupDelay, h.alarmFired)
			logging.Debugw("hub: idle cleanup scheduled", append(logging.BoardFields(h.boardID), "fireAt", at.Format(time.RFC3339))...)
		}
	})
}

func (h *Hub) cancelAlarmLocked() {
	if !h.alarmPending {
		return
	}
	h.alarmPending = false
	if h.alarmTimer != nil {
		h.alarmTimer.Stop()
		h.alarmTimer = nil
	}
	if err := h.opts.Alarms.Clear(context.Background(), h.boardID); err != nil {
		logging.Warnw("hub: alarm clear failed", append(logging.BoardFields(h.boardID), "error", err.Error())...)
	}
}

func (h *Hub) alarmFired() {
	h.do(func() {
		h.alarmPending = false
		h.alarmTimer = nil
		if len(h.sessions) > 0 {
			// A collaborator reconnected before the alarm fired.
			_ = h.opts.Alarms.Clear(context.Background(), h.boardID)
			return
		}
		logging.Infow("hub: idle cleanup", logging.BoardFields(h.boardID)...)
		h.cursor = AICursorState{State: "idle"}
		_ = h.opts.Alarms.Clear(context.Background(), h.boardID)
		if h.opts.Events != nil {
			h.opts.Events.Publish(EventBoardIdle, h.boardID, map[string]interface{}{})
		}
	})
	if h.onIdle != nil {
		go h.onIdle(h.boardID)
	}
}

// HandleInbound processes one frame from a registered socket. Recognized
// control envelopes never reach the opaque sync path.
func (h *Hub) HandleInbound(senderID string, messageType int, data []byte) {
	h.do(func() {
		if messageType != websocket.TextMessage {
			h.broadcastLocked(messageType, data, senderID)
			return
		}
		msg, ok := decodeControl(data)
		if !ok {
			h.broadcastLocked(messageType, data, senderID)
			return
		}
		switch m := msg.(type) {
		case *AICursorMessage:
			h.cursor = AICursorState{State: m.State, Position: m.Position}
			h.broadcastLocked(websocket.TextMessage, data, senderID)
		case *VoiceActivityMessage:
			h.broadcastLocked(websocket.TextMessage, data, senderID)
			if h.opts.Events != nil {
				h.opts.Events.Publish(EventVoiceActivity, h.boardID, m)
			}
		case *PingMessage:
			h.sendToLocked(senderID, newPong())
		}
	})
}

// SetAICursor is the administrative entry point. The update is broadcast to
// every socket, the sender included, since the mutation does not originate
// from a socket.
func (h *Hub) SetAICursor(state string, pos *Position) {
	h.do(func() {
		h.cursor = AICursorState{State: state, Position: pos}
		body, err := json.Marshal(AICursorMessage{Type: "ai-cursor", State: state, Position: pos})
		if err != nil {
			return
		}
		h.broadcastLocked(websocket.TextMessage, body, "")
	})
}

// Broadcast relays a frame to every open socket except the sender.
func (h *Hub) Broadcast(messageType int, data []byte, excludeSession string) {
	h.do(func() { h.broadcastLocked(messageType, data, excludeSession) })
}

// broadcastLocked runs on the actor goroutine. A failing socket is logged
// and skipped; it never aborts delivery to the rest.
func (h *Hub) broadcastLocked(messageType int, data []byte, exclude string) {
	for _, id := range h.order {
		if id == exclude {
			continue
		}
		if err := h.sessions[id].WriteMessage(messageType, data); err != nil {
			logging.Warnw("hub: broadcast send failed", append(append(logging.BoardFields(h.boardID), logging.SessionFields(id, "")...), "error", err.Error())...)
		}
	}
}

func (h *Hub) sendToLocked(sessionID string, payload interface{}) {
	sock, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := sock.WriteMessage(websocket.TextMessage, body); err != nil {
		logging.Warnw("hub: reply send failed", append(append(logging.BoardFields(h.boardID), logging.SessionFields(sessionID, "")...), "error", err.Error())...)
	}
}

func (h *Hub) Cursor() AICursorState {
	var out AICursorState
	h.do(func() { out = h.cursor })
	return out
}

func (h *Hub) SessionCount() int {
	var n int
	h.do(func() { n = len(h.sessions) })
	return n
}

// teardown runs on the actor goroutine. Sockets are closed so their read
// loops unwind.
func (h *Hub) teardown() {
	if h.alarmTimer != nil {
		h.alarmTimer.Stop()
		h.alarmTimer = nil
	}
	for id, sock := range h.sessions {
		_ = sock.Close()
		delete(h.sessions, id)
	}
	h.order = nil
}

// Close stops the actor unconditionally. Idempotent; any later do() fails
// fast instead of blocking.
func (h *Hub) Close() {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return
	}
	fin := make(chan struct{})
	h.ops <- func() {
		h.teardown()
		close(fin)
	}
	h.closed = true
	<-fin
	close(h.done)
}

// closeIfIdle closes the hub only if no session is registered by the time
// the actor processes the request; a join already queued ahead of it keeps
// the hub alive. Reports whether the hub is now closed.
func (h *Hub) closeIfIdle() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return true
	}
	result := make(chan bool, 1)
	h.ops <- func() {
		if len(h.sessions) > 0 {
			result <- false
			return
		}
		h.teardown()
		result <- true
	}
	if !<-result {
		return false
	}
	h.closed = true
	close(h.done)
	return true
}

// Manager creates hubs on demand, one per board id, and evicts them after
// idle cleanup. A recreated hub rehydrates cursor state to idle and re-arms
// any persisted alarm; only the alarm deadline survives a restart.
type Manager struct {
	mu   sync.Mutex
	opts Options
	hubs map[string]*Hub
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, hubs: make(map[string]*Hub)}
}

func (m *Manager) Get(boardID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[boardID]; ok {
		return h
	}
	h := NewHub(boardID, m.opts)
	h.onIdle = m.evict
	h.rearmPersistedAlarm()
	m.hubs[boardID] = h
	return h
}

// evict removes a hub after idle cleanup. Holding mu across closeIfIdle
// keeps Get callers from resolving the hub mid-close: they block until the
// entry is gone and then create a fresh one.
func (m *Manager) evict(boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[boardID]; ok && h.closeIfIdle() {
		delete(m.hubs, boardID)
	}
}

// BoardStatus is one row of the /status report.
type BoardStatus struct {
	BoardID string `json:"boardId"`
	Sockets int    `json:"sockets"`
}

func (m *Manager) Status() []BoardStatus {
	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.mu.Unlock()
	out := make([]BoardStatus, 0, len(hubs))
	for _, h := range hubs {
		out = append(out, BoardStatus{BoardID: h.BoardID(), Sockets: h.SessionCount()})
	}
	return out
}

func (m *Manager) Close() {
	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for id, h := range m.hubs {
		hubs = append(hubs, h)
		delete(m.hubs, id)
	}
	m.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
}
