package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/canvas-voice-lab/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// lockedSocket serializes writes from the hub actor and pong replies onto
// one websocket connection.
type lockedSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *lockedSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *lockedSocket) Close() error { return s.conn.Close() }

// NewRouter mounts the hub HTTP surface on a mux router. extra, when
// non-nil, is applied last so the caller can add endpoints such as the MCP
// bridge.
func NewRouter(m *Manager, extra func(*mux.Router)) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"boards": m.Status()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/board/{id}/ws", func(w http.ResponseWriter, req *http.Request) {
		boardID := mux.Vars(req)["id"]
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logging.Warnw("hub: upgrade failed", append(logging.BoardFields(boardID), "error", err.Error())...)
			return
		}
		sock := &lockedSocket{conn: conn}
		h := m.Get(boardID)
		sessionID := h.Join(sock)
		for sessionID == "" {
			// The hub was evicted between Get and Join; land on a fresh one.
			h = m.Get(boardID)
			sessionID = h.Join(sock)
		}
		go func() {
			defer func() {
				h.Leave(sessionID)
				conn.Close()
			}()
			for {
				messageType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				h.HandleInbound(sessionID, messageType, data)
			}
		}()
	})

	r.HandleFunc("/board/{id}/rpc/set-ai-cursor", func(w http.ResponseWriter, req *http.Request) {
		boardID := mux.Vars(req)["id"]
		var body struct {
			State    *string   `json:"state"`
			Position *Position `json:"position"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.State == nil {
			http.Error(w, `{"success":false,"error":"malformed body"}`, http.StatusBadRequest)
			return
		}
		m.Get(boardID).SetAICursor(*body.State, body.Position)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}).Methods(http.MethodPost)

	if extra != nil {
		extra(r)
	}
	return r
}
