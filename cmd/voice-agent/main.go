// voice-agent runs one voice session against the AI backend: microphone in,
// speaker out, canvas tools wired to the session, presence relayed to the
// board hub.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/canvas-voice-lab/internal/audio"
	"github.com/canvas-voice-lab/internal/canvas"
	"github.com/canvas-voice-lab/internal/config"
	"github.com/canvas-voice-lab/internal/live"
	"github.com/canvas-voice-lab/internal/logging"
	"github.com/canvas-voice-lab/internal/tools"
)

// hubLink relays the agent's presence to the board hub over the same socket
// collaborators use. Best-effort: a nil or failed link never affects the
// session.
type hubLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	name string
}

func dialHub(hubURL, boardID, userName string) *hubLink {
	if hubURL == "" {
		return nil
	}
	url := strings.TrimRight(hubURL, "/") + "/board/" + boardID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		logging.Warnw("agent: hub dial failed", "url", url, "error", err.Error())
		return nil
	}
	// Drain inbound frames so the hub's writes never block on us.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	logging.Infow("agent: hub connected", "url", url)
	return &hubLink{conn: conn, name: userName}
}

func (l *hubLink) send(payload interface{}) {
	if l == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		logging.Debugw("agent: hub send failed", "error", err.Error())
	}
}

func (l *hubLink) voiceActivity(active bool, state string) {
	if l == nil {
		return
	}
	l.send(map[string]interface{}{
		"type":     "ai-voice-activity",
		"isActive": active,
		"state":    state,
		"userName": l.name,
	})
}

func (l *hubLink) close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.Close()
}

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.LoadAgent()
	textOnly := pflag.Bool("text-only", false, "skip microphone capture, accept text from stdin only")
	pflag.StringVar(&cfg.BoardID, "board", cfg.BoardID, "board id")
	pflag.Parse()

	var store canvas.Store = canvas.NewMemoryStore()
	if os.Getenv("BOARD_API_URL") != "" {
		store = canvas.NewHTTPStoreFromEnv(cfg.BoardID)
	}
	bridge := tools.NewBridge(store)

	pipeline := audio.NewPipeline()
	defer pipeline.Dispose()

	link := dialHub(cfg.HubURL, cfg.BoardID, cfg.UserName)
	defer link.close()

	url := cfg.LiveURL
	if cfg.APIKey != "" {
		url += "?key=" + cfg.APIKey
	}
	client := live.NewClient(live.Config{
		URL:                  url,
		Model:                cfg.Model,
		Voice:                cfg.Voice,
		SystemInstruction:    cfg.SystemInstruction,
		Tools:                tools.Declarations(),
		SetupTimeout:         cfg.SetupTimeout,
		ReconnectBase:        cfg.ReconnectBase,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil, bridge, pipeline)

	client.OnTranscript = func(entry live.TranscriptEntry) {
		logging.Infow("agent: transcript",
			"role", entry.Role, "audio", entry.IsAudio, "content", entry.Content)
	}
	client.OnStateChange = func(state live.State) {
		logging.Debugw("agent: session state", "state", string(state))
		switch state {
		case live.StateSpeaking:
			link.voiceActivity(true, "speaking")
		case live.StateProcessing:
			link.voiceActivity(true, "thinking")
		case live.StateConnected, live.StateListening:
			link.voiceActivity(false, "idle")
		}
	}
	client.OnError = func(err error) {
		logging.Warnw("agent: session error", "error", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		logging.Errorw("agent: connect failed", "error", err.Error())
		os.Exit(1)
	}
	defer client.Disconnect()

	if !*textOnly {
		if err := pipeline.StartCapture(); err != nil {
			logging.Errorw("agent: microphone unavailable", "error", err.Error())
			os.Exit(1)
		}
		defer pipeline.StopCapture()
		client.StartListening()
		go func() {
			for frame := range pipeline.Frames() {
				client.SendAudio(frame)
			}
		}()
	}

	// Lines on stdin become user text turns.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			client.SendText(line)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Infow("agent: shutting down", "signal", s.String())
}
