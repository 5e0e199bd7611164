// hubd is the board session-hub server: websocket relay per board, cursor
// RPC, and an MCP endpoint exposing the canvas tools to external agents.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/canvas-voice-lab/internal/canvas"
	"github.com/canvas-voice-lab/internal/config"
	"github.com/canvas-voice-lab/internal/hub"
	"github.com/canvas-voice-lab/internal/logging"
	"github.com/canvas-voice-lab/internal/tools"
)

const version = "v0.3.0"

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.LoadHub()
	pflag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address")
	pflag.DurationVar(&cfg.IdleCleanupDelay, "idle-cleanup-delay", cfg.IdleCleanupDelay, "delay before an empty board is cleaned up")
	pflag.Parse()

	opts := hub.Options{IdleCleanupDelay: cfg.IdleCleanupDelay}

	if cfg.PostgresDSN != "" {
		store, err := hub.NewPostgresAlarmStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			logging.Errorw("hubd: postgres alarm store init failed", "error", err.Error())
			os.Exit(1)
		}
		defer store.Close()
		opts.Alarms = store
	}

	if cfg.MQTTBroker != "" {
		pub := hub.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID)
		defer pub.Close()
		opts.Events = pub
	}

	manager := hub.NewManager(opts)
	defer manager.Close()

	router := hub.NewRouter(manager, func(r *mux.Router) {
		r.HandleFunc("/board/{id}/mcp", func(w http.ResponseWriter, req *http.Request) {
			boardID := mux.Vars(req)["id"]
			bridge := tools.NewBridge(canvas.NewHTTPStoreFromEnv(boardID))
			tools.MCPWebSocketHandler(tools.NewMCPServer(bridge, version))(w, req)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  0, // websockets hold the connection open
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("hubd: listening", "addr", cfg.ListenAddr, "idleCleanupDelay", cfg.IdleCleanupDelay.String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logging.Errorw("hubd: server exited", "error", err.Error())
		os.Exit(1)
	case s := <-sig:
		logging.Infow("hubd: shutting down", "signal", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
