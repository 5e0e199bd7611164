package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/canvas-voice-lab/internal/logging"
)

// NewMCPServer exposes the canvas tools to external MCP clients so desktop
// assistants can drive the same board as the voice session.
func NewMCPServer(bridge *Bridge, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "canvas-tools", Version: version}, nil)

	type createArgs struct {
		Code string  `json:"code"`
		X    float64 `json:"x,omitempty"`
		Y    float64 `json:"y,omitempty"`
	}
	type updateArgs struct {
		BlockID string `json:"blockId"`
		Code    string `json:"code"`
	}
	type blockArgs struct {
		BlockID string `json:"blockId"`
	}
	type emptyArgs struct{}

	run := func(ctx context.Context, name string, args interface{}) (*sdk.CallToolResult, any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		out := bridge.Run(ctx, name, raw)
		text := out.Message
		if !out.Success && out.Error != "" {
			text = out.Error
		}
		return &sdk.CallToolResult{
			Content: []sdk.Content{
				&sdk.TextContent{Text: text},
			},
			IsError: !out.Success,
		}, out.Data, nil
	}

	sdk.AddTool(server, &sdk.Tool{Name: "create_block", Description: "Create a new diagram block on the canvas"}, func(ctx context.Context, req *sdk.CallToolRequest, args createArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "create_block", args)
	})
	sdk.AddTool(server, &sdk.Tool{Name: "update_block", Description: "Replace the diagram source of an existing block"}, func(ctx context.Context, req *sdk.CallToolRequest, args updateArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "update_block", args)
	})
	sdk.AddTool(server, &sdk.Tool{Name: "select_block", Description: "Select a block on the canvas"}, func(ctx context.Context, req *sdk.CallToolRequest, args blockArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "select_block", args)
	})
	sdk.AddTool(server, &sdk.Tool{Name: "delete_block", Description: "Remove a block from the canvas"}, func(ctx context.Context, req *sdk.CallToolRequest, args blockArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "delete_block", args)
	})
	sdk.AddTool(server, &sdk.Tool{Name: "get_canvas_context", Description: "List blocks and the current selection"}, func(ctx context.Context, req *sdk.CallToolRequest, args emptyArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "get_canvas_context", args)
	})
	sdk.AddTool(server, &sdk.Tool{Name: "analyze_block", Description: "Classify a block's diagram structure"}, func(ctx context.Context, req *sdk.CallToolRequest, args blockArgs) (*sdk.CallToolResult, any, error) {
		return run(ctx, "analyze_block", args)
	})

	return server
}

// MCPWebSocketHandler upgrades each request and binds the connection to the
// MCP server as one session.
func MCPWebSocketHandler(server *sdk.Server) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("tools: mcp ws upgrade failed", "error", err.Error())
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), newWSTransport(conn), nil)
			if err != nil {
				logging.Errorw("tools: mcp connect failed", "error", err.Error())
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				logging.Debugw("tools: mcp session ended", "error", err.Error())
			}
		}()
	}
}

type wsTransport struct{ conn *websocket.Conn }

func newWSTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

type wsConnection struct{ conn *websocket.Conn }

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }
