// Package tools executes the assistant's function calls against the canvas.
// Every failure is converted into a structured outcome; nothing in this
// package propagates an error to the transport layer.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/canvas-voice-lab/internal/canvas"
	"github.com/canvas-voice-lab/internal/live"
	"github.com/canvas-voice-lab/internal/logging"
)

const previewSnippetLen = 80

// Bridge implements live.ToolRunner on top of a canvas.Store.
type Bridge struct {
	store canvas.Store
}

func NewBridge(store canvas.Store) *Bridge {
	return &Bridge{store: store}
}

// Run dispatches one tool invocation. It never returns an error; unknown
// names, bad arguments and store failures all become failed outcomes.
func (b *Bridge) Run(ctx context.Context, name string, args json.RawMessage) (out live.ToolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("tools: handler panic", "tool", name, "panic", fmt.Sprint(r))
			out = failure(fmt.Sprintf("%s failed: internal error", name))
		}
	}()

	switch name {
	case "create_block":
		return b.createBlock(ctx, args)
	case "update_block":
		return b.updateBlock(ctx, args)
	case "select_block":
		return b.selectBlock(ctx, args)
	case "delete_block":
		return b.deleteBlock(ctx, args)
	case "get_canvas_context":
		return b.canvasContext(ctx)
	case "analyze_block":
		return b.analyzeBlock(ctx, args)
	default:
		return failure(fmt.Sprintf("unknown tool %q", name))
	}
}

func failure(msg string) live.ToolOutcome {
	return live.ToolOutcome{Success: false, Error: msg, Message: msg}
}

func storeFailure(op string, err error) live.ToolOutcome {
	if errors.Is(err, canvas.ErrNotFound) {
		return failure(op + ": block not found")
	}
	return failure(op + ": " + err.Error())
}

func (b *Bridge) createBlock(ctx context.Context, raw json.RawMessage) live.ToolOutcome {
	var args struct {
		Code string  `json:"code"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failure("create_block: malformed arguments")
	}
	if args.Code == "" {
		return failure("create_block: code is required")
	}
	blk, err := b.store.CreateBlock(ctx, args.Code, args.X, args.Y)
	if err != nil {
		return storeFailure("create_block", err)
	}
	logging.Infow("tools: block created", "blockId", blk.ID)
	return live.ToolOutcome{
		Success: true,
		Message: "created block " + blk.ID,
		Data:    map[string]interface{}{"blockId": blk.ID},
	}
}

func (b *Bridge) updateBlock(ctx context.Context, raw json.RawMessage) live.ToolOutcome {
	var args struct {
		BlockID string `json:"blockId"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failure("update_block: malformed arguments")
	}
	if args.BlockID == "" || args.Code == "" {
		return failure("update_block: blockId and code are required")
	}
	blk, err := b.store.UpdateBlock(ctx, args.BlockID, args.Code)
	if err != nil {
		return storeFailure("update_block", err)
	}
	return live.ToolOutcome{
		Success: true,
		Message: "updated block " + blk.ID,
		Data:    map[string]interface{}{"blockId": blk.ID},
	}
}

func (b *Bridge) selectBlock(ctx context.Context, raw json.RawMessage) live.ToolOutcome {
	var args struct {
		BlockID string `json:"blockId"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failure("select_block: malformed arguments")
	}
	if args.BlockID == "" {
		return failure("select_block: blockId is required")
	}
	if err := b.store.SelectBlock(ctx, args.BlockID); err != nil {
		return storeFailure("select_block", err)
	}
	return live.ToolOutcome{Success: true, Message: "selected block " + args.BlockID}
}

func (b *Bridge) deleteBlock(ctx context.Context, raw json.RawMessage) live.ToolOutcome {
	var args struct {
		BlockID string `json:"blockId"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failure("delete_block: malformed arguments")
	}
	if args.BlockID == "" {
		return failure("delete_block: blockId is required")
	}
	if err := b.store.DeleteBlock(ctx, args.BlockID); err != nil {
		return storeFailure("delete_block", err)
	}
	return live.ToolOutcome{Success: true, Message: "deleted block " + args.BlockID}
}

func (b *Bridge) canvasContext(ctx context.Context) live.ToolOutcome {
	blocks, err := b.store.ListBlocks(ctx)
	if err != nil {
		return storeFailure("get_canvas_context", err)
	}
	selected, err := b.store.Selection(ctx)
	if err != nil {
		return storeFailure("get_canvas_context", err)
	}
	previews := make([]canvas.Preview, 0, len(blocks))
	for _, blk := range blocks {
		previews = append(previews, canvas.Preview{
			ID:       blk.ID,
			Snippet:  snippet(blk.Code),
			Selected: blk.ID == selected,
		})
	}
	return live.ToolOutcome{
		Success: true,
		Message: fmt.Sprintf("%d blocks on canvas", len(blocks)),
		Data: map[string]interface{}{
			"blocks":   previews,
			"selected": selected,
		},
	}
}

func (b *Bridge) analyzeBlock(ctx context.Context, raw json.RawMessage) live.ToolOutcome {
	var args struct {
		BlockID string `json:"blockId"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failure("analyze_block: malformed arguments")
	}
	id := args.BlockID
	if id == "" {
		sel, err := b.store.Selection(ctx)
		if err != nil {
			return storeFailure("analyze_block", err)
		}
		if sel == "" {
			return failure("analyze_block: blockId is required when nothing is selected")
		}
		id = sel
	}
	blk, err := b.store.GetBlock(ctx, id)
	if err != nil {
		return storeFailure("analyze_block", err)
	}
	nodes, conns := countStructure(blk.Code)
	complexity := "simple"
	switch {
	case nodes+conns > 15:
		complexity = "complex"
	case nodes+conns > 5:
		complexity = "moderate"
	}
	return live.ToolOutcome{
		Success: true,
		Message: fmt.Sprintf("block %s: %d nodes, %d connections (%s)", id, nodes, conns, complexity),
		Data: map[string]interface{}{
			"blockId":     id,
			"nodes":       nodes,
			"connections": conns,
			"complexity":  complexity,
		},
	}
}

var (
	arrowRe = regexp.MustCompile(`-{1,2}>|={1,2}>|-\.->|--[-x o]|<-{1,2}`)
	identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

// countStructure is a coarse text heuristic over the diagram source: arrow
// tokens count as connections, unique identifiers adjacent to them as nodes.
// Good enough for a one-word complexity answer, nothing more.
func countStructure(code string) (nodes, connections int) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		arrows := arrowRe.FindAllString(line, -1)
		connections += len(arrows)
		if len(arrows) == 0 {
			continue
		}
		for _, id := range identRe.FindAllString(line, -1) {
			seen[id] = true
		}
	}
	return len(seen), connections
}

func snippet(code string) string {
	s := strings.TrimSpace(code)
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[:nl]
	}
	if len(s) > previewSnippetLen {
		s = s[:previewSnippetLen] + "…"
	}
	return s
}

// Declarations returns the function declarations advertised in the session
// setup message.
func Declarations() []live.ToolDeclaration {
	obj := func(props string, required ...string) json.RawMessage {
		req := ""
		if len(required) > 0 {
			req = `,"required":["` + strings.Join(required, `","`) + `"]`
		}
		return json.RawMessage(`{"type":"object","properties":{` + props + `}` + req + `}`)
	}
	return []live.ToolDeclaration{{
		FunctionDeclarations: []live.FunctionDeclaration{
			{
				Name:        "create_block",
				Description: "Create a new diagram block on the canvas.",
				Parameters: obj(
					`"code":{"type":"string","description":"Diagram source for the block"},`+
						`"x":{"type":"number"},"y":{"type":"number"}`,
					"code"),
			},
			{
				Name:        "update_block",
				Description: "Replace the diagram source of an existing block.",
				Parameters: obj(
					`"blockId":{"type":"string"},"code":{"type":"string"}`,
					"blockId", "code"),
			},
			{
				Name:        "select_block",
				Description: "Select a block so later commands can refer to it.",
				Parameters:  obj(`"blockId":{"type":"string"}`, "blockId"),
			},
			{
				Name:        "delete_block",
				Description: "Remove a block from the canvas.",
				Parameters:  obj(`"blockId":{"type":"string"}`, "blockId"),
			},
			{
				Name:        "get_canvas_context",
				Description: "List every block on the canvas with the current selection.",
				Parameters:  obj(``),
			},
			{
				Name:        "analyze_block",
				Description: "Classify a block's diagram structure as simple, moderate or complex.",
				Parameters:  obj(`"blockId":{"type":"string","description":"Defaults to the selected block"}`),
			},
		},
	}}
}
