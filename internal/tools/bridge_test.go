package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/canvas-voice-lab/internal/canvas"
)

func TestCreateUpdateDeleteRoundTrip(t *testing.T) {
	b := NewBridge(canvas.NewMemoryStore())

	out := b.Run(context.Background(), "create_block", json.RawMessage(`{"code":"graph TD\nA-->B"}`))
	if !out.Success {
		t.Fatalf("create failed: %+v", out)
	}
	data := out.Data.(map[string]interface{})
	id := data["blockId"].(string)
	if id == "" {
		t.Fatal("create returned empty block id")
	}

	out = b.Run(context.Background(), "update_block", json.RawMessage(`{"blockId":"`+id+`","code":"graph TD\nA-->C"}`))
	if !out.Success {
		t.Fatalf("update failed: %+v", out)
	}

	out = b.Run(context.Background(), "delete_block", json.RawMessage(`{"blockId":"`+id+`"}`))
	if !out.Success {
		t.Fatalf("delete failed: %+v", out)
	}

	out = b.Run(context.Background(), "delete_block", json.RawMessage(`{"blockId":"`+id+`"}`))
	if out.Success {
		t.Fatal("deleting a deleted block should fail")
	}
	if !strings.Contains(out.Error, "not found") {
		t.Fatalf("expected not-found error, got %q", out.Error)
	}
}

func TestMissingArgumentsFailStructured(t *testing.T) {
	b := NewBridge(canvas.NewMemoryStore())
	cases := []struct {
		name string
		args string
	}{
		{"create_block", `{}`},
		{"update_block", `{"blockId":"x"}`},
		{"update_block", `{"code":"y"}`},
		{"select_block", `{}`},
		{"delete_block", `{}`},
		{"create_block", `not json`},
	}
	for _, tc := range cases {
		out := b.Run(context.Background(), tc.name, json.RawMessage(tc.args))
		if out.Success {
			t.Errorf("%s(%s): expected failure", tc.name, tc.args)
		}
		if out.Error == "" {
			t.Errorf("%s(%s): failure without error message", tc.name, tc.args)
		}
	}
}

func TestUnknownToolFailsStructured(t *testing.T) {
	b := NewBridge(canvas.NewMemoryStore())
	out := b.Run(context.Background(), "explode_canvas", json.RawMessage(`{}`))
	if out.Success || !strings.Contains(out.Error, "unknown tool") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestCanvasContextReportsSelection(t *testing.T) {
	store := canvas.NewMemoryStore()
	b := NewBridge(store)

	first, _ := store.CreateBlock(context.Background(), "graph TD\nA-->B", 0, 0)
	second, _ := store.CreateBlock(context.Background(), "sequenceDiagram\nA->>B: hi", 10, 10)
	if out := b.Run(context.Background(), "select_block", json.RawMessage(`{"blockId":"`+second.ID+`"}`)); !out.Success {
		t.Fatalf("select failed: %+v", out)
	}

	out := b.Run(context.Background(), "get_canvas_context", json.RawMessage(`{}`))
	if !out.Success {
		t.Fatalf("context failed: %+v", out)
	}
	data := out.Data.(map[string]interface{})
	if data["selected"] != second.ID {
		t.Fatalf("selected = %v, want %s", data["selected"], second.ID)
	}
	previews := data["blocks"].([]canvas.Preview)
	if len(previews) != 2 {
		t.Fatalf("got %d previews, want 2", len(previews))
	}
	if previews[0].ID != first.ID || previews[0].Selected {
		t.Fatalf("unexpected first preview: %+v", previews[0])
	}
	if !previews[1].Selected {
		t.Fatalf("second preview not marked selected: %+v", previews[1])
	}
}

func TestAnalyzeBlockComplexity(t *testing.T) {
	store := canvas.NewMemoryStore()
	b := NewBridge(store)

	simple, _ := store.CreateBlock(context.Background(), "graph TD\nA-->B", 0, 0)

	var busy strings.Builder
	busy.WriteString("graph TD\n")
	for _, edge := range []string{"A-->B", "B-->C", "C-->D", "D-->E", "E-->F", "F-->G", "G-->H", "H-->A", "A-->C", "B-->D"} {
		busy.WriteString(edge + "\n")
	}
	complexBlk, _ := store.CreateBlock(context.Background(), busy.String(), 0, 0)

	out := b.Run(context.Background(), "analyze_block", json.RawMessage(`{"blockId":"`+simple.ID+`"}`))
	if !out.Success {
		t.Fatalf("analyze failed: %+v", out)
	}
	data := out.Data.(map[string]interface{})
	if data["complexity"] != "simple" {
		t.Fatalf("complexity = %v, want simple", data["complexity"])
	}
	if data["nodes"] != 2 || data["connections"] != 1 {
		t.Fatalf("counts = %v nodes / %v connections", data["nodes"], data["connections"])
	}

	out = b.Run(context.Background(), "analyze_block", json.RawMessage(`{"blockId":"`+complexBlk.ID+`"}`))
	data = out.Data.(map[string]interface{})
	if data["complexity"] != "complex" {
		t.Fatalf("complexity = %v, want complex", data["complexity"])
	}
}

func TestAnalyzeBlockDefaultsToSelection(t *testing.T) {
	store := canvas.NewMemoryStore()
	b := NewBridge(store)

	if out := b.Run(context.Background(), "analyze_block", json.RawMessage(`{}`)); out.Success {
		t.Fatal("analyze with no selection should fail")
	}

	blk, _ := store.CreateBlock(context.Background(), "graph TD\nA-->B", 0, 0)
	_ = store.SelectBlock(context.Background(), blk.ID)

	out := b.Run(context.Background(), "analyze_block", json.RawMessage(`{}`))
	if !out.Success {
		t.Fatalf("analyze failed: %+v", out)
	}
	if out.Data.(map[string]interface{})["blockId"] != blk.ID {
		t.Fatalf("analyzed wrong block: %+v", out.Data)
	}
}
