package live

import (
	"errors"
	"testing"
)

func TestDecodeServerMessageArms(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"setup ack", `{"setupComplete":{}}`, "*live.SetupComplete"},
		{"content", `{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`, "*live.ServerContent"},
		{"tool call", `{"toolCall":{"functionCalls":[{"id":"1","name":"create_block","args":{}}]}}`, "*live.ToolCall"},
		{"cancellation", `{"toolCallCancellation":{"ids":["1"]}}`, "*live.ToolCallCancellation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeServerMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			switch msg.(type) {
			case *SetupComplete:
				if tc.want != "*live.SetupComplete" {
					t.Fatalf("wrong arm for %s", tc.name)
				}
			case *ServerContent:
				if tc.want != "*live.ServerContent" {
					t.Fatalf("wrong arm for %s", tc.name)
				}
			case *ToolCall:
				if tc.want != "*live.ToolCall" {
					t.Fatalf("wrong arm for %s", tc.name)
				}
			case *ToolCallCancellation:
				if tc.want != "*live.ToolCallCancellation" {
					t.Fatalf("wrong arm for %s", tc.name)
				}
			default:
				t.Fatalf("unexpected type %T", msg)
			}
		})
	}
}

func TestDecodeServerMessageFailsClosed(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"somethingElse":{}}`, `42`} {
		if _, err := DecodeServerMessage([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage for %q, got %v", raw, err)
		}
	}
}

func TestDecodeToolCallArgs(t *testing.T) {
	raw := `{"toolCall":{"functionCalls":[{"id":"7","name":"update_block","args":{"blockId":"b1","code":"graph TD"}}]}}`
	msg, err := DecodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tc := msg.(*ToolCall)
	if len(tc.FunctionCalls) != 1 || tc.FunctionCalls[0].Name != "update_block" {
		t.Fatalf("unexpected calls: %+v", tc.FunctionCalls)
	}
	if len(tc.FunctionCalls[0].Args) == 0 {
		t.Fatalf("args not preserved")
	}
}
