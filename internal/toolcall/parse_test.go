package toolcall

import (
	"reflect"
	"testing"
)

func TestParse_SingleBlock(t *testing.T) {
	text := `I'll look that up.

TOOL_CALL
{"tool": "web_search", "arguments": {"query": "weather in kyiv"}}
END_TOOL_CALL`

	got := Parse(text, nil)
	if len(got) != 1 {
		t.Fatalf("parsed %d requests, want 1", len(got))
	}
	if got[0].Tool != "web_search" {
		t.Errorf("tool = %q, want %q", got[0].Tool, "web_search")
	}
	if got[0].Arguments["query"] != "weather in kyiv" {
		t.Errorf("query = %v, want %q", got[0].Arguments["query"], "weather in kyiv")
	}
}

// Models rarely reproduce the documented markers exactly, so the parser
// accepts casing, separator, and colon variants.
func TestParse_MarkerTolerance(t *testing.T) {
	payload := `{"tool": "ping", "arguments": {}}`

	tests := []struct {
		name string
		text string
	}{
		{"canonical", "TOOL_CALL\n" + payload + "\nEND_TOOL_CALL"},
		{"lowercase", "tool_call\n" + payload + "\nend_tool_call"},
		{"space separator", "TOOL CALL\n" + payload + "\nEND TOOL CALL"},
		{"no separator", "TOOLCALL\n" + payload + "\nENDTOOLCALL"},
		{"trailing colon", "TOOL_CALL:\n" + payload + "\nEND_TOOL_CALL"},
		{"mixed", "Tool Call:  " + payload + "  END_TOOLCALL"},
		{"inline", "text before TOOL_CALL " + payload + " END_TOOL_CALL text after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text, nil)
			if len(got) != 1 {
				t.Fatalf("parsed %d requests, want 1", len(got))
			}
			if got[0].Tool != "ping" {
				t.Errorf("tool = %q, want %q", got[0].Tool, "ping")
			}
		})
	}
}

func TestParse_MultipleBlocksInOrder(t *testing.T) {
	text := `TOOL_CALL
{"tool": "first", "arguments": {}}
END_TOOL_CALL

Some narration between calls.

TOOL_CALL
{"tool": "second", "arguments": {"n": 2}}
END_TOOL_CALL`

	got := Parse(text, nil)
	if len(got) != 2 {
		t.Fatalf("parsed %d requests, want 2", len(got))
	}
	if got[0].Tool != "first" || got[1].Tool != "second" {
		t.Errorf("order = [%s, %s], want [first, second]", got[0].Tool, got[1].Tool)
	}
}

// One malformed block must not poison the others.
func TestParse_SkipsBadBlocks(t *testing.T) {
	text := `TOOL_CALL
{"tool": "good", "arguments": {}}
END_TOOL_CALL

TOOL_CALL
{not valid json}
END_TOOL_CALL

TOOL_CALL
{"tool": "also_good"}
END_TOOL_CALL`

	got := Parse(text, nil)
	if len(got) != 2 {
		t.Fatalf("parsed %d requests, want 2", len(got))
	}
	if got[0].Tool != "good" || got[1].Tool != "also_good" {
		t.Errorf("tools = [%s, %s], want [good, also_good]", got[0].Tool, got[1].Tool)
	}
}

func TestParse_RejectedPayloads(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing tool field", `TOOL_CALL {"arguments": {}} END_TOOL_CALL`},
		{"non-string tool", `TOOL_CALL {"tool": 42} END_TOOL_CALL`},
		{"empty tool", `TOOL_CALL {"tool": ""} END_TOOL_CALL`},
		{"array arguments", `TOOL_CALL {"tool": "x", "arguments": [1,2]} END_TOOL_CALL`},
		{"string arguments", `TOOL_CALL {"tool": "x", "arguments": "query"} END_TOOL_CALL`},
		{"no blocks at all", "Just a plain answer with no tool calls."},
		{"unterminated block", `TOOL_CALL {"tool": "x", "arguments": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.text, nil); len(got) != 0 {
				t.Errorf("parsed %d requests, want 0", len(got))
			}
		})
	}
}

func TestParse_AbsentArgumentsDefaultEmpty(t *testing.T) {
	got := Parse(`TOOL_CALL {"tool": "list_all"} END_TOOL_CALL`, nil)
	if len(got) != 1 {
		t.Fatalf("parsed %d requests, want 1", len(got))
	}
	if !reflect.DeepEqual(got[0].Arguments, map[string]any{}) {
		t.Errorf("arguments = %v, want empty map", got[0].Arguments)
	}
}

func TestParse_NestedArguments(t *testing.T) {
	text := `TOOL_CALL
{"tool": "update", "arguments": {"filter": {"status": "open"}, "limit": 5, "dry_run": false}}
END_TOOL_CALL`

	got := Parse(text, nil)
	if len(got) != 1 {
		t.Fatalf("parsed %d requests, want 1", len(got))
	}
	want := map[string]any{
		"filter":  map[string]any{"status": "open"},
		"limit":   float64(5),
		"dry_run": false,
	}
	if !reflect.DeepEqual(got[0].Arguments, want) {
		t.Errorf("arguments = %v, want %v", got[0].Arguments, want)
	}
}
