// Package toolcall recovers structured tool invocations from free-form
// LLM output and validates them against declared tool schemas.
//
// The "protocol" between the model and the tool layer is just
// structured text embedded in natural language; nothing enforces the
// grammar on the model's side. The parser is therefore maximally
// permissive about framing (marker casing, separators, stray
// whitespace) while staying strict about the decoded payload's shape.
// That asymmetry is deliberate.
package toolcall

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
)

// Request is one parsed tool invocation: the target tool name and its
// argument map. Requests are ephemeral, produced per response parse and
// consumed immediately by execution.
type Request struct {
	Tool      string
	Arguments map[string]any
}

// blockRe matches one delimited tool-call block. Models do not reliably
// reproduce the literal marker the prompt specifies, so the markers
// tolerate any casing, an optional space or underscore separator, and
// an optional trailing colon. The lazy body match stops at the first
// closing marker.
var blockRe = regexp.MustCompile(`(?is)tool[ _]?call:?\s*(\{.*?\})\s*end[ _]?tool[ _]?call`)

// Parse extracts every tool-call block from text, in order of
// appearance (which becomes execution order). Blocks that fail to
// decode are logged and skipped; one bad block never poisons the rest
// of the response.
func Parse(text string, logger *slog.Logger) []Request {
	if logger == nil {
		logger = slog.Default()
	}

	var requests []Request
	for _, match := range blockRe.FindAllStringSubmatch(text, -1) {
		req, ok := decodeBlock([]byte(match[1]), logger)
		if !ok {
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

// decodeBlock parses the JSON payload of one block. The object must
// have a string "tool" field; "arguments", when present, must itself be
// an object (any other type rejects the whole block). Absent arguments
// default to an empty map.
func decodeBlock(payload []byte, logger *slog.Logger) (Request, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		logger.Debug("skipping malformed tool-call block", "error", err)
		return Request{}, false
	}

	var tool string
	if err := json.Unmarshal(fields["tool"], &tool); err != nil || tool == "" {
		logger.Debug("skipping tool-call block without string tool field")
		return Request{}, false
	}

	args := map[string]any{}
	if raw, ok := fields["arguments"]; ok {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			logger.Debug("skipping tool-call block with non-object arguments", "tool", tool)
			return Request{}, false
		}
		if err := json.Unmarshal(trimmed, &args); err != nil {
			logger.Debug("skipping tool-call block with unparseable arguments",
				"tool", tool, "error", err)
			return Request{}, false
		}
	}

	return Request{Tool: tool, Arguments: args}, true
}
