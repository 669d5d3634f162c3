// ABOUTME: Wire protocol types and line framing for the agent subprocess
// ABOUTME: Strips terminal noise from output lines and decodes type-tagged JSON events

package agentrpc

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// Command types understood by the agent subprocess.
const (
	CmdPrompt             = "prompt"
	CmdGetState           = "get_state"
	CmdGetMessages        = "get_messages"
	CmdAbort              = "abort"
	CmdNewSession         = "new_session"
	CmdSetModel           = "set_model"
	CmdGetAvailableModels = "get_available_models"
)

// Event types with universal meaning to this client. Everything else is an
// opaque payload forwarded verbatim to the caller.
const (
	// EventResponse answers a single-shot control command.
	EventResponse = "response"
	// EventTurnComplete terminates a streaming call; its absence before
	// process exit or the call deadline is a protocol failure.
	EventTurnComplete = "turn_complete"
)

// Command is one outbound framed request. Fields beyond Type are
// command-specific and omitted when empty.
type Command struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Event is one inbound framed message: its declared type plus the raw JSON
// object it arrived as. Unknown types are legal and flow through untouched.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// ansiEscapes matches CSI/OSC terminal control sequences the agent's runtime
// sometimes interleaves with protocol output.
var ansiEscapes = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\))`)

// decodeLine extracts one protocol event from a raw output line. Known noise
// (ANSI escapes, bells, carriage returns) is stripped and the first JSON
// object boundary located before parsing. Lines that still fail to parse are
// not protocol traffic and are reported as not-ok rather than errors.
func decodeLine(line []byte) (Event, bool) {
	cleaned := ansiEscapes.ReplaceAll(line, nil)
	cleaned = bytes.Map(func(r rune) rune {
		if r == '\a' || r == '\r' {
			return -1
		}
		return r
	}, cleaned)

	start := bytes.IndexByte(cleaned, '{')
	if start < 0 {
		return Event{}, false
	}
	end := bytes.LastIndexByte(cleaned, '}')
	if end < start {
		return Event{}, false
	}
	candidate := cleaned[start : end+1]

	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(candidate, &tag); err != nil || tag.Type == "" {
		return Event{}, false
	}

	raw := make(json.RawMessage, len(candidate))
	copy(raw, candidate)
	return Event{Type: tag.Type, Raw: raw}, true
}
