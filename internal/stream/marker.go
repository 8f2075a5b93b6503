// Package stream defines the marker protocol used to interleave typed control
// events with plain text chunks on a token stream. A chunk is either literal
// text or a marker; markers begin with a reserved sentinel that no model
// output can produce (a NUL byte followed by a constant tag).
package stream

import "strings"

// Sentinel prefixes every marker chunk. The leading NUL byte guarantees no
// legitimate LLM text chunk collides with it.
const Sentinel = "\x00__arc__"

// Marker kinds.
const (
	KindToolStart = "tool_start"
	KindToolEnd   = "tool_end"
	KindError     = "error"
)

// Marker is a parsed control event.
type Marker struct {
	Kind    string // "tool_start" | "tool_end" | "error"
	Payload string // tool name or error message
}

// ToolStart encodes a tool invocation start marker.
func ToolStart(name string) string {
	return Sentinel + KindToolStart + ":" + name
}

// ToolEnd encodes a tool invocation end marker.
func ToolEnd(name string) string {
	return Sentinel + KindToolEnd + ":" + name
}

// ErrorMarker encodes a stream error marker.
func ErrorMarker(msg string) string {
	return Sentinel + KindError + ":" + msg
}

// IsMarker reports whether the chunk carries a marker rather than text.
func IsMarker(chunk string) bool {
	return strings.HasPrefix(chunk, Sentinel)
}

// Parse decodes a chunk. It returns nil for plain text chunks and for
// malformed markers (sentinel present but no kind separator).
func Parse(chunk string) *Marker {
	if !strings.HasPrefix(chunk, Sentinel) {
		return nil
	}
	body := chunk[len(Sentinel):]
	kind, payload, ok := strings.Cut(body, ":")
	if !ok {
		return nil
	}
	switch kind {
	case KindToolStart, KindToolEnd, KindError:
		return &Marker{Kind: kind, Payload: payload}
	}
	return nil
}
