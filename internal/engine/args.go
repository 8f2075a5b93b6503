package engine

import "encoding/json"

// DecodeArgs parses a raw tool-argument string from the model into a map.
// Invalid JSON yields an empty map rather than an error: malformed arguments
// surface later as tool-level validation failures, never as a run failure.
func DecodeArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
