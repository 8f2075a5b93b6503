package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		chunk   string
		kind    string
		payload string
	}{
		{"tool start", ToolStart("weather"), KindToolStart, "weather"},
		{"tool end", ToolEnd("weather"), KindToolEnd, "weather"},
		{"error", ErrorMarker("boom: failed"), KindError, "boom: failed"},
		{"empty payload", ToolStart(""), KindToolStart, ""},
		{"payload with colon", ErrorMarker("a:b:c"), KindError, "a:b:c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.chunk)
			require.NotNil(t, m)
			assert.Equal(t, tt.kind, m.Kind)
			assert.Equal(t, tt.payload, m.Payload)
		})
	}
}

func TestParsePlainText(t *testing.T) {
	for _, chunk := range []string{
		"",
		"hello world",
		"__arc__tool_start:weather", // no NUL prefix
		"tool_start:weather",
		"\x00other",
	} {
		assert.Nil(t, Parse(chunk), "chunk %q should not parse as marker", chunk)
	}
}

func TestParseUnknownKind(t *testing.T) {
	assert.Nil(t, Parse(Sentinel+"bogus:payload"))
	assert.Nil(t, Parse(Sentinel+"no-separator"))
}

func TestIsMarker(t *testing.T) {
	assert.True(t, IsMarker(ToolStart("x")))
	assert.False(t, IsMarker("plain"))
}
