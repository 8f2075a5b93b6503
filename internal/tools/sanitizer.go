package tools

import (
	"regexp"
	"strings"
)

// OutputSanitizer scrubs tool output before it is handed back to the model.
// This is the indirect-prompt-injection defense: text fetched by a tool is
// data, not instructions, and known jailbreak phrasings are neutralized.
type OutputSanitizer interface {
	Sanitize(toolName, output string) string
}

// DefaultSanitizer strips control characters and defangs common instruction-
// override phrases found in fetched content.
type DefaultSanitizer struct {
	MaxLen int // 0 = unlimited
}

var (
	controlChars     = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	injectionPhrases = regexp.MustCompile(`(?i)(ignore (all )?(previous|prior|above) (instructions|prompts)|disregard (your|the) (system prompt|instructions)|you are now [a-z ]*jailbroken)`)
)

// Sanitize implements OutputSanitizer.
func (s *DefaultSanitizer) Sanitize(toolName, output string) string {
	out := controlChars.ReplaceAllString(output, "")
	out = injectionPhrases.ReplaceAllStringFunc(out, func(m string) string {
		return "[filtered:" + strings.ToLower(strings.Fields(m)[0]) + "]"
	})
	if s.MaxLen > 0 && len(out) > s.MaxLen {
		out = out[:s.MaxLen] + "\n...[truncated]"
	}
	return out
}

// NopSanitizer passes output through unchanged.
type NopSanitizer struct{}

func (NopSanitizer) Sanitize(_, output string) string { return output }
