// Package guard implements the input and output policy pipelines. Stages run
// in order; the first rejection wins; a stage failure is itself a rejection
// (fail-close). Raw text never reaches the audit sink, only its hash.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Input rejection categories.
type InputCategory string

const (
	InputRateLimited     InputCategory = "RATE_LIMITED"
	InputInvalid         InputCategory = "INVALID_INPUT"
	InputPromptInjection InputCategory = "PROMPT_INJECTION"
	InputOffTopic        InputCategory = "OFF_TOPIC"
	InputUnauthorized    InputCategory = "UNAUTHORIZED"
	InputSystemError     InputCategory = "SYSTEM_ERROR"
)

// Output rejection categories.
type OutputCategory string

const (
	OutputPIIDetected     OutputCategory = "PII_DETECTED"
	OutputHarmfulContent  OutputCategory = "HARMFUL_CONTENT"
	OutputPolicyViolation OutputCategory = "POLICY_VIOLATION"
	OutputSystemError     OutputCategory = "SYSTEM_ERROR"
)

// Command is the minimum an input stage needs about a request.
type Command struct {
	Text     string
	UserID   string
	Channel  string
	Metadata map[string]any
}

// OutputContext is what an output stage sees: the produced text plus the
// run's provenance.
type OutputContext struct {
	Content    string
	Command    Command
	ToolsUsed  []string
	DurationMs int64
}

// Decision tags.
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictModified
	VerdictRejected
)

// InputDecision is an input stage outcome.
type InputDecision struct {
	Verdict  Verdict
	Reason   string
	Category InputCategory
	Stage    string
}

// Allowed is the passing input decision.
func Allowed() InputDecision { return InputDecision{Verdict: VerdictAllowed} }

// Rejected builds a rejecting input decision.
func Rejected(reason string, cat InputCategory) InputDecision {
	return InputDecision{Verdict: VerdictRejected, Reason: reason, Category: cat}
}

// OutputDecision is an output stage outcome. Modified carries replacement
// content which chains into the next stage.
type OutputDecision struct {
	Verdict  Verdict
	Content  string
	Reason   string
	Category OutputCategory
	Stage    string
	Hints    map[string]any // Allowed stages may attach advisory hints
	TooShort bool           // length stage: distinct OUTPUT_TOO_SHORT outcome
}

// OutputAllowed is the passing output decision.
func OutputAllowed() OutputDecision { return OutputDecision{Verdict: VerdictAllowed} }

// OutputModified replaces content and continues the pipeline.
func OutputModified(content, reason string) OutputDecision {
	return OutputDecision{Verdict: VerdictModified, Content: content, Reason: reason}
}

// OutputRejected stops the pipeline.
func OutputRejected(reason string, cat OutputCategory) OutputDecision {
	return OutputDecision{Verdict: VerdictRejected, Reason: reason, Category: cat}
}

// InputStage checks a request before execution.
type InputStage interface {
	Name() string
	Enabled() bool
	Check(cmd Command) InputDecision
}

// OutputStage checks or rewrites a response after execution.
type OutputStage interface {
	Name() string
	Enabled() bool
	Check(oc OutputContext) OutputDecision
}

// AuditEvent records one pipeline decision. TextHash is the SHA-256 of the
// inspected text; the raw text is never stored.
type AuditEvent struct {
	At        time.Time
	Direction string // "input" | "output"
	Stage     string
	UserID    string
	Channel   string
	Verdict   Verdict
	Category  string
	Reason    string
	TextHash  string
}

// AuditSink receives every guard decision. Implementations must be
// non-blocking or buffer internally.
type AuditSink interface {
	Publish(ev AuditEvent)
}

// NopAudit discards events.
type NopAudit struct{}

func (NopAudit) Publish(AuditEvent) {}

// HashText returns the audit-safe fingerprint of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
