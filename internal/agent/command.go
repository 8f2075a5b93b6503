// Package agent defines the data model visible across the engine boundary:
// the command a transport submits, the result it observes, the message types
// that make up conversation history, and the error taxonomy.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects the execution strategy for a command.
type Mode string

const (
	ModeStandard  Mode = "standard"
	ModeReact     Mode = "react"
	ModeStreaming Mode = "streaming"
)

// ResponseFormat constrains the shape of the final answer.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
	FormatYAML ResponseFormat = "yaml"
)

// Well-known metadata keys on Command.Metadata.
const (
	MetaSessionID = "session_id"
	MetaTenantID  = "tenant_id"
	MetaChannel   = "channel"
	MetaAgentName = "agent_name"
)

// MediaAttachment references binary input by inline data or URI, never both.
type MediaAttachment struct {
	MimeType string
	Data     []byte
	URI      string
}

// Command is the immutable description of one agent turn.
type Command struct {
	SystemPrompt   string
	UserPrompt     string
	Mode           Mode
	Model          string // empty = engine default
	History        []Message
	Temperature    *float32
	MaxToolCalls   int
	UserID         string
	Metadata       map[string]any
	ResponseFormat ResponseFormat
	ResponseSchema string
	Media          []MediaAttachment
}

// Validate checks the command invariants before execution.
func (c Command) Validate() error {
	if c.SystemPrompt == "" && c.UserPrompt == "" {
		return errors.New("command requires a system or user prompt")
	}
	if c.MaxToolCalls < 0 {
		return fmt.Errorf("maxToolCalls must be >= 0, got %d", c.MaxToolCalls)
	}
	for i, m := range c.Media {
		hasData := len(m.Data) > 0
		hasURI := m.URI != ""
		if hasData == hasURI {
			return fmt.Errorf("media[%d] must carry exactly one of data or uri", i)
		}
	}
	return nil
}

// SessionID returns the well-known session id metadata entry, if present.
func (c Command) SessionID() string {
	if v, ok := c.Metadata[MetaSessionID].(string); ok {
		return v
	}
	return ""
}

// Channel returns the well-known channel metadata entry, if present.
func (c Command) Channel() string {
	if v, ok := c.Metadata[MetaChannel].(string); ok {
		return v
	}
	return ""
}

// AgentName returns the well-known agent name metadata entry, if present.
func (c Command) AgentName() string {
	if v, ok := c.Metadata[MetaAgentName].(string); ok {
		return v
	}
	return ""
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one entry of conversation history. Assistant messages may carry
// tool calls; tool messages reference the call they answer via ToolCallID.
type Message struct {
	Role       Role
	Content    string
	Timestamp  time.Time
	Media      []MediaAttachment
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantMessage builds an assistant message stamped with the current time.
func NewAssistantMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now(), ToolCalls: calls}
}

// NewToolMessage builds a tool response message for the given call id.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, Timestamp: time.Now(), ToolCallID: toolCallID}
}
