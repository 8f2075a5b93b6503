package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/engine"
	"github.com/arc-agents/arcgo/internal/resilience"
)

// anthropicMaxTokens is the default output budget; the Messages API requires
// an explicit value.
const anthropicMaxTokens = 4096

// AnthropicModel implements engine.ChatModel over the Anthropic Messages API.
type AnthropicModel struct {
	client       *anthropic.Client
	defaultModel string
}

// NewAnthropicModel builds a client for the given default model.
func NewAnthropicModel(apiKey, defaultModel string) *AnthropicModel {
	return &AnthropicModel{
		client:       anthropic.NewClient(apiKey),
		defaultModel: defaultModel,
	}
}

// Provider implements engine.ChatModel.
func (m *AnthropicModel) Provider() string { return "anthropic" }

func (m *AnthropicModel) model(req engine.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return m.defaultModel
}

// Call implements engine.ChatModel.
func (m *AnthropicModel) Call(ctx context.Context, req engine.Request) (engine.Response, error) {
	areq, err := m.buildRequest(req)
	if err != nil {
		return engine.Response{}, err
	}

	resp, err := m.client.CreateMessages(ctx, areq)
	if err != nil {
		return engine.Response{}, wrapAnthropicError(err)
	}

	out := engine.Response{
		Usage: agent.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: string(resp.StopReason),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				out.Content += *block.Text
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse == nil {
				continue
			}
			tu := block.MessageContentToolUse
			out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
				Args: engine.DecodeArgs(string(tu.Input)),
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

// Stream implements engine.ChatModel. The SDK is callback driven; callbacks
// are bridged onto the chunk channel. Completed tool_use blocks arrive whole
// at content-block stop, so no delta reassembly is needed here.
func (m *AnthropicModel) Stream(ctx context.Context, req engine.Request) (<-chan engine.Chunk, <-chan error) {
	chunks := make(chan engine.Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errCh)

		areq, err := m.buildRequest(req)
		if err != nil {
			errCh <- err
			return
		}

		emit := func(c engine.Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sreq := anthropic.MessagesStreamRequest{MessagesRequest: areq}
		sreq.OnContentBlockDelta = func(data anthropic.MessagesEventContentBlockDeltaData) {
			if data.Delta.Type == anthropic.MessagesContentTypeTextDelta && data.Delta.Text != nil {
				emit(engine.Chunk{Text: *data.Delta.Text})
			}
		}
		sreq.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != anthropic.MessagesContentTypeToolUse || content.MessageContentToolUse == nil {
				return
			}
			tu := content.MessageContentToolUse
			emit(engine.Chunk{ToolCalls: []agent.ToolCall{{
				ID:   tu.ID,
				Name: tu.Name,
				Args: engine.DecodeArgs(string(tu.Input)),
			}}})
		}

		resp, err := m.client.CreateMessagesStream(ctx, sreq)
		if err != nil {
			errCh <- wrapAnthropicError(err)
			return
		}
		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			emit(engine.Chunk{Usage: &agent.Usage{
				Prompt:     resp.Usage.InputTokens,
				Completion: resp.Usage.OutputTokens,
				Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}})
		}
	}()

	return chunks, errCh
}

func (m *AnthropicModel) buildRequest(req engine.Request) (anthropic.MessagesRequest, error) {
	var msgs []anthropic.Message
	for _, msg := range req.Messages {
		switch msg.Role {
		case agent.RoleUser:
			msgs = append(msgs, anthropicUserMessage(msg))
		case agent.RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" && msg.Content != " " {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			msgs = append(msgs, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
		case agent.RoleTool:
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			// Tool results travel as user-role tool_result blocks.
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewToolResultMessageContent(msg.ToolCallID, content, false)},
			})
		}
	}

	maxTokens := anthropicMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	areq := anthropic.MessagesRequest{
		Model:       anthropic.Model(m.model(req)),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	if req.System != "" {
		part := anthropic.MessageSystemPart{Type: "text", Text: req.System}
		if req.PromptCache {
			// Ephemeral cache_control makes the API reuse the system prompt
			// prefix across turns.
			part.CacheControl = &anthropic.MessageCacheControl{Type: anthropic.CacheControlTypeEphemeral}
		}
		areq.MultiSystem = []anthropic.MessageSystemPart{part}
	}

	for _, ts := range req.Tools {
		var schemaObj map[string]any
		if ts.JSONSchema != "" {
			if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
				return anthropic.MessagesRequest{}, fmt.Errorf("invalid tool schema for %s: %w", ts.Name, err)
			}
		}
		areq.Tools = append(areq.Tools, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schemaObj,
		})
	}
	return areq, nil
}

func anthropicUserMessage(msg agent.Message) anthropic.Message {
	content := []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)}
	for _, media := range msg.Media {
		if len(media.Data) == 0 {
			// The Messages API takes inline base64 only; URI attachments are
			// fetched by the caller before they get here.
			continue
		}
		content = append(content, anthropic.NewImageMessageContent(
			anthropic.NewMessageContentSource(anthropic.MessagesContentSourceTypeBase64, media.MimeType, media.Data),
		))
	}
	return anthropic.Message{Role: anthropic.RoleUser, Content: content}
}

// wrapAnthropicError attaches transport metadata from the SDK's typed errors.
func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		status := 0
		switch {
		case apiErr.IsRateLimitErr():
			status = 429
		case apiErr.IsApiErr():
			status = 500
		case apiErr.IsOverloadedErr():
			status = 503
		case apiErr.IsAuthenticationErr():
			status = 401
		case apiErr.IsPermissionErr():
			status = 403
		case apiErr.IsInvalidRequestErr():
			status = 400
		}
		return &resilience.ProviderError{Err: err, HTTPStatus: status}
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return &resilience.ProviderError{Err: err, HTTPStatus: reqErr.StatusCode}
	}
	status, retryAfter := scanErrorMetadata(err.Error())
	return &resilience.ProviderError{Err: err, HTTPStatus: status, RetryAfter: retryAfter}
}
