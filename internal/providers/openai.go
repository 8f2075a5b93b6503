package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/engine"
	"github.com/arc-agents/arcgo/internal/resilience"
)

// OpenAIModel implements engine.ChatModel over the OpenAI chat completions
// API. It also serves every OpenAI-compatible endpoint (DeepSeek, Groq, Kimi,
// Ollama, ...) via a custom base URL.
type OpenAIModel struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIModel builds a client. baseURL is optional; empty means the
// official endpoint.
func NewOpenAIModel(apiKey, defaultModel, baseURL string) *OpenAIModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIModel{
		client:       openai.NewClientWithConfig(config),
		defaultModel: defaultModel,
	}
}

// Provider implements engine.ChatModel.
func (m *OpenAIModel) Provider() string { return "openai" }

func (m *OpenAIModel) model(req engine.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return m.defaultModel
}

// Call implements engine.ChatModel.
func (m *OpenAIModel) Call(ctx context.Context, req engine.Request) (engine.Response, error) {
	oreq, err := m.buildRequest(req)
	if err != nil {
		return engine.Response{}, err
	}

	resp, err := m.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return engine.Response{}, wrapProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return engine.Response{}, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0]
	out := engine.Response{
		Content: choice.Message.Content,
		Usage: agent.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: engine.DecodeArgs(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

// Stream implements engine.ChatModel. Tool-call argument deltas are
// accumulated by call id and emitted as complete descriptors once the stream
// ends; text deltas are forwarded as they arrive.
func (m *OpenAIModel) Stream(ctx context.Context, req engine.Request) (<-chan engine.Chunk, <-chan error) {
	chunks := make(chan engine.Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errCh)

		oreq, err := m.buildRequest(req)
		if err != nil {
			errCh <- err
			return
		}
		oreq.Stream = true
		oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		s, err := m.client.CreateChatCompletionStream(ctx, oreq)
		if err != nil {
			errCh <- wrapProviderError(err)
			return
		}
		defer s.Close()

		acc := newToolCallAccumulator()
		var usage *agent.Usage

		for {
			resp, err := s.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- wrapProviderError(err)
				return
			}

			if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
				usage = &agent.Usage{
					Prompt:     resp.Usage.PromptTokens,
					Completion: resp.Usage.CompletionTokens,
					Total:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				select {
				case chunks <- engine.Chunk{Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				acc.feed(tc)
			}
		}

		final := engine.Chunk{ToolCalls: acc.complete(), Usage: usage}
		if len(final.ToolCalls) > 0 || final.Usage != nil {
			select {
			case chunks <- final:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, errCh
}

func (m *OpenAIModel) buildRequest(req engine.Request) (openai.ChatCompletionRequest, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case agent.RoleUser:
			msgs = append(msgs, userMessage(msg))
		case agent.RoleAssistant:
			// The SDK serializes an empty assistant content as null, which the
			// API rejects when tool calls are present; a single space is
			// accepted and semantically empty.
			content := msg.Content
			if content == "" {
				content = " "
			}
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})
		case agent.RoleTool:
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		}
	}

	oreq := openai.ChatCompletionRequest{
		Model:       m.model(req),
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = req.MaxTokens
	}
	if req.ResponseFormat == agent.FormatJSON {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	for _, ts := range req.Tools {
		var schemaObj map[string]any
		if ts.JSONSchema != "" {
			if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
				return openai.ChatCompletionRequest{}, fmt.Errorf("invalid tool schema for %s: %w", ts.Name, err)
			}
		}
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}
	if len(oreq.Tools) > 0 {
		oreq.ToolChoice = "auto"
	}
	return oreq, nil
}

// userMessage converts a user message, expanding media attachments into
// multi-content image parts.
func userMessage(msg agent.Message) openai.ChatCompletionMessage {
	if len(msg.Media) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Content,
		}
	}

	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: msg.Content,
	}}
	for _, media := range msg.Media {
		url := media.URI
		if len(media.Data) > 0 {
			url = "data:" + media.MimeType + ";base64," + base64.StdEncoding.EncodeToString(media.Data)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// toolCallAccumulator reassembles streamed tool-call deltas. OpenAI sends the
// id and name once and the argument JSON in fragments keyed by index.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
	order   []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: map[int]*partialCall{}}
}

func (a *toolCallAccumulator) feed(delta openai.ToolCall) {
	idx := 0
	if delta.Index != nil {
		idx = *delta.Index
	}
	pc, ok := a.byIndex[idx]
	if !ok {
		pc = &partialCall{}
		a.byIndex[idx] = pc
		a.order = append(a.order, idx)
	}
	if delta.ID != "" {
		pc.id = delta.ID
	}
	if delta.Function.Name != "" {
		pc.name = delta.Function.Name
	}
	if delta.Function.Arguments != "" {
		pc.args.WriteString(delta.Function.Arguments)
	}
}

// complete returns the assembled calls in arrival order. Nameless fragments
// are dropped; unparseable argument JSON degrades to empty args so the
// registry's schema validation reports the problem to the model.
func (a *toolCallAccumulator) complete() []agent.ToolCall {
	var out []agent.ToolCall
	for _, idx := range a.order {
		pc := a.byIndex[idx]
		if pc.name == "" {
			continue
		}
		out = append(out, agent.ToolCall{
			ID:   pc.id,
			Name: pc.name,
			Args: engine.DecodeArgs(pc.args.String()),
		})
	}
	return out
}

// wrapProviderError attaches transport metadata so the retry classifier and
// backoff do not parse SDK strings downstream.
func wrapProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &resilience.ProviderError{Err: err, HTTPStatus: apiErr.HTTPStatusCode}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &resilience.ProviderError{Err: err, HTTPStatus: reqErr.HTTPStatusCode}
	}
	status, retryAfter := scanErrorMetadata(err.Error())
	return &resilience.ProviderError{Err: err, HTTPStatus: status, RetryAfter: retryAfter}
}

// scanErrorMetadata is the fallback for SDK errors that carry no structured
// status: scrape the status code and Retry-After hint out of the message.
func scanErrorMetadata(errStr string) (int, string) {
	var status int
	for _, candidate := range []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusBadRequest,
		http.StatusPaymentRequired,
	} {
		if strings.Contains(errStr, fmt.Sprintf("%d", candidate)) {
			status = candidate
			break
		}
	}

	var retryAfter string
	lower := strings.ToLower(errStr)
	for _, marker := range []string{"retry-after", "retry after"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			rest := strings.TrimLeft(errStr[idx+len(marker):], ": ")
			if fields := strings.Fields(rest); len(fields) > 0 {
				retryAfter = fields[0]
			}
			break
		}
	}
	return status, retryAfter
}
