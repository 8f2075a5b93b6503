// Package providers adapts vendor SDKs to the engine's ChatModel contract.
// OpenAI and Anthropic are first-class; every OpenAI-compatible endpoint is
// reachable through the compat table.
package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/arc-agents/arcgo/internal/engine"
)

// compatEndpoint describes an OpenAI-compatible provider.
type compatEndpoint struct {
	envPrefix    string
	defaultModel string
	baseURL      string // empty = must come from env/config
}

var compatEndpoints = map[string]compatEndpoint{
	"kimi":     {envPrefix: "KIMI", defaultModel: "kimi-k2-250711", baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3"},
	"gemini":   {envPrefix: "GEMINI", defaultModel: "gemini-1.5-flash", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"deepseek": {envPrefix: "DEEPSEEK", defaultModel: "deepseek-chat", baseURL: "https://api.deepseek.com/v1"},
	"groq":     {envPrefix: "GROQ", defaultModel: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1"},
	"glm":      {envPrefix: "GLM", defaultModel: "glm-4-plus", baseURL: "https://open.bigmodel.cn/api/paas/v4"},
	"minimax":  {envPrefix: "MINIMAX", defaultModel: "abab6.5s-chat", baseURL: "https://api.minimax.chat/v1"},
	"ollama":   {envPrefix: "OLLAMA", defaultModel: "llama3.1", baseURL: "http://localhost:11434/v1"},
	"lmstudio": {envPrefix: "LMSTUDIO", defaultModel: "local-model", baseURL: "http://localhost:1234/v1"},
}

// New builds a ChatModel for the named provider. model and baseURL override
// the provider defaults when non-empty.
func New(provider, apiKey, model, baseURL string) (engine.ChatModel, string, error) {
	switch strings.ToLower(provider) {
	case "", "openai":
		if apiKey == "" {
			return nil, "", fmt.Errorf("openai requires an api key")
		}
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIModel(apiKey, model, baseURL), model, nil

	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("anthropic requires an api key")
		}
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		return NewAnthropicModel(apiKey, model), model, nil

	default:
		ep, ok := compatEndpoints[strings.ToLower(provider)]
		if !ok {
			return nil, "", fmt.Errorf("unknown provider %q", provider)
		}
		if model == "" {
			model = ep.defaultModel
		}
		if baseURL == "" {
			baseURL = ep.baseURL
		}
		if apiKey == "" {
			// Local servers accept any key.
			apiKey = strings.ToLower(provider)
		}
		return NewOpenAIModel(apiKey, model, baseURL), model, nil
	}
}

// NewFromEnv builds a ChatModel from LLM_PROVIDER and the provider's
// <PREFIX>_API_KEY / <PREFIX>_MODEL / <PREFIX>_BASE_URL variables.
func NewFromEnv() (engine.ChatModel, string, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = "openai"
	}

	prefix := strings.ToUpper(provider)
	if ep, ok := compatEndpoints[strings.ToLower(provider)]; ok {
		prefix = ep.envPrefix
	}
	return New(
		provider,
		os.Getenv(prefix+"_API_KEY"),
		os.Getenv(prefix+"_MODEL"),
		os.Getenv(prefix+"_BASE_URL"),
	)
}
