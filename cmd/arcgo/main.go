// Command arcgo runs the agent engine as an interactive demo: prompts come
// from stdin, the response streams to stdout with tool markers rendered as
// status lines.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/cache"
	"github.com/arc-agents/arcgo/internal/config"
	"github.com/arc-agents/arcgo/internal/engine"
	"github.com/arc-agents/arcgo/internal/guard"
	"github.com/arc-agents/arcgo/internal/hook"
	"github.com/arc-agents/arcgo/internal/memory"
	"github.com/arc-agents/arcgo/internal/metrics"
	"github.com/arc-agents/arcgo/internal/providers"
	"github.com/arc-agents/arcgo/internal/resilience"
	"github.com/arc-agents/arcgo/internal/stream"
	"github.com/arc-agents/arcgo/internal/tools"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "arcgo.json", "path to the config file")
	streaming := flag.Bool("stream", true, "stream responses incrementally")
	session := flag.String("session", "default", "session id for conversation history")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *session, *streaming, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, session string, streaming bool, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)

	model, modelName, err := buildModel(cfg)
	if err != nil {
		return err
	}
	logger.Info("model ready", "model", modelName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, piiStage := buildRunner(cfg, model, store, logger)

	if cfg.GuardPatternFile != "" {
		if err := config.WatchMaskPatterns(ctx, cfg.GuardPatternFile, piiStage, logger); err != nil {
			logger.Warn("guard pattern watch disabled", "error", err)
		}
	}

	maxToolCalls := cfg.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = 10
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		prompt := scanner.Text()
		if prompt == "" {
			continue
		}
		if q, ok := strings.CutPrefix(prompt, "/search "); ok {
			searchTranscripts(store, q, session)
			continue
		}

		cmd := agent.Command{
			SystemPrompt: "You are a concise, helpful assistant. Use tools when they help.",
			UserPrompt:   prompt,
			Model:        cfg.Model,
			MaxToolCalls: maxToolCalls,
			UserID:       "local",
			Metadata:     map[string]any{agent.MetaSessionID: session, agent.MetaChannel: "cli"},
		}

		if streaming {
			runStreaming(ctx, runner, cmd)
		} else {
			runBatch(ctx, runner, cmd)
		}

		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func runStreaming(ctx context.Context, runner *engine.Runner, cmd agent.Command) {
	out, resCh := runner.ExecuteStream(ctx, cmd)
	for chunk := range out {
		if mk := stream.Parse(chunk); mk != nil {
			switch mk.Kind {
			case stream.KindToolStart:
				fmt.Printf("\n[tool %s ...]", mk.Payload)
			case stream.KindToolEnd:
				fmt.Printf("[done]\n")
			case stream.KindError:
				fmt.Printf("\n[error] %s\n", mk.Payload)
			}
			continue
		}
		fmt.Print(chunk)
	}
	res := <-resCh
	fmt.Println()
	if !res.Success && res.ErrorKind != "" {
		fmt.Printf("(%s)\n", res.ErrorKind)
	}
}

func runBatch(ctx context.Context, runner *engine.Runner, cmd agent.Command) {
	res, err := runner.Execute(ctx, cmd)
	if err != nil {
		fmt.Printf("[cancelled] %v\n", err)
		return
	}
	if !res.Success {
		fmt.Printf("[%s] %s\n", res.ErrorKind, res.ErrorMessage)
		return
	}
	fmt.Println(res.Content)
	if len(res.ToolsUsed) > 0 {
		fmt.Printf("(tools: %v)\n", res.ToolsUsed)
	}
}

func searchTranscripts(store *memory.IndexedStore, query, session string) {
	hits, err := store.Search(query, session, 10)
	if err != nil {
		fmt.Printf("[search error] %v\n", err)
		return
	}
	if len(hits) == 0 {
		fmt.Println("(no matches)")
		return
	}
	for _, h := range hits {
		fmt.Printf("%.2f  %s  %s\n", h.Score, h.SessionID, h.Role)
	}
}

func buildModel(cfg config.Config) (engine.ChatModel, string, error) {
	if cfg.LLMProvider != "" || cfg.APIKey != "" {
		return providers.New(cfg.LLMProvider, cfg.APIKey, cfg.Model, cfg.BaseURL)
	}
	return providers.NewFromEnv()
}

// buildStore pairs the history store with a transcript search index. The
// index lives next to the sqlite file, or in memory when history does.
func buildStore(ctx context.Context, cfg config.Config) (*memory.IndexedStore, error) {
	var store memory.Store = memory.NewInMemory()
	indexPath := ""
	if cfg.SQLitePath != "" {
		s, err := memory.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = s
		indexPath = cfg.SQLitePath + ".bleve"
	}
	idx, err := memory.NewTranscriptIndex(indexPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	return memory.NewIndexedStore(store, idx), nil
}

// buildRunner assembles the full pipeline with the demo tool set. The PII
// stage is returned so the pattern watcher can hot-swap its table.
func buildRunner(cfg config.Config, model engine.ChatModel, store memory.Store, logger *slog.Logger) (*engine.Runner, *guard.PIIMaskStage) {
	registry := tools.NewRegistry().
		MustRegister(tools.Tool{
			Name:        "current_time",
			Description: "Returns the current date and time in RFC 3339 format.",
			Fn: func(context.Context, map[string]any) (string, error) {
				return time.Now().Format(time.RFC3339), nil
			},
		}).
		MustRegister(tools.Tool{
			Name:        "echo",
			Description: "Echoes the given text back. Useful for testing tool plumbing.",
			SchemaJSON:  `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
			Fn: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return text, nil
			},
		})

	retry := resilience.DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialDelayMs > 0 {
		retry.InitialDelay = time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	}
	if cfg.RetryMaxDelayMs > 0 {
		retry.MaxDelay = time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond
	}
	if cfg.RetryMultiplier > 0 {
		retry.Multiplier = cfg.RetryMultiplier
	}

	rec := metrics.NewMetrics()
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     time.Duration(cfg.BreakerResetTimeoutMs) * time.Millisecond,
		OnStateChange: func(_, to resilience.CircuitState) {
			rec.BreakerStateChanged(cfg.Model, string(to))
		},
	})

	var fallback *resilience.Fallback
	if len(cfg.FallbackModels) > 0 {
		fallback = &resilience.Fallback{Models: cfg.FallbackModels}
	}

	eng := &engine.Engine{
		Model: model,
		Orchestrator: &engine.Orchestrator{
			Registry:       registry,
			Hooks:          hook.NewExecutor(nil, nil, nil, nil),
			Sanitizer:      tools.NopSanitizer{},
			DefaultTimeout: cfg.ToolTimeout(),
			Metrics:        rec,
		},
		Retry:      retry,
		Breaker:    breaker,
		Fallback:   fallback,
		Metrics:    rec,
		TrimBudget: cfg.TrimBudgetChars,
	}

	piiStage := guard.NewPIIMaskStage(nil)
	inputStages := []guard.InputStage{
		guard.NewInjectionStage(),
		guard.NewLengthStage(cfg.MaxInputChars),
	}
	outputStages := []guard.OutputStage{
		guard.NewCanaryStage(cfg.CanaryToken),
		guard.NewLeakageStage(),
		piiStage,
		guard.NewLengthFormatStage(cfg.MinOutputChars, cfg.MaxOutputChars),
	}

	var respCache cache.Cache
	if cfg.CacheEnabled {
		respCache = cache.NewMemory(cfg.CacheMaxSize, time.Duration(cfg.CacheTTLMs)*time.Millisecond)
	}

	runner := engine.NewRunner(engine.Runner{
		Engine:      eng,
		InputGuard:  guard.NewInputPipeline(inputStages, nil, logger),
		OutputGuard: guard.NewOutputPipeline(outputStages, nil, logger),
		Hooks:       hook.NewExecutor(nil, nil, nil, nil),
		Cache:       respCache,
		Memory:      store,
		Metrics:     rec,
		Resolver:    agent.NewMessageResolver(nil),
		Logger:      logger,
		Config: engine.RunnerConfig{
			MaxConcurrentRuns: cfg.MaxConcurrentRuns,
			RequestTimeout:    cfg.RequestTimeout(),
			HistoryWindow:     cfg.HistoryWindow,
			EnablePromptCache: cfg.EnablePromptCache,
		},
	})
	return runner, piiStage
}
