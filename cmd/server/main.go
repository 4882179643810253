package main

import (
	"context"
	"log"
	"os"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/kisara-dev/branchtalk/internal/ai"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/config"
	"github.com/kisara-dev/branchtalk/internal/httpapi"
	"github.com/kisara-dev/branchtalk/internal/store/filestore"
	"github.com/kisara-dev/branchtalk/internal/store/rabbitmq"
	"github.com/kisara-dev/branchtalk/internal/store/redisstore"
	"github.com/kisara-dev/branchtalk/internal/store/sqlitestore"
	"github.com/kisara-dev/branchtalk/internal/tools"
	"gorm.io/gorm"
)

func registerProviders(reg *ai.Registry, cfg config.Config) {
	reg.Register("openai", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	})
	reg.Register("openrouter", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("gemini", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey), nil
	})
	reg.Register("anthropic", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey), nil
	})
	reg.Register("ollama", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewOllamaProvider(cfg.OllamaBaseURL), nil
	})
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	gdb, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	jobs, err := sqlitestore.New(gdb)
	if err != nil {
		log.Fatalf("init sqlite store: %v", err)
	}

	// History lives in sqlite by default; HISTORY_STORE=file keeps it as
	// one JSON document per user on disk instead.
	var store chat.HistoryStore = jobs
	if os.Getenv("HISTORY_STORE") == "file" {
		fs, err := filestore.New(cfg.DataDir)
		if err != nil {
			log.Fatalf("init file store: %v", err)
		}
		store = fs
	}

	reg := ai.NewRegistry()
	registerProviders(reg, cfg)

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)

	svc := chat.NewService(store, reg, toolReg, chat.Defaults{
		Provider: cfg.DefaultProvider,
		Model:    cfg.DefaultModel,
	})

	queue, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer queue.Close()

	streams := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer streams.Close()

	r := httpapi.NewRouter(svc, jobs, queue, streams)

	log.Printf("server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
