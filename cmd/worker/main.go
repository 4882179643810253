package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/kisara-dev/branchtalk/internal/ai"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/config"
	"github.com/kisara-dev/branchtalk/internal/store/rabbitmq"
	"github.com/kisara-dev/branchtalk/internal/store/redisstore"
	"github.com/kisara-dev/branchtalk/internal/store/sqlitestore"
	"github.com/kisara-dev/branchtalk/internal/tools"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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
	store, err := sqlitestore.New(gdb)
	if err != nil {
		log.Fatalf("init sqlite store: %v", err)
	}

	reg := ai.NewRegistry()
	registerProviders(reg, cfg)

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)

	svc := chat.NewService(store, reg, toolReg, chat.Defaults{
		Provider: cfg.DefaultProvider,
		Model:    cfg.DefaultModel,
	})

	streams := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer streams.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.GenerateJobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, svc, store, streams, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, svc *chat.Service, store *sqlitestore.Store, streams *redisstore.Store, jobID string) error {
	j, err := store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := store.MarkJobRunning(ctx, jobID); err != nil {
		// Already picked up by another delivery.
		return nil
	}

	var enabled []string
	if j.EnabledTools != "" {
		enabled = strings.Split(j.EnabledTools, ",")
	}
	opts := chat.GenerateOptions{EnabledTools: enabled, WebSearch: j.WebSearch}

	obs := streams.ObserverFor(ctx, j.ChatID)
	if _, err := svc.Generate(ctx, j.Username, j.ChatID, opts, obs); err != nil {
		_ = store.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	return store.MarkJobSucceeded(ctx, jobID)
}
