package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qiyuhang/multisolve/internal/ai"
	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/chat"
	"github.com/qiyuhang/multisolve/internal/config"
	"github.com/qiyuhang/multisolve/internal/db"
	"github.com/qiyuhang/multisolve/internal/files"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/notify"
	"github.com/qiyuhang/multisolve/internal/store/rabbitmq"
	"github.com/qiyuhang/multisolve/internal/store/redisstore"
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

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)
	ledger := billing.NewGormLedger(gdb)

	fileStore, err := files.NewMinioStore(files.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatal("minio connect failed", "err", err)
	}

	// Workers run on separate processes, so completion events must cross
	// instances: redis pub/sub is the only notifier that works here.
	cache, err := redisstore.NewCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("redis connect failed", "err", err)
	}
	defer cache.Close()
	notifier := notify.NewRedisNotifier(cache.Client(), log)

	registry := ai.NewRegistry()
	registry.Register(ai.ModelChatGPT, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel), nil
	})
	registry.Register(ai.ModelClaude, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicKey, cfg.AnthropicModel), nil
	})
	registry.Register(ai.ModelGemini, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiKey, cfg.GeminiModel), nil
	})

	svc := chat.NewService(repo, registry, ledger, fileStore, notifier, log, cfg.StallTimeout)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial failed", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel failed", "err", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare failed", "err", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos failed", "err", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.ChainMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Warn("bad message", "worker", workerID, "err", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.RunChain(ctx, m.JobID); err != nil {
					log.Error("chain failed", "worker", workerID, "job", m.JobID, "cost", time.Since(start), "err", err)
					_ = d.Nack(false, false)
					continue
				}
				log.Info("chain done", "worker", workerID, "job", m.JobID, "cost", time.Since(start))

				if err := d.Ack(false); err != nil {
					log.Warn("ack failed", "worker", workerID, "job", m.JobID, "err", err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
