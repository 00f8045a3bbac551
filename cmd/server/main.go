package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiyuhang/multisolve/internal/ai"
	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/chat"
	"github.com/qiyuhang/multisolve/internal/config"
	"github.com/qiyuhang/multisolve/internal/db"
	"github.com/qiyuhang/multisolve/internal/dispatch"
	"github.com/qiyuhang/multisolve/internal/files"
	"github.com/qiyuhang/multisolve/internal/httpapi"
	"github.com/qiyuhang/multisolve/internal/httpapi/handlers"
	"github.com/qiyuhang/multisolve/internal/httpapi/middleware"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/notify"
	"github.com/qiyuhang/multisolve/internal/ratelimit"
	"github.com/qiyuhang/multisolve/internal/store/rabbitmq"
	"github.com/qiyuhang/multisolve/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb := db.Connect(cfg.DBDSN)

	cache, err := redisstore.NewCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("redis connect failed", "err", err)
	}
	defer cache.Close()

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

	registry := newProviderRegistry(cfg)

	var notifier notify.Notifier
	switch cfg.Notify {
	case "redis":
		notifier = notify.NewRedisNotifier(cache.Client(), log)
	default:
		notifier = notify.NewHub(log)
	}

	repo := chat.NewRepo(gdb)
	ledger := billing.NewGormLedger(gdb)
	svc := chat.NewService(repo, registry, ledger, fileStore, notifier, log, cfg.StallTimeout)

	var dispatcher dispatch.Dispatcher
	switch cfg.Dispatch {
	case "rabbit":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit connect failed", "err", err)
		}
		defer pub.Close()
		dispatcher = pub
	default:
		dispatcher = dispatch.NewInproc(svc, log, 10*time.Minute)
	}

	tokens := identity.NewTokenService(cfg.JWTSecret, cfg.IPHashSalt)
	resolver := middleware.NewResolver(tokens, cfg.AllowAnonymous, cfg.CookieDomain, cfg.CookieSecure, log)
	governor := ratelimit.NewGovernor(gdb, cfg.AnonymousDailyLimit, cfg.RegisteredDailyLimit)
	limiter := middleware.NewRateLimiter(governor, tokens, resolver, gdb, log)

	h := handlers.NewHandler(handlers.Deps{
		DB:         gdb,
		Cfg:        cfg,
		Log:        log,
		ChatSvc:    svc,
		Ledger:     ledger,
		Tokens:     tokens,
		Resolver:   resolver,
		Governor:   governor,
		Files:      fileStore,
		Cache:      cache,
		Dispatcher: dispatcher,
	})

	r := httpapi.NewRouter(h, limiter)

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info("server listening", "addr", addr, "dispatch", cfg.Dispatch, "notify", cfg.Notify)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	log.Info("server stopped")
}

func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register(ai.ModelChatGPT, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel), nil
	})
	reg.Register(ai.ModelClaude, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicKey, cfg.AnthropicModel), nil
	})
	reg.Register(ai.ModelGemini, func(ctx context.Context) (ai.Provider, error) {
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiKey, cfg.GeminiModel), nil
	})
	return reg
}
