// Package main запускает HTTP-сервер сервиса исполнения заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/storefront-fulfillment/internal/config"
	"github.com/mmeshcher/storefront-fulfillment/internal/handler"
	"github.com/mmeshcher/storefront-fulfillment/internal/metrics"
	"github.com/mmeshcher/storefront-fulfillment/internal/middleware"
	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/notify"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/ratelimit"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
	"github.com/mmeshcher/storefront-fulfillment/internal/service"
)

const downloadLimitWindow = time.Hour

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	providers := make(map[model.Provider]payment.Provider)

	var webhooks handler.WebhookParser
	if cfg.StripeEnabled() {
		stripeProvider := payment.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.ProviderTimeout)
		providers[model.ProviderStripe] = stripeProvider
		webhooks = stripeProvider
		if cfg.StripeWebhookSecret == "" {
			sugar.Warn("STRIPE_WEBHOOK_SECRET is empty, webhook signatures are not verified")
		}
	}
	if cfg.PayPalEnabled() {
		providers[model.ProviderPayPal] = payment.NewPayPalProvider(
			cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.Currency, cfg.ProviderTimeout)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	var limiter service.Limiter = ratelimit.NewMemoryLimiter(cfg.DownloadLinkLimit, downloadLimitWindow)
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, "fulfillment:ratelimit", cfg.DownloadLinkLimit, downloadLimitWindow)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := service.NewService(repo, providers, notifier, limiter, metrics.NewRecorder(reg), logger, service.Options{
		PublicURL: cfg.PublicURL,
		Currency:  cfg.Currency,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret, strings.HasPrefix(cfg.PublicURL, "https://"))
	h := handler.NewHandler(svc, webhooks, logger, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting fulfillment server",
			"addr", cfg.RunAddress,
			"providers", len(providers),
			"kafka", len(cfg.KafkaBrokers) > 0,
			"redis", cfg.RedisAddress != "")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
