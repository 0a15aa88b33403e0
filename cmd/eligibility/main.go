// Package main starts the HTTP server of the delivery eligibility service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/addiseats/eligibility/internal/cache"
	"github.com/addiseats/eligibility/internal/config"
	"github.com/addiseats/eligibility/internal/handler"
	"github.com/addiseats/eligibility/internal/middleware"
	"github.com/addiseats/eligibility/internal/orders"
	"github.com/addiseats/eligibility/internal/pricing"
	"github.com/addiseats/eligibility/internal/promo"
	"github.com/addiseats/eligibility/internal/repository"
	"github.com/addiseats/eligibility/internal/zone"
)

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
	defer repo.Close()

	var zoneCache zone.Cache
	if cfg.RedisAddress != "" {
		rc := cache.NewZoneCache(cfg.RedisAddress, logger)
		defer rc.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			sugar.Warnw("redis unreachable, zone cache disabled", "error", err.Error())
		} else {
			zoneCache = rc
		}
		cancel()
	}

	ordersClient := orders.NewClient(cfg.OrdersSystemAddress)

	registry := zone.NewRegistry(repo, zoneCache, ordersClient)
	evaluator := promo.NewEvaluator(repo)
	coordinator := pricing.NewCoordinator(registry, evaluator, ordersClient, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(registry, evaluator, coordinator, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting eligibility server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

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
