// Package main starts the sokoni marketplace HTTP server.
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

	"github.com/bkiprono/sokoni-market/internal/booking"
	"github.com/bkiprono/sokoni-market/internal/cart"
	"github.com/bkiprono/sokoni-market/internal/config"
	"github.com/bkiprono/sokoni-market/internal/handler"
	"github.com/bkiprono/sokoni-market/internal/inventory"
	"github.com/bkiprono/sokoni-market/internal/middleware"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/order"
	"github.com/bkiprono/sokoni-market/internal/payment"
	"github.com/bkiprono/sokoni-market/internal/repository"
	"github.com/bkiprono/sokoni-market/internal/service"
	"github.com/bkiprono/sokoni-market/internal/settlement"
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

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.DarajaBaseURL,
		ConsumerKey:    cfg.DarajaConsumerKey,
		ConsumerSecret: cfg.DarajaConsumerSecret,
		ShortCode:      cfg.DarajaShortCode,
		Passkey:        cfg.DarajaPasskey,
		CallbackURL:    cfg.CallbackURL,
	})

	ledger := inventory.NewLedger(repo, logger)
	carts := cart.NewAggregator(repo)
	orders := order.NewMachine(repo, ledger, logger)
	engine := settlement.NewEngine(repo, cfg.SellerSharePercent, logger)
	bookings := booking.NewService(repo, logger)
	payments := payment.NewManager(repo, gateway, engine, orders, bookings,
		cfg.PaymentTimeout, cfg.SweepInterval, logger)

	svc := service.NewService(repo, carts, orders, payments, bookings, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Background sweep: expires stale payment sessions and retries settlement.
	g.Go(func() error {
		svc.StartPaymentSweep(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting sokoni server", "addr", cfg.RunAddress)
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
