package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/models"
	"settlement-service/internal/pricing"
	"settlement-service/internal/provider"
	"settlement-service/internal/queue"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker roles selectable through WORKER_ROLES
const (
	roleAPI           = "api"
	roleBids          = "bids"
	roleLifecycle     = "lifecycle"
	rolePayments      = "payments"
	roleRaffle        = "raffle"
	roleCleanup       = "cleanup"
	rolePackages      = "packages"
	roleNotifications = "notifications"
	roleWebhooks      = "webhooks"
)

const catalogCacheSize = 128

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service", zap.Strings("roles", cfg.Worker.Roles))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := pricing.NewCatalog(db, catalogCacheSize)
	if err != nil {
		log.Fatalf("Failed to create package catalog: %v", err)
	}
	if n, err := catalog.LoadCatalogFile(ctx, cfg.Business.PackagesFile); err != nil {
		logger.Warn("Package catalog not loaded", zap.String("path", cfg.Business.PackagesFile), zap.Error(err))
	} else {
		logger.Info("Package catalog loaded", zap.Int("published", n))
	}

	q := queue.NewQueue(db, queue.Config{
		Lease:       cfg.Worker.JobLease,
		MaxAttempts: cfg.Worker.JobMaxAttempt,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffMax:  cfg.Worker.BackoffMax,
	})
	paymentProvider := provider.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.Provider.Timeout)

	auctionService := service.NewAuctionService(db, q)
	bidService := service.NewBidService(db, q)
	raffleService := service.NewRaffleService(db, q)
	paymentService := service.NewPaymentService(db, q, paymentProvider, catalog, redisClient)
	listingService := service.NewListingService(db, catalog)
	cleanupService := service.NewCleanupService(db, q, service.CleanupConfig{
		DraftTTL:              cfg.Business.DraftTTL,
		PaymentPendingTimeout: cfg.Business.PaymentPendingTimeout,
		ReservationTTL:        cfg.Business.ReservationTTL,
	})

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	handlers := worker.NewJobHandlers(bidService, auctionService, paymentService, raffleService, cleanupService).Handlers()

	g, gctx := errgroup.WithContext(ctx)
	runJobs := func(jobType string, handler queue.Handler) {
		runner := queue.NewRunner(q, jobType, workerID, handler, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
		g.Go(func() error { return runner.Start(gctx) })
	}
	runTicker := func(name string, interval time.Duration, task func(context.Context) error) {
		ticker := worker.NewTicker(name, interval, redisClient, task)
		g.Go(func() error { return ticker.Start(gctx) })
	}

	if cfg.Worker.HasRole(roleBids) {
		runJobs(models.JobTypePlaceBid, handlers[models.JobTypePlaceBid])
	}
	if cfg.Worker.HasRole(roleLifecycle) {
		runJobs(models.JobTypeSettleAuction, handlers[models.JobTypeSettleAuction])
		runTicker(roleLifecycle, cfg.Business.LifecycleTick, func(ctx context.Context) error {
			_, err := auctionService.Tick(ctx)
			return err
		})
	}
	if cfg.Worker.HasRole(rolePayments) {
		runJobs(models.JobTypeVerifyPayment, handlers[models.JobTypeVerifyPayment])
	}
	if cfg.Worker.HasRole(roleRaffle) {
		runJobs(models.JobTypePurchaseTicket, handlers[models.JobTypePurchaseTicket])
	}
	if cfg.Worker.HasRole(roleCleanup) {
		runJobs(models.JobTypeReleaseReservation, handlers[models.JobTypeReleaseReservation])
		runTicker(roleCleanup, cfg.Business.CleanupTick, func(ctx context.Context) error {
			_, err := cleanupService.Sweep(ctx)
			return err
		})
	}
	if cfg.Worker.HasRole(rolePackages) {
		runTicker(rolePackages, cfg.Business.PackageTick, func(ctx context.Context) error {
			_, err := listingService.ExpireListings(ctx)
			return err
		})
	}
	if cfg.Worker.HasRole(roleNotifications) {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		notifier := worker.NewNotificationWorker(broker.NewEventPublisher(producer))
		runJobs(models.JobTypeNotification, notifier.Handle)
	}
	if cfg.Worker.HasRole(roleWebhooks) {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
		webhookWorker := worker.NewWebhookWorker(consumer, paymentService)
		g.Go(func() error {
			err := webhookWorker.Start(gctx)
			if cerr := webhookWorker.Stop(); cerr != nil {
				logger.Error("Error closing webhook consumer", zap.Error(cerr))
			}
			return err
		})
	}

	if cfg.Worker.HasRole(roleAPI) {
		if cfg.Server.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}

		router := gin.New()
		handler := api.NewHandler(api.Services{
			Auctions: auctionService,
			Bids:     bidService,
			Raffles:  raffleService,
			Payments: paymentService,
			Listings: listingService,
			Catalog:  catalog,
			Queue:    q,
		}, map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		})
		handler.SetupRoutes(router)

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: router,
		}

		g.Go(func() error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}
