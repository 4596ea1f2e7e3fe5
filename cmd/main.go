/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment processor client, message brokers, repositories, the
 * core application service, the reconciliation sweep, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/processor: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/homeline/escrow-service/internal/api"
	"github.com/homeline/escrow-service/internal/app"
	"github.com/homeline/escrow-service/internal/config"
	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
	"github.com/homeline/escrow-service/pkg/processor"
	"github.com/homeline/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.ProcessorWebhookSecret) == "" {
		log.Printf("level=warn component=bootstrap msg=\"processor webhook secret not configured; signature validation disabled\" env=PROCESSOR_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for terminal payment events. The broker
	// being down must not block payment processing, so fall back to a no-op.
	var publisher rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment processor client.
	processorClient := processor.NewClient(
		cfg.ProcessorAPIBaseURL,
		cfg.ProcessorAPIKey,
		time.Duration(cfg.ProcessorTimeoutSeconds)*time.Second,
	)

	// Redis backs the webhook dedup fast path; optional.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; dedup fast path disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; dedup fast path disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	eventRetention := time.Duration(cfg.EventRetentionDays) * 24 * time.Hour

	// Initialize the core application service with its dependencies.
	escrowService := app.NewService(repository, processorClient, publisher, app.ServiceConfig{
		FeeSchedule: app.FeeSchedule{
			PercentBps: cfg.FeePercentBps,
			Fixed:      domain.Money{Amount: cfg.FeeFixedMinor, Currency: cfg.Currency},
		},
		Currency:        cfg.Currency,
		ConflictRetries: cfg.ConflictRetryAttempts,
		StuckTimeout:    time.Duration(cfg.StuckTransactionTimeoutHours) * time.Hour,
		EventRetention:  eventRetention,
	})
	if redisClient != nil {
		escrowService.SetEventDedupCache(app.NewRedisEventCache(redisClient, eventRetention))
	}

	// Schedule the reconciliation sweep.
	sweeper := app.NewSweeper(escrowService, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep schedule invalid\" schedule=%s err=%v", cfg.SweepSchedule, err)
	}
	defer sweeper.Stop()

	// Consume job completion events to trigger automatic release of held funds.
	jobConsumer := app.NewJobCompletionConsumer(escrowService)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; automatic release on job completion disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			app.RoutingKeyJobCompleted: jobConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.JobEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"job consumer start failed\" err=%v", err)
		}
	}

	// Initialize the API handlers and router.
	escrowHandlers := api.NewEscrowHandlers(escrowService)
	router := api.EscrowRoutes(escrowHandlers, api.RouterConfig{
		JWKSURL:        cfg.JWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
		WebhookSecret:  cfg.ProcessorWebhookSecret,
		AllowedOrigins: cfg.AllowedOriginList(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
