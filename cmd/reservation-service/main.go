package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seatplan/seatplan/libs/config"
	"github.com/seatplan/seatplan/libs/db"
	"github.com/seatplan/seatplan/libs/httpx"
	"github.com/seatplan/seatplan/libs/kafkax"
	otelx "github.com/seatplan/seatplan/libs/otel"
	"github.com/seatplan/seatplan/libs/runtime"

	"github.com/seatplan/seatplan/internal/allocation"
	"github.com/seatplan/seatplan/internal/availability"
	"github.com/seatplan/seatplan/internal/cache"
	"github.com/seatplan/seatplan/internal/consumer"
	"github.com/seatplan/seatplan/internal/handlers"
	"github.com/seatplan/seatplan/internal/holds"
	"github.com/seatplan/seatplan/internal/inbox"
	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/outbox"
	"github.com/seatplan/seatplan/internal/storage"
	"github.com/seatplan/seatplan/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "reservation-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, holds degraded", "addr", addr, "err", err)
		}
		defer rdb.Close()
	}

	defaultDuration := config.Int("DEFAULT_DURATION_MINUTES", 120)
	venueRepo := storage.NewVenueRepository(pool)
	bookingRepo := storage.NewBookingRepository(pool, defaultDuration)
	store := storage.NewStore(venueRepo, bookingRepo)

	memo := cache.New(cache.Options{Capacity: config.Int("AVAILABILITY_CACHE_CAPACITY", 2048)})
	availEngine := availability.NewEngine(store, memo, logger, availability.Config{
		SlotStepMins:         config.Int("SLOT_STEP_MINUTES", 15),
		DefaultDurationMins:  defaultDuration,
		SuggestionRadiusMins: config.Int("SUGGESTION_RADIUS_MINUTES", 120),
		MaxSuggestions:       config.Int("MAX_SUGGESTIONS", 3),
		DateTTL:              config.Duration("AVAILABILITY_DATE_TTL", 10*time.Minute),
		SlotTTL:              config.Duration("AVAILABILITY_SLOT_TTL", 2*time.Minute),
	})
	allocEngine := allocation.NewEngine(store, availEngine, logger, allocation.Config{
		LargePartyMin:       config.Int("LARGE_PARTY_MIN", 7),
		DefaultDurationMins: defaultDuration,
	})

	var holdMgr *holds.Manager
	if rdb != nil {
		holdMgr = holds.NewManager(rdb, config.Duration("HOLD_TTL", 10*time.Minute))
	}

	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	// Deposit outcomes arrive from the payment system as events. Recorded
	// deposits confirm the booking; failures park it for staff follow-up.
	inboxRepo := inbox.NewRepository(pool)
	startPaymentConsumer := func(topic string, status model.BookingStatus) {
		if topic == "" {
			return
		}
		cfg := consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   topic,
		}
		c := consumer.New(logger, inboxRepo, cfg, func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				BookingID string `json:"booking_id"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.BookingID == "" {
				logger.Error("event missing booking_id", "topic", msg.Topic)
				return nil
			}
			venueID, date, err := bookingRepo.UpdateStatus(ctx, payload.BookingID, status)
			if storage.IsNotFound(err) {
				logger.Warn("payment event for unknown booking", "booking_id", payload.BookingID, "topic", msg.Topic)
				return nil
			}
			if err != nil {
				return err
			}
			memo.InvalidateVenueDate(venueID, date)
			logger.Info("booking status updated from payment event",
				"booking_id", payload.BookingID, "status", string(status))
			return nil
		})
		go c.Run(ctx)
	}
	if config.String("KAFKA_BROKERS", "") != "" {
		startPaymentConsumer(config.String("KAFKA_DEPOSIT_RECORDED_TOPIC", "payments.deposit.recorded.v1"), model.StatusConfirmed)
		startPaymentConsumer(config.String("KAFKA_DEPOSIT_FAILED_TOPIC", "payments.deposit.failed.v1"), model.StatusPaymentFailed)
	}

	sweep, schedule := sweeper.New(pool, bookingRepo, outboxRepo, memo, logger, sweeper.Config{
		Deadline: config.Duration("PAYMENT_DEADLINE", 15*time.Minute),
		Schedule: config.String("SWEEP_SCHEDULE", "@every 1m"),
	})
	cronRunner, err := sweep.Start(ctx, schedule)
	if err != nil {
		logger.Error("sweeper start failed", "err", err)
		panic(err)
	}
	defer func() { <-cronRunner.Stop().Done() }()

	availabilityHandler := handlers.NewAvailabilityHandler(availEngine, logger,
		config.Int("MAX_DATE_RANGE_DAYS", 90), config.Int("DATE_FANOUT_CONCURRENCY", 14))
	bookingHandler := handlers.NewBookingHandler(pool, bookingRepo, venueRepo, allocEngine, availEngine, holdMgr, memo, outboxRepo, logger)
	holdHandler := handlers.NewHoldHandler(holdMgr, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/public/availability/dates", availabilityHandler.Dates)
	mux.HandleFunc("/api/v1/public/availability/slots", availabilityHandler.Slots)
	mux.HandleFunc("/api/v1/availability/window", availabilityHandler.Window)
	mux.HandleFunc("/api/v1/public/holds", holdHandler.Acquire)
	mux.HandleFunc("/api/v1/public/book", bookingHandler.Create)
	mux.HandleFunc("/api/v1/bookings", bookingHandler.List)
	mux.HandleFunc("/api/v1/bookings/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/bookings/allocate", bookingHandler.Allocate)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("MAX_BODY_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}))
	}
	if limit := config.Int("RATE_LIMIT_PER_MINUTE", 0); limit > 0 {
		if rdb != nil {
			rl := httpx.NewRedisRateLimiter(rdb, limit, time.Minute, service)
			middlewares = append(middlewares, rl.Middleware(logger, true))
		} else {
			rl := httpx.NewRateLimiter(limit, time.Minute)
			middlewares = append(middlewares, rl.Middleware())
		}
	}
	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "reservation")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
