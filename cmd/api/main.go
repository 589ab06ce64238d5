package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"couponhub-api/internal/admission"
	"couponhub-api/internal/cache"
	"couponhub-api/internal/config"
	"couponhub-api/internal/database"
	"couponhub-api/internal/events"
	"couponhub-api/internal/features"
	"couponhub-api/internal/handler"
	"couponhub-api/internal/middleware"
	"couponhub-api/internal/service"
	"couponhub-api/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize tracing
	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.DefaultServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Select the admission store. The in-memory store coordinates nothing
	// across instances, so it is only valid when exactly one instance runs.
	var store admission.Store
	switch cfg.Admission.Backend {
	case "redis":
		redisStore, err := admission.NewRedisStore(admission.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("Failed to connect admission store: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
	case "memory":
		log.Println("WARNING: in-memory admission store selected; rate limits and vote deduplication only hold for a single instance")
		store = admission.NewMemoryStore()
	}

	// Rate-limit policies. Throughput protection fails open: an unreachable
	// quota store should not block all traffic.
	var generalLimiter, submissionLimiter, votingLimiter *admission.Limiter
	if cfg.RateLimit.Enabled {
		generalLimiter = mustLimiter(store, admission.Policy{
			Name:        "general",
			Window:      time.Duration(cfg.RateLimit.General.WindowSeconds) * time.Second,
			MaxRequests: cfg.RateLimit.General.MaxRequests,
			FailOpen:    true,
		})
		submissionLimiter = mustLimiter(store, admission.Policy{
			Name:        "submission",
			Window:      time.Duration(cfg.RateLimit.Submission.WindowSeconds) * time.Second,
			MaxRequests: cfg.RateLimit.Submission.MaxRequests,
			FailOpen:    true,
		})
		votingLimiter = mustLimiter(store, admission.Policy{
			Name:        "voting",
			Window:      time.Duration(cfg.RateLimit.Voting.WindowSeconds) * time.Second,
			MaxRequests: cfg.RateLimit.Voting.MaxRequests,
			FailOpen:    true,
		})
	}

	// Cache for leaderboard and brand read models
	var cacheBackend cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Redis.Addr != "" {
			redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatalf("Failed to connect cache: %v", err)
			}
			defer redisCache.Close()
			cacheBackend = redisCache
		} else {
			cacheBackend = cache.NewInMemoryCache()
		}
	}

	// Feature flags
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, cfg.Cache.Enabled, "Cache leaderboard and brand stats")
	flags.Register(features.FeatureEventHooksEnabled, true, "Publish domain events to in-process subscribers")
	flags.Register(features.FeatureAnonymousVoting, true, "Allow device-fingerprint votes without a session")
	flags.Register(features.FeatureVoteReconciliation, false, "Repair aggregate drift between vote rows and counters")
	defer flags.Shutdown()

	// Event bus
	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	defer eventManager.Shutdown()
	eventManager.Subscribe(events.EventVoteCast, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.VoteCastData); ok {
			log.Printf("vote cast: coupon=%s brand=%s worked=%t", data.CouponID, data.Brand, data.Worked)
		}
		return nil
	})
	eventManager.Subscribe(events.EventCouponDeleted, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.CouponDeletedData); ok {
			log.Printf("coupon deleted: id=%s brand=%s", data.CouponID, data.Brand)
		}
		return nil
	})

	// Initialize service
	svc := service.NewService(service.Options{
		DB:                db,
		SubmissionLimiter: submissionLimiter,
		VotingLimiter:     votingLimiter,
		Guard:             admission.NewGuard(store),
		Cache:             cacheBackend,
		CacheTTL:          time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Events:            eventManager,
		Features:          flags,
	})

	// Initialize handlers
	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware())
	}

	// General traffic policy guards every route; submission and voting have
	// their own tighter policies inside the service.
	if generalLimiter != nil {
		r.Use(middleware.RateLimitMiddleware(generalLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handler.HeaderUserID, handler.HeaderDeviceHash},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Routes(r)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Printf("Database: %s", cfg.Database.Path)
	log.Printf("Admission backend: %s", cfg.Admission.Backend)

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		if err := server.Close(); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func mustLimiter(store admission.Store, policy admission.Policy) *admission.Limiter {
	limiter, err := admission.NewLimiter(store, policy)
	if err != nil {
		log.Fatalf("Failed to build %s rate limiter: %v", policy.Name, err)
	}
	return limiter
}
