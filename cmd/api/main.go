package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/api/handlers"
	"github.com/food-agent/backend/internal/app"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/middleware/ratelimit"
	"github.com/food-agent/backend/internal/middleware/security"
	"github.com/food-agent/backend/internal/middleware/validation"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/query"
	"github.com/food-agent/backend/pkg/config"
	appLogger "github.com/food-agent/backend/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(2)
	}

	_, err = appLogger.Init(appLogger.Options{
		Level:   cfg.Logging.Level,
		Dir:     cfg.Resolve(cfg.Paths.Logs),
		Prefix:  "api",
		Console: os.Stderr,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	metrics.Init()

	appLogger.Info("Starting food QA API server")

	if err := cfg.CheckInputs(config.KindSnapshot, config.KindCatalogue); err != nil {
		appLogger.Fatal("Missing input", zap.Error(err))
	}
	lang, err := models.ParseLang(cfg.Evaluation.Lang)
	if err != nil {
		appLogger.Fatal("Invalid default language", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to build components", zap.Error(err))
	}
	defer a.Close()

	sqlAgent, accessor, err := a.SQLAgent()
	if err != nil {
		appLogger.Fatal("Failed to open snapshot", zap.Error(err))
	}
	defer accessor.Close()

	var cache query.AnswerCache
	if a.Cache != nil {
		cache = a.Cache
	}
	driver := app.NewDriver(sqlAgent, cfg.Retry)
	queryEngine := query.NewEngine(a.Retriever, driver, cache, a.Completer.Model(), lang)

	server := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.Server.RateLimit,
		Window:      time.Minute,
		Logger:      appLogger.GetLogger(),
	})
	defer limiter.Stop()

	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{HSTS: cfg.Server.HSTS}))

	server.Get("/metrics", metrics.MetricsHandler())

	api := server.Group("/api/v1", limiter.Middleware())
	handlers.Register(api,
		handlers.NewQueryHandler(queryEngine),
		validation.Middleware(validation.Config{
			MaxQuestionLength: cfg.Server.MaxQuestionLength,
			Logger:            appLogger.GetLogger(),
		}),
		handlers.HealthInfo{
			Model:   a.Completer.Model(),
			Columns: a.Index.Len(),
			Cache:   a.Cache != nil,
			Graph:   a.Graph != nil,
			Web:     a.Web != nil,
		},
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
