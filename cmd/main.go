package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/adapters"
	"github.com/tiendavoz/voicebridge/adapters/mongo"
	"github.com/tiendavoz/voicebridge/adapters/postgres"
	"github.com/tiendavoz/voicebridge/adapters/realtime"
	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
	"github.com/tiendavoz/voicebridge/internal/api"
	"github.com/tiendavoz/voicebridge/internal/auth"
	"github.com/tiendavoz/voicebridge/internal/config"
	"github.com/tiendavoz/voicebridge/internal/websocket"
	"github.com/tiendavoz/voicebridge/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Initialize realtime provider
	provider, err := newRealtimeProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize realtime provider",
			zap.String("provider", cfg.RealtimeProvider),
			zap.Error(err))
	}

	// Initialize order stores
	memoryOrders := adapters.NewMemoryOrderRepository(cfg.MemoryOrdersPerShop)
	var primary *usecase.NamedOrderSink
	var orders repositories.OrderRepository = memoryOrders

	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = mongo.NewClient(ctx, mongo.Config{
			URI:             cfg.MongoURI,
			Database:        cfg.MongoDatabase,
			MaxPoolSize:     cfg.MongoMaxPoolSize,
			MinPoolSize:     cfg.MongoMinPoolSize,
			MaxConnIdleTime: cfg.MongoMaxConnIdleTime,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		mongoOrders := mongo.NewOrderRepository(mongoClient.Database)
		if err := mongoOrders.EnsureIndexes(ctx); err != nil {
			logger.Fatal("Failed to create MongoDB indexes", zap.Error(err))
		}
		primary = &usecase.NamedOrderSink{Name: "mongodb", Sink: mongoOrders}
		orders = mongoOrders
	}

	var pgClient *postgres.Client
	var pgOrders *postgres.OrderRepository
	if cfg.DatabaseURL != "" {
		pgClient, err = postgres.NewClient(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		pgOrders = postgres.NewOrderRepository(pgClient.Pool)
		if err := pgOrders.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate PostgreSQL", zap.Error(err))
		}
		if primary == nil {
			primary = &usecase.NamedOrderSink{Name: "postgres", Sink: pgOrders}
			orders = pgOrders
		}
	}

	// The first configured store commits the order; the rest only see
	// committed orders. Memory serves as the store without a database.
	if primary == nil {
		primary = &usecase.NamedOrderSink{Name: "memory", Sink: memoryOrders}
	}
	notify := []usecase.NamedOrderSink{{Name: "log", Sink: adapters.NewLogOrderSink(logger)}}
	if pgOrders != nil && primary.Name != "postgres" {
		notify = append(notify, usecase.NamedOrderSink{Name: "postgres", Sink: pgOrders})
	}

	orderSink := usecase.NewMultiOrderSink(logger, *primary, notify...)
	logger.Info("Order sinks configured", zap.Strings("sinks", orderSink.Names()))

	// Initialize shop directory
	shops := adapters.NewMemoryShopRepository(entities.NewDefaultShop(entities.DefaultShopID), cfg.AllowedShops)
	if cfg.ShopsFile != "" {
		configured, err := adapters.LoadShopsFile(cfg.ShopsFile)
		if err != nil {
			logger.Fatal("Failed to load shops file", zap.String("path", cfg.ShopsFile), zap.Error(err))
		}
		if err := shops.RegisterAll(configured); err != nil {
			logger.Fatal("Invalid shop configuration", zap.String("path", cfg.ShopsFile), zap.Error(err))
		}
		logger.Info("Shops loaded from file", zap.String("path", cfg.ShopsFile), zap.Int("shops", len(configured)))
	}
	if mongoClient != nil {
		stored, err := mongo.NewShopStore(mongoClient.Database).LoadAll(ctx)
		if err != nil {
			logger.Fatal("Failed to load shops from MongoDB", zap.Error(err))
		}
		if err := shops.RegisterAll(stored); err != nil {
			logger.Fatal("Invalid shop configuration in MongoDB", zap.Error(err))
		}
		logger.Info("Shops loaded from MongoDB", zap.Int("shops", len(stored)))
	}

	var tokens *auth.StreamTokens
	if cfg.StreamTokenSecret != "" {
		tokens, err = auth.NewStreamTokens(cfg.StreamTokenSecret, auth.DefaultStreamTokenTTL)
		if err != nil {
			logger.Fatal("Failed to initialize stream tokens", zap.Error(err))
		}
	}

	// Initialize WebSocket hub with the tool dispatcher
	tools := usecase.NewToolDispatcher(orderSink, logger)
	hub := websocket.NewHub(provider, tools, tokens, websocket.HubOptions{
		ConnectTimeout: cfg.ConnectTimeout,
		ToolTimeout:    cfg.ToolTimeout,
	}, logger)
	go hub.Run()

	var reaper *websocket.CallReaper
	if cfg.MaxCallDuration > 0 {
		reaper = websocket.NewCallReaper(hub, cfg.MaxCallDuration, logger)
		reaper.Start()
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:    hub,
		Shops:  shops,
		Orders: orders,
		Tokens: tokens,

		OperatorToken: cfg.OperatorToken,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Voice bridge started",
		zap.String("port", cfg.Port),
		zap.String("provider", provider.Name()),
		zap.Bool("shopAllowlist", shops.Restricted()),
		zap.Bool("streamTokens", tokens != nil),
		zap.Bool("operatorRoutes", cfg.OperatorToken != ""))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if reaper != nil {
		reaper.Stop()
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Calls still open at shutdown", zap.Error(err))
	}
	hub.Stop()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if mongoClient != nil {
		if err := mongoClient.Close(shutdownCtx); err != nil {
			logger.Error("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}
	if pgClient != nil {
		pgClient.Close()
	}

	logger.Info("Server exited")
}

func newRealtimeProvider(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.RealtimeProvider, error) {
	if cfg.RealtimeProvider == config.ProviderGemini {
		provider, err := realtime.NewGeminiProvider(ctx, realtime.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiVoice,
		}, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	}

	provider, err := realtime.NewOpenAIProvider(realtime.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
		Voice:  cfg.OpenAIVoice,
		URL:    cfg.OpenAIURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	return provider, nil
}
