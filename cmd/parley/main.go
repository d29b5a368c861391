// Package main is the entry point for the parley server.
// A single binary runs the session index, the history store, the native
// chat loop, and the realtime gateway with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/httpmw"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/tracing"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway/rest"
	gateways "github.com/parleyhq/parley/internal/gateway/websocket"
	"github.com/parleyhq/parley/internal/history"
	historysqlite "github.com/parleyhq/parley/internal/history/repository/sqlite"
	"github.com/parleyhq/parley/internal/interaction"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/llm/anthropic"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/panels"
	sessionsqlite "github.com/parleyhq/parley/internal/session/repository/sqlite"
	"github.com/parleyhq/parley/internal/tools"
	toolsmcp "github.com/parleyhq/parley/internal/tools/mcp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting parley...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Open the database and run migrations
	pool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()

	sessionRepo, err := sessionsqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize session repository", zap.Error(err))
	}
	eventRepo, err := historysqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize history repository", zap.Error(err))
	}
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	// 6. History store and providers. CLI providers translate foreign
	// session files; the store provider answers everything else, so it
	// registers last.
	store := history.NewStore(eventRepo, eventBus, log)
	histProviders := history.NewRegistry(
		history.NewClaudeProvider(cfg.History.ClaudeDir, store, log),
		history.NewPiProvider(cfg.History.PiDir, store, log),
		history.NewStoreProvider(store),
	)

	// 7. Agent manifest
	agents, err := agent.LoadRegistry(cfg.Agents.ManifestPath)
	if err != nil {
		log.Fatal("Failed to load agent manifest", zap.Error(err), zap.String("path", cfg.Agents.ManifestPath))
	}

	// 8. Chat providers
	providers := llm.NewRegistry()
	if cfg.LLM.Anthropic.APIKey != "" {
		anthropicProvider, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.LLM.Anthropic.APIKey,
			BaseURL:   cfg.LLM.Anthropic.BaseURL,
			Model:     cfg.LLM.Anthropic.Model,
			MaxTokens: cfg.LLM.Anthropic.MaxTokens,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize Anthropic provider", zap.Error(err))
		}
		providers.Register(anthropicProvider)
	} else {
		log.Warn("No Anthropic API key configured - native chat turns will fail until one is set")
	}
	providers.SetDefault(cfg.LLM.DefaultProvider)

	// 9. Tool host and MCP servers
	toolRegistry := tools.NewRegistry()
	host := tools.NewHost(toolRegistry, cfg.Tools.CallTimeout(), log)

	mcpManager := toolsmcp.NewManager(toolRegistry, log)
	mcpManager.ConnectAll(ctx, cfg.Tools.MCP)
	defer mcpManager.Close()

	// 10. Interaction plumbing
	interactions := interaction.NewStore(cfg.Interaction.Timeout())
	rendezvous := interaction.NewRendezvous()
	go runInteractionJanitor(ctx, interactions, log)

	// 11. Orchestrator
	service := orchestrator.NewService(orchestrator.Config{
		CacheSize:     cfg.Sessions.CacheSize,
		WorkspaceRoot: cfg.Sessions.WorkspaceRoot,
		QueueLimit:    cfg.Sessions.QueueLimit,
	}, sessionRepo, store, histProviders, agents, interactions, rendezvous, log)
	runner := orchestrator.NewRunner(service, providers, host, log)
	log.Info("Orchestrator initialized")

	// 12. Realtime gateway
	panelRegistry := panels.NewRegistry(log)
	gateway := gateways.NewGateway(service, runner, panelRegistry, log)
	if err := gateway.BridgeBus(eventBus); err != nil {
		log.Fatal("Failed to bridge event bus", zap.Error(err))
	}
	defer gateway.Close()
	go gateway.Hub.Run(ctx)

	// 13. History watcher over the external CLI session trees
	var watcher *history.Watcher
	if cfg.History.Watch {
		watcher = history.NewWatcher(eventBus, cfg.History.WatchDebounce(), log,
			cfg.History.ClaudeDir, cfg.History.PiDir)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("History watcher unavailable", zap.Error(err))
			watcher = nil
		} else {
			defer watcher.Stop()
			log.Info("History watcher started",
				zap.String("claude_dir", cfg.History.ClaudeDir),
				zap.String("pi_dir", cfg.History.PiDir))
		}
	}

	// 14. HTTP server (WebSocket + REST endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "parley"))
	router.Use(httpmw.OtelTracing("parley"))

	gateway.SetupRoutes(router)
	rest.RegisterRoutes(router, service, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/healthz"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down parley...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("parley stopped")
}

// runInteractionJanitor cancels interaction slots whose client never
// answered, so tool calls waiting on them fail instead of hanging.
func runInteractionJanitor(ctx context.Context, store *interaction.Store, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.CleanupExpired(); n > 0 {
				log.Debug("expired interaction slots cancelled", zap.Int("count", n))
			}
		}
	}
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
