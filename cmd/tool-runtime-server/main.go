package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/audit"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/config"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/editor"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/gate"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/relay"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/retrieval"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/rowstore"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/server"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tools"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	cfg := config.Load()

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool runtime server",
		zap.String("port", cfg.Port),
		zap.Bool("postgres", cfg.PostgresDSN != ""),
		zap.Bool("clickhouse", cfg.ClickHouseDSN != ""),
	)

	// Audit: ClickHouse or LogWriter fallback
	var writer audit.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres-backed collaborators, or in-process fallbacks
	var (
		authenticator auth.Authenticator
		rows          rowstore.Connector = rowstore.StaticConnector{}
		files         editor.FileStore
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}

		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
		resolver := rowstore.NewPostgresResolver(rowstore.PostgresResolverConfig{
			DB:       db,
			CacheTTL: cfg.ResolverCacheTTL,
			Logger:   logger,
		})
		pools := rowstore.NewPoolConnector(resolver, logger)
		defer func() { _ = pools.Close() }()
		rows = pools
		files = editor.NewPostgresFileStore(db)
		logger.Info("postgres collaborators connected")
	} else {
		authenticator = auth.NewStaticAuthenticator(cfg.DevPermissions...)
		files = editor.NewMemoryFileStore()
		logger.Info("using static authenticator and in-memory file store (no POSTGRES_DSN)",
			zap.Strings("permissions", cfg.DevPermissions),
		)
	}

	// Search providers
	var webSearch, imageSearch search.Provider
	if cfg.WebSearchEndpoint != "" {
		webSearch = search.NewHTTPProvider(search.HTTPConfig{
			Name:     "web_search",
			Endpoint: cfg.WebSearchEndpoint,
			APIKey:   cfg.WebSearchAPIKey,
			RPS:      cfg.SearchRPS,
			Logger:   logger,
		})
	}
	if cfg.ImageSearchEndpoint != "" {
		imageSearch = search.NewHTTPProvider(search.HTTPConfig{
			Name:     "image_search",
			Endpoint: cfg.ImageSearchEndpoint,
			APIKey:   cfg.ImageSearchAPIKey,
			RPS:      cfg.SearchRPS,
			Logger:   logger,
		})
	}

	// Knowledge sources
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Fatal("failed to load knowledge sources", zap.String("path", cfg.SourcesFile), zap.Error(err))
	}
	catalog, err := buildCatalog(sources, cfg.SearchRPS, logger)
	if err != nil {
		logger.Fatal("invalid knowledge sources", zap.Error(err))
	}

	// Registry
	reg := registry.New()
	err = tools.RegisterAll(reg, tools.Deps{
		Rows:        rows,
		WebSearch:   webSearch,
		ImageSearch: imageSearch,
		Knowledge:   catalog,
		Merger:      retrieval.NewMerger(cfg.KnowledgeTimeout, logger),
		Files:       files,
		Editor:      editor.New(files, cfg.EditorConcurrency, logger),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	logger.Info("tool registry sealed", zap.Int("tools", reg.Count()))

	// Completion relay
	var completions server.Completer
	if cfg.CompletionEndpoint != "" {
		completions = relay.NewClient(relay.ClientConfig{
			Endpoint: cfg.CompletionEndpoint,
			APIKey:   cfg.CompletionAPIKey,
			Model:    cfg.CompletionModel,
			Logger:   logger,
		})
	} else {
		logger.Info("no COMPLETION_ENDPOINT set, StreamCompletion disabled")
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	runtimeServer := server.NewToolRuntimeServer(server.Config{
		Gate:        gate.New(reg, writer, logger),
		Registry:    reg,
		Auth:        authenticator,
		Completions: completions,
		Retry:       gate.RetryPolicy{Backoff: cfg.RetryBackoff},
		Logger:      logger,
	})
	server.RegisterToolRuntimeService(grpcServer, runtimeServer)

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Listen
	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	logger.Info("tool runtime server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

// buildCatalog turns the sources file into weighted HTTP knowledge sources.
func buildCatalog(f *config.SourcesFile, rps float64, logger *zap.Logger) (*retrieval.Catalog, error) {
	scopes := make(map[string][]retrieval.Weighted, len(f.Scopes))
	for scope, entries := range f.Scopes {
		for _, s := range entries {
			provider := search.NewHTTPProvider(search.HTTPConfig{
				Name:     s.ID,
				Endpoint: s.Endpoint,
				APIKey:   s.APIKey,
				RPS:      rps,
				Logger:   logger,
			})
			scopes[scope] = append(scopes[scope], retrieval.Weighted{
				Source: retrieval.NewProviderSource(s.ID, provider),
				Weight: s.Weight,
			})
		}
	}
	return retrieval.NewCatalog(scopes)
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
