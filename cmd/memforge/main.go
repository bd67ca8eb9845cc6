// Package main runs the MemForge memory server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memforge/memforge/internal/config"
	"github.com/memforge/memforge/internal/extract"
	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/graph/embedded"
	"github.com/memforge/memforge/internal/graph/remote"
	"github.com/memforge/memforge/internal/index"
	"github.com/memforge/memforge/internal/llm"
	"github.com/memforge/memforge/internal/memory"
	"github.com/memforge/memforge/internal/resolver"
	"github.com/memforge/memforge/internal/rpc"
	"github.com/memforge/memforge/internal/search"
	"github.com/memforge/memforge/internal/worker"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"

	mode        = flag.String("mode", "stdio", "Transport mode: stdio or http")
	addr        = flag.String("addr", ":8081", "HTTP address (for http mode)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("MemForge v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("MemForge starting",
		zap.String("version", version),
		zap.String("mode", *mode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := openStore(ctx, settings, logger)
	if err != nil {
		logger.Fatal("Failed to open graph store", zap.Error(err))
	}
	defer store.Close()

	idx, err := index.New(index.Config{
		IndexPath: filepath.Join(settings.DataDir, "memories.bleve"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open lexical index", zap.Error(err))
	}
	defer idx.Close()

	deps, cleanup, err := buildPipelines(store, idx, settings, logger)
	if err != nil {
		logger.Fatal("Failed to build pipelines", zap.Error(err))
	}
	defer cleanup()

	server := rpc.NewServer(rpc.ServerConfig{
		Deps:    deps,
		Logger:  logger,
		Name:    "memforge",
		Version: version,
	})
	logger.Info("RPC server initialized", zap.Strings("tools", server.ToolNames()))

	var transport rpc.Transport
	switch *mode {
	case "stdio":
		transport = rpc.NewStdioTransport(logger)
	case "http":
		transport = rpc.NewHTTPTransport(*addr, logger)
	default:
		logger.Fatal("Unknown transport mode", zap.String("mode", *mode))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Serve(ctx, server)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("Transport error", zap.Error(err))
		}
	}

	logger.Info("MemForge stopped")
}

// openStore selects the graph backend from settings.
func openStore(ctx context.Context, settings *config.Settings, logger *zap.Logger) (graph.Store, error) {
	switch settings.Engine {
	case config.EngineEmbedded:
		return embedded.Open(embedded.Config{
			Path: filepath.Join(settings.DataDir, "graph"),
		}, logger)
	case config.EngineRemote:
		cfg := remote.DefaultConfig()
		cfg.Address = settings.GraphURL
		cfg.Username = settings.GraphUser
		cfg.Password = settings.GraphPassword
		return remote.Connect(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown engine %q", settings.Engine)
	}
}

// buildPipelines wires the write, read, and background-extraction pipelines.
func buildPipelines(store graph.Store, idx *index.MemoryIndex, settings *config.Settings,
	logger *zap.Logger) (*rpc.Deps, func(), error) {
	llmCfg := llm.DefaultConfig()
	client := llm.NewRetryingClient(llm.NewHTTPClient(llmCfg, logger), 30*time.Second, logger)

	var embedder llm.Embedder
	if llmCfg.APIKey != "" {
		embedder = llm.NewHTTPEmbedder(llmCfg, os.Getenv("EMBEDDING_MODEL"), settings.EmbeddingDim, logger)
	} else {
		// Without credentials, fall back to the deterministic local embedder
		// so the store still works offline.
		logger.Warn("no LLM API key set, using local stub embedder")
		embedder = llm.NewStubEmbedder(settings.EmbeddingDim)
	}
	cached, err := llm.NewCachedEmbedder(embedder, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("embedder cache: %w", err)
	}

	dedupCfg, err := config.NewDedupConfig(store, 30*time.Second, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dedup config: %w", err)
	}

	extractor := extract.New(client, extract.Config{
		MaxGleanings: settings.MaxGleanings,
		Model:        llmCfg.Model,
	}, logger)
	classifier := extract.NewIntentClassifier(client, llmCfg.Model, logger)

	resolverCfg := resolver.DefaultConfig()
	resolverCfg.SemanticMatchThreshold = settings.SemanticMatchThreshold
	res := resolver.New(store, cached, client, resolverCfg, logger)

	orchCfg := worker.DefaultConfig()
	orchCfg.MaxConcurrent = int64(settings.MaxBackgroundTasks)
	orchCfg.SummaryThreshold = settings.SummaryThreshold
	orch := worker.New(store, extractor, res, client, orchCfg, logger)

	dedup := memory.NewDedupChecker(store, cached, client, dedupCfg, logger)

	svcCfg := memory.DefaultConfig()
	svcCfg.DrainPerItem = settings.DrainPerItem
	svcCfg.DrainBatch = settings.DrainBatch
	svcCfg.CategorizationModel = settings.CategorizationModel
	svcCfg.AppName = settings.AppName
	svc := memory.NewService(store, idx, cached, client, classifier, dedup, orch, svcCfg, logger)

	searchCfg := search.DefaultConfig()
	searchCfg.RRFK = settings.RRFK
	searchCfg.ConfidenceFloor = settings.ConfidenceFloor
	searchCfg.ScoreNorm = settings.ScoreNorm
	searchCfg.AppName = settings.AppName
	searcher := search.New(store, idx, cached, searchCfg, logger)

	cleanup := func() {
		dedupCfg.Close()
	}
	return &rpc.Deps{Memory: svc, Search: searcher, Logger: logger}, cleanup, nil
}

// setupLogger builds the process logger. Stdio mode logs to stderr with
// console encoding so the protocol stream stays clean.
func setupLogger(level string) *zap.Logger {
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
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if *mode == "stdio" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
