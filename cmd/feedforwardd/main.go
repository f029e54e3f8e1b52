// Feedforwardd is the FeedForward daemon: it classifies customer
// support conversations into themes, tracks trends, and drafts
// Shortcut stories for recurring issues.
//
// Configuration is loaded from a YAML file and environment variables.
// See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	feedforwardd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=8090 feedforwardd -config /etc/feedforward/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/checkpoint"
	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/cluster"
	"github.com/fyrsmithlabs/feedforward/internal/config"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
	"github.com/fyrsmithlabs/feedforward/internal/embeddings"
	"github.com/fyrsmithlabs/feedforward/internal/logging"
	"github.com/fyrsmithlabs/feedforward/internal/pipeline"
	"github.com/fyrsmithlabs/feedforward/internal/redact"
	"github.com/fyrsmithlabs/feedforward/internal/server"
	"github.com/fyrsmithlabs/feedforward/internal/store"
	"github.com/fyrsmithlabs/feedforward/internal/story"
	"github.com/fyrsmithlabs/feedforward/internal/telemetry"
	"github.com/fyrsmithlabs/feedforward/internal/theme"
	"github.com/fyrsmithlabs/feedforward/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("feedforwardd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// run wires all services together and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting feedforwardd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("classify_provider", cfg.Classify.Provider))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	// When telemetry is on, log records also flow to the collector.
	logger = logging.WithOTelBridge(logger, tel.LoggerProvider())

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	deps, cleanup, err := initPipelineDeps(cfg, st, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = pipeline.NewMetrics(reg)

	p, err := pipeline.New(pipeline.Config{
		Workers:            cfg.Pipeline.Workers,
		CheckpointInterval: cfg.Pipeline.CheckpointInterval,
		MaxConversations:   cfg.Pipeline.MaxConversations,
	}, *deps, logger)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	manager := pipeline.NewManager(p, deps.Checkpoints, cfg.Pipeline.StopGracePeriod, logger)
	themes := theme.NewService(theme.Config{MinMemberCount: cfg.Cluster.MinClusterSize}, st, logger)

	srv, err := server.NewServer(manager, themes, deps.Stories, st, deps.Vectors, reg, logger, &server.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Stop an in-flight run before closing the server so its final
	// checkpoint lands.
	if manager.Stop() == nil {
		manager.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.Endpoint = cfg.Observability.OTLPEndpoint
	telCfg.Protocol = cfg.Observability.OTLPProtocol
	if cfg.Observability.ServiceName != "" {
		telCfg.ServiceName = cfg.Observability.ServiceName
	}
	telCfg.ServiceVersion = version
	return telemetry.New(ctx, telCfg)
}

// initPipelineDeps builds everything the pipeline needs. The returned
// cleanup closes whatever was opened; it is safe to call on a partial
// failure path because each field is checked.
func initPipelineDeps(cfg *config.Config, st *store.Store, logger *zap.Logger) (*pipeline.Deps, func(), error) {
	deps := &pipeline.Deps{Store: st}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	source, err := conversation.NewClient(conversation.ClientConfig{
		BaseURL:     cfg.Source.BaseURL,
		AccessToken: cfg.Source.AccessToken.Value(),
		SourceName:  cfg.Source.SourceName,
		PageSize:    cfg.Source.PageSize,
		RatePerSec:  cfg.Source.RatePerSec,
		MaxRetries:  cfg.Source.MaxRetries,
		Timeout:     time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		IncludeOpen: cfg.Source.IncludeOpen,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating source client: %w", err)
	}
	deps.Source = source

	if cfg.Redact.Enabled {
		scrubber, err := redact.NewScrubber(redact.Config{
			Enabled:       true,
			AllowlistPath: cfg.Redact.AllowlistPath,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating scrubber: %w", err)
		}
		deps.Scrubber = scrubber
	}

	classifier, err := classify.NewClassifier(classify.Config{
		Provider: cfg.Classify.Provider,
		Model:    cfg.Classify.Model,
		APIKey:   cfg.Classify.APIKey.Value(),
		BaseURL:  cfg.Classify.BaseURL,
		Timeout:  time.Duration(cfg.Classify.Timeout) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating classifier: %w", err)
	}
	deps.Classifier = classifier
	if labeler, ok := classifier.(classify.ThemeLabeler); ok {
		deps.Labeler = labeler
	}

	engine, err := cluster.NewEngine(cluster.Config{
		AssignThreshold: cfg.Cluster.AssignThreshold,
		MergeThreshold:  cfg.Cluster.MergeThreshold,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cluster engine: %w", err)
	}
	deps.Engine = engine

	checkpoints, err := checkpoint.NewService(st, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating checkpoint service: %w", err)
	}
	deps.Checkpoints = checkpoints

	// Embeddings are optional. Without a provider the pipeline still
	// classifies; it just cannot cluster by similarity.
	if cfg.Embeddings.Provider != "" {
		provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			BaseURL:  cfg.Embeddings.BaseURL,
			APIKey:   cfg.Embeddings.APIKey.Value(),
			CacheDir: cfg.Embeddings.CacheDir,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		closers = append(closers, func() { _ = provider.Close() })
		deps.Embedder = provider

		vectors, err := initVectorStore(cfg, provider, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating vector store: %w", err)
		}
		deps.Vectors = vectors
	}

	storiesCfg := story.Config{Threshold: cfg.Stories.Threshold}
	var shortcut *story.ShortcutClient
	if cfg.Stories.ShortcutToken.IsSet() {
		shortcut, err = story.NewShortcutClient(story.ShortcutConfig{
			BaseURL:         cfg.Stories.ShortcutBaseURL,
			Token:           cfg.Stories.ShortcutToken.Value(),
			ProjectID:       cfg.Stories.ShortcutProject,
			WorkflowStateID: cfg.Stories.ShortcutWorkflow,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating shortcut client: %w", err)
		}
	}
	deps.Stories = story.NewService(storiesCfg, st, shortcut, logger)

	if cfg.NATS.URL != "" {
		publisher, err := pipeline.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warn("nats unavailable, run events disabled", zap.Error(err))
		} else {
			closers = append(closers, publisher.Close)
			deps.Events = publisher
		}
	}

	return deps, cleanup, nil
}

func initVectorStore(cfg *config.Config, embedder vectorstore.Embedder, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			APIKey:         cfg.Qdrant.APIKey.Value(),
			UseTLS:         cfg.Qdrant.UseTLS,
			CollectionName: cfg.Qdrant.CollectionName,
			VectorSize:     uint64(cfg.Qdrant.VectorSize),
		}, embedder)
	default:
		return vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path:              cfg.VectorStore.Chromem.Path,
			Compress:          cfg.VectorStore.Chromem.Compress,
			DefaultCollection: cfg.VectorStore.Chromem.DefaultCollection,
			VectorSize:        cfg.VectorStore.Chromem.VectorSize,
		}, embedder, logger)
	}
}
