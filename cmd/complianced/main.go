// Complianced is a compliance self-assessment daemon for Dutch schools.
//
// It indexes school policy documents into a vector store and answers
// questions about deugdelijkheidseisen grounded in those documents, over
// an HTTP API with optional streaming.
//
// Usage:
//
//	# Start with defaults (embedded vector store, Ollama backends)
//	complianced
//
//	# Point at a config file
//	complianced -config /etc/complianced/config.yaml
//
//	# Configure via environment
//	SERVER_PORT=9000 EMBEDDINGS_BASE_URL=http://ollama:11434/v1 complianced
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/assembler"
	"github.com/fyrsmithlabs/complianced/internal/assistant"
	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/config"
	"github.com/fyrsmithlabs/complianced/internal/conversation"
	"github.com/fyrsmithlabs/complianced/internal/embeddings"
	"github.com/fyrsmithlabs/complianced/internal/generation"
	"github.com/fyrsmithlabs/complianced/internal/httpapi"
	"github.com/fyrsmithlabs/complianced/internal/logging"
	"github.com/fyrsmithlabs/complianced/internal/requirements"
	"github.com/fyrsmithlabs/complianced/internal/retrieval"
	"github.com/fyrsmithlabs/complianced/internal/telemetry"
	"github.com/fyrsmithlabs/complianced/internal/tokens"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("complianced %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// run wires the pipeline and blocks until the context is cancelled:
// config, logger, token counter, embedder, vector store, retriever,
// conversation manager, generator, assistant, HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting complianced",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.New(ctx, cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	counter := tokens.Default()

	chunker, err := chunking.NewChunker(cfg.Chunking, counter, logger.Named("chunking"))
	if err != nil {
		return err
	}

	embedder, err := embeddings.NewService(cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return err
	}

	store, err := vectorstore.NewStore(ctx, cfg.VectorStore, logger.Named("vectorstore"))
	if err != nil {
		return err
	}
	defer store.Close()

	retriever, err := retrieval.NewRetriever(cfg.Retrieval, chunker, embedder, store, logger.Named("retrieval"))
	if err != nil {
		return err
	}

	sessions, err := conversation.NewManager(cfg.Conversation, counter, logger.Named("conversation"))
	if err != nil {
		return err
	}

	generator, err := generation.NewService(cfg.Generation, logger.Named("generation"))
	if err != nil {
		return err
	}

	catalog, err := requirements.Load(cfg.Requirements.CatalogPath, logger.Named("requirements"))
	if err != nil {
		return err
	}

	asst := assistant.New(cfg.Assistant, retriever,
		assembler.New(counter, logger.Named("assembler")),
		sessions, generator, catalog, logger.Named("assistant"))

	server, err := httpapi.NewServer(asst, retriever, catalog, logger.Named("http"), httpapi.Config{
		Port:   cfg.Server.Port,
		APIKey: cfg.Server.APIKey,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
