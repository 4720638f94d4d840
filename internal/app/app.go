// Package app wires configuration into the storage, index, provider and
// pipeline components shared by the API server and the Temporal worker.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"ragengine/internal/chunker"
	"ragengine/internal/config"
	"ragengine/internal/embedding"
	"ragengine/internal/ingest"
	"ragengine/internal/providers"
	"ragengine/internal/rag"
	"ragengine/internal/retry"
	"ragengine/internal/storage"
	"ragengine/internal/vector"
	"ragengine/internal/vector/chroma"
	"ragengine/internal/vector/memory"
	"ragengine/internal/vector/pgvector"
)

type App struct {
	Config       config.Config
	Store        storage.DocumentStore
	Index        vector.Gateway
	Embedder     *embedding.Client
	Generator    providers.LLMProvider
	Models       providers.ModelManager
	Pipeline     *ingest.Pipeline
	Orchestrator *rag.Orchestrator
	// Probes are checked by the readiness endpoint.
	Probes map[string]providers.Pinger

	db *storage.DB
}

// ReportDir is where workflow reports and run manifests are written.
func (a *App) ReportDir() string {
	return filepath.Join(a.Config.DataDir, "out")
}

func (a *App) Close() {
	a.db.Close()
}

// Build constructs every component named by cfg. The caller owns the result
// and must Close it.
func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Probes: map[string]providers.Pinger{}}

	if cfg.DocStore == "postgres" || cfg.VectorBackend == "pgvector" {
		db, err := storage.NewDB(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		a.db = db
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := buildStore(ctx, cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.Store = store

	index, err := buildIndex(ctx, cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.Index = vector.WithRetry(index, policy(cfg, cfg.IndexMaxRetries), seconds(cfg.IndexTimeoutSecs), log)
	a.Probes["vector"] = a.Index

	embedProvider, err := providers.NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	a.Embedder = embedding.New(embedProvider, embedding.Options{
		BatchSize:     cfg.EmbedBatchSize,
		Concurrency:   cfg.EmbedConcurrency,
		Timeout:       seconds(cfg.EmbedTimeoutSecs),
		Retry:         policy(cfg, cfg.EmbedMaxRetries),
		RatePerSecond: cfg.EmbedRatePerSecond,
		Dimension:     cfg.EmbedDim,
	}, log)
	a.Probes["embed"] = a.Embedder

	gen, err := providers.NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	a.Generator = gen
	if p, isPinger := gen.(providers.Pinger); isPinger {
		a.Probes["gen"] = p
	}
	if mm, isManager := gen.(providers.ModelManager); isManager {
		a.Models = mm
	} else if mm, isManager := embedProvider.(providers.ModelManager); isManager {
		a.Models = mm
	}

	seg, err := chunker.NewSegmenter(cfg.ChunkUnit, log)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap, seg)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"unit":    ch.Unit(),
		"size":    ch.Size(),
		"overlap": ch.Overlap(),
	}).Debug("chunker ready")
	metric, err := vector.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	a.Pipeline = ingest.New(a.Store, ch, a.Embedder, a.Index, ingest.Options{
		Collection:        cfg.Collection,
		Metric:            metric,
		UpsertBatchSize:   cfg.UpsertBatchSize,
		UpsertConcurrency: cfg.UpsertConcurrency,
		StaleAfter:        2 * seconds(cfg.IngestTimeoutSecs), // no run outlives the ingest timeout
	}, log)

	a.Orchestrator = rag.New(a.Embedder, a.Index, a.Generator, ch, rag.Options{
		Collection:      cfg.Collection,
		TopK:            cfg.TopK,
		MaxContextUnits: cfg.MaxContextUnits,
		MaxHistoryTurns: cfg.MaxHistoryTurns,
		Retry:           policy(cfg, cfg.LLMMaxRetries),
		Timeout:         seconds(cfg.LLMTimeoutSecs),
	}, log)
	if a.db != nil {
		audit := storage.NewLLMAuditRepo(a.db)
		if err := audit.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.Orchestrator.WithRecorder(audit)
	}

	ok = true
	return a, nil
}

func buildStore(ctx context.Context, cfg config.Config, db *storage.DB) (storage.DocumentStore, error) {
	if cfg.DocStore == "postgres" {
		repo := storage.NewDocumentRepo(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	}
	return storage.NewFileStore(filepath.Join(cfg.DataDir, "store"))
}

func buildIndex(ctx context.Context, cfg config.Config, db *storage.DB) (vector.Gateway, error) {
	switch cfg.VectorBackend {
	case "pgvector":
		g := pgvector.New(db.Pool)
		if err := g.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return g, nil
	case "memory":
		return memory.New(), nil
	default:
		return chroma.New(cfg.ChromaURL, seconds(cfg.IndexTimeoutSecs)), nil
	}
}

// policy builds a backoff policy allowing retries attempts after the first.
func policy(cfg config.Config, retries int) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.RetryInitialMS > 0 {
		p.InitialInterval = time.Duration(cfg.RetryInitialMS) * time.Millisecond
	}
	if cfg.RetryMaxMS > 0 {
		p.MaximumInterval = time.Duration(cfg.RetryMaxMS) * time.Millisecond
	}
	if retries >= 0 {
		p.MaximumAttempts = retries + 1
	}
	return p
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
