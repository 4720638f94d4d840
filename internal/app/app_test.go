package app

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ragengine/internal/config"
	"ragengine/internal/ingest"
	"ragengine/internal/logging"
	"ragengine/internal/models"
	"ragengine/internal/rag"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.DocStore = "file"
	cfg.VectorBackend = "memory"
	cfg.EmbedProvider = "mock"
	cfg.LLMProvider = "mock"
	cfg.EmbedDim = 16
	cfg.ChunkUnit = "char"
	cfg.ChunkSize = 200
	cfg.ChunkOverlap = 20
	cfg.RetryInitialMS = 1
	cfg.RetryMaxMS = 1
	return cfg
}

func TestBuildRunsIngestAndAnswer(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(t), logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	require.Nil(t, a.Models)
	require.Contains(t, a.Probes, "vector")
	require.Contains(t, a.Probes, "embed")
	require.Contains(t, a.Probes, "gen")

	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 12)
	doc, err := a.Pipeline.Submit(ctx, ingest.Upload{Filename: "fox.txt", Data: []byte(text)})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)

	doc, err = a.Pipeline.Ingest(ctx, doc.DocumentID, ingest.IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, doc.Status)
	require.Equal(t, "mock:mock-embed-16", doc.EmbedModel)
	require.Positive(t, doc.ChunkCount)

	ans, err := a.Orchestrator.Answer(ctx, rag.Request{Query: "What does the fox do?"})
	require.NoError(t, err)
	require.True(t, ans.Grounded)
	require.Contains(t, ans.Text, "Mock answer drawn from")

	stats, err := a.Pipeline.Stats(ctx, "")
	require.NoError(t, err)
	require.Equal(t, doc.ChunkCount, stats.Count)
	require.Equal(t, 16, stats.Dimension)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChunkOverlap = cfg.ChunkSize
	_, err := Build(context.Background(), cfg, logging.Discard())
	require.ErrorContains(t, err, "chunk_overlap")
}

func TestPolicyCountsRetriesAfterFirstAttempt(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, 3, policy(cfg, 2).MaximumAttempts)
	require.Equal(t, 1, policy(cfg, 0).MaximumAttempts)
}
