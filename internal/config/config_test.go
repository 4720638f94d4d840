package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RAG_CONFIG_FILE", "")
	t.Setenv("RAG_CHUNK_SIZE", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 1000, cfg.ChunkSize)
	require.Equal(t, 200, cfg.ChunkOverlap)
	require.Equal(t, 5, cfg.TopK)
	require.Equal(t, "documents", cfg.Collection)
	require.Equal(t, "cosine", cfg.Metric)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverlayLosesToEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 400\nchunk_overlap: 50\ncollection: papers\ntop_k: 8\n"), 0o644))
	t.Setenv("RAG_CONFIG_FILE", path)
	t.Setenv("RAG_TOP_K", "3")
	t.Setenv("RAG_CHUNK_SIZE", "")
	t.Setenv("RAG_COLLECTION", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 400, cfg.ChunkSize)
	require.Equal(t, 50, cfg.ChunkOverlap)
	require.Equal(t, "papers", cfg.Collection)
	require.Equal(t, 3, cfg.TopK)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	t.Setenv("RAG_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.NoError(t, err)
}

func TestValidateRejectsBadChunking(t *testing.T) {
	cfg := fromEnv()
	cfg.ChunkOverlap = cfg.ChunkSize
	require.Error(t, cfg.Validate())

	cfg = fromEnv()
	cfg.ChunkUnit = "word"
	require.Error(t, cfg.Validate())

	cfg = fromEnv()
	cfg.VectorBackend = "milvus"
	require.Error(t, cfg.Validate())
}

func TestGetenvIntFallback(t *testing.T) {
	t.Setenv("RAG_TEST_INT", "nope")
	if got := getenvInt("RAG_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}
