package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragengine/internal/models"
	"ragengine/internal/rag"
)

func TestUploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents", r.URL.Path)
		f, h, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		b, _ := io.ReadAll(f)
		assert.Equal(t, "notes.md", h.Filename)
		assert.Equal(t, "# hi", string(b))
		assert.Equal(t, "kb", r.FormValue("collection"))
		assert.Empty(t, r.FormValue("document_id"))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"document_id": "abc", "status": "pending"})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0o644))
	out, err := New(srv.URL, time.Second).Upload(context.Background(), path, UploadOptions{Collection: "kb"})
	require.NoError(t, err)
	require.Equal(t, Accepted{DocumentID: "abc", Status: "pending"}, out)
}

func TestErrorBodyIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"RAG-IDX-4091","message":"model mismatch"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Ask(context.Background(), rag.Request{Query: "q"})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "RAG-IDX-4091", apiErr.Code)
	require.Contains(t, err.Error(), "model mismatch")
}

func TestListAndSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents":
			assert.Equal(t, "kb", r.URL.Query().Get("collection"))
			assert.Equal(t, "failed", r.URL.Query().Get("status"))
			_ = json.NewEncoder(w).Encode(map[string]any{"documents": []models.Document{{DocumentID: "a"}}})
		case "/search":
			var req rag.Request
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 3, req.TopK)
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []models.RetrievalResult{{ChunkID: "a#0", Score: 0.9}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	docs, err := c.List(context.Background(), "kb", models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	res, err := c.Search(context.Background(), rag.Request{Query: "x", TopK: 3})
	require.NoError(t, err)
	require.Equal(t, "a#0", res[0].ChunkID)

	err = c.Delete(context.Background(), "missing")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
