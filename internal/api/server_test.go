package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/app"
	"ragengine/internal/config"
	"ragengine/internal/logging"
	"ragengine/internal/models"
	"ragengine/internal/ragerr"
)

type testServer struct {
	*httptest.Server
	app      *app.App
	dispatch *InlineDispatcher
}

func newTestServer(t *testing.T) *testServer {
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
	cfg.MaxUploadMB = 1

	log := logging.Discard()
	a, err := app.Build(context.Background(), cfg, log)
	require.NoError(t, err)
	d := NewInlineDispatcher(a.Pipeline, a.Store, time.Minute, log)
	srv := httptest.NewServer(NewServer(a, d, log).Routes())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
		a.Close()
	})
	return &testServer{Server: srv, app: a, dispatch: d}
}

func (ts *testServer) upload(t *testing.T, filename string, data []byte, fields map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	resp, err := http.Post(ts.URL+"/documents", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, resp, &ready)
	require.True(t, ready.Ready)
	require.Equal(t, "ok", ready.Checks["vector"])
	require.Equal(t, "ok", ready.Checks["embed"])
	require.Equal(t, "ok", ready.Checks["gen"])
}

func TestUploadIngestAskFlow(t *testing.T) {
	ts := newTestServer(t)
	text := strings.Repeat("Paris is the capital of France. ", 20)

	resp := ts.upload(t, "france.txt", []byte(text), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		DocumentID string `json:"document_id"`
		Status     string `json:"status"`
	}
	decode(t, resp, &accepted)
	require.NotEmpty(t, accepted.DocumentID)
	require.Equal(t, "pending", accepted.Status)
	ts.dispatch.Wait()

	resp = ts.do(t, http.MethodGet, "/documents/"+accepted.DocumentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Document models.Document `json:"document"`
	}
	decode(t, resp, &got)
	require.Equal(t, models.StatusIndexed, got.Document.Status)
	require.Positive(t, got.Document.ChunkCount)

	resp = ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "What is the capital of France?", "top_k": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var ans models.Answer
	decode(t, resp, &ans)
	require.True(t, ans.Grounded)
	require.LessOrEqual(t, len(ans.Citations), 2)
	require.Equal(t, "france.txt", ans.Citations[0].Filename)

	resp = ts.do(t, http.MethodPost, "/search", map[string]any{"query": "capital", "top_k": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search struct {
		Results []models.RetrievalResult `json:"results"`
	}
	decode(t, resp, &search)
	require.Len(t, search.Results, 1)

	resp = ts.do(t, http.MethodGet, "/collections/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.CollectionStats
	decode(t, resp, &stats)
	require.Equal(t, got.Document.ChunkCount, stats.Count)
	require.Equal(t, 1, stats.Documents)

	resp = ts.do(t, http.MethodGet, "/documents?collection=documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Documents []models.Document `json:"documents"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Documents, 1)

	// same bytes again: already indexed, nothing to dispatch
	resp = ts.upload(t, "france.txt", []byte(text), nil)
	decode(t, resp, &accepted)
	require.Equal(t, "indexed", accepted.Status)

	resp = ts.do(t, http.MethodPost, "/documents/"+accepted.DocumentID+"/reingest", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	ts.dispatch.Wait()

	resp = ts.do(t, http.MethodDelete, "/documents/"+accepted.DocumentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/documents/"+accepted.DocumentID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var eb errorBody
	decode(t, resp, &eb)
	require.Equal(t, "RAG-API-4004", eb.Error.Code)

	resp = ts.do(t, http.MethodDelete, "/collections/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = ts.do(t, http.MethodGet, "/collections/documents", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.upload(t, "blob.bin", []byte{0, 1, 2, 3, 0xff, 0xfe}, nil)
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	var eb errorBody
	decode(t, resp, &eb)
	require.Equal(t, "RAG-DOC-4150", eb.Error.Code)

	resp = ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decode(t, resp, &eb)
	require.Equal(t, "RAG-API-4001", eb.Error.Code)

	resp = ts.do(t, http.MethodPut, "/ask", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	decode(t, resp, &eb)
	require.Equal(t, "RAG-API-5010", eb.Error.Code)
}

func TestAskWithoutDocumentsIsUngrounded(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "anything?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ans models.Answer
	decode(t, resp, &ans)
	require.False(t, ans.Grounded)
	require.Empty(t, ans.Citations)
}

func TestBackfillRejectsUnknownMode(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/collections/documents/backfill", map[string]any{"mode": "EVERYTHING"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/collections/documents/backfill", map[string]any{"mode": "retry_failed"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	ts.dispatch.Wait()
}

type downDispatcher struct{}

func (downDispatcher) Dispatch(context.Context, string, bool) error {
	return errors.New("temporal frontend unreachable")
}

func (downDispatcher) Backfill(context.Context, string, string) (string, error) {
	return "", errors.New("temporal frontend unreachable")
}

func TestUndispatchedUploadIsMarkedFailed(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(NewServer(ts.app, downDispatcher{}, logging.Discard()).Routes())
	defer srv.Close()
	ts.Server = srv

	resp := ts.upload(t, "notes.txt", []byte("notes that never get a run"), map[string]string{"document_id": "notes"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	doc, err := ts.app.Store.Get(context.Background(), "notes")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.Status)
	require.Equal(t, "dispatch", doc.FailStage)
	require.Contains(t, doc.FailReason, "unreachable")
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", ragerr.ErrModelMismatch):                http.StatusConflict,
		fmt.Errorf("x: %w", ragerr.ErrGenerationServiceUnavailable): http.StatusBadGateway,
		fmt.Errorf("x: %w", ragerr.ErrCollectionUnavailable):        http.StatusServiceUnavailable,
		fmt.Errorf("x: %w", ragerr.ErrCorruptDocument):              http.StatusUnprocessableEntity,
		errors.New("boom"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
	require.Equal(t, "RAG-API-4013", toAPIError(http.StatusRequestEntityTooLarge, errors.New("http: request body too large")).Code)
	require.Equal(t, "RAG-IDX-4091", toAPIError(http.StatusConflict, fmt.Errorf("x: %w", ragerr.ErrModelMismatch)).Code)
	require.Equal(t, "RAG-DB-5002", toAPIError(http.StatusInternalServerError, errors.New("dial tcp 127.0.0.1:5432: connection refused")).Code)
}
