// Package apiclient talks to the ragengine HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ragengine/internal/models"
	"ragengine/internal/rag"
	"ragengine/internal/workflows"
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type Accepted struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

type DocumentStatus struct {
	Document models.Document         `json:"document"`
	Workflow *workflows.IngestStatus `json:"workflow,omitempty"`
}

type UploadOptions struct {
	Collection string
	DocumentID string
	Format     string
}

func (c *Client) Upload(ctx context.Context, path string, opts UploadOptions) (Accepted, error) {
	f, err := os.Open(path)
	if err != nil {
		return Accepted{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return Accepted{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Accepted{}, fmt.Errorf("read %s: %w", path, err)
	}
	fields := map[string]string{"collection": opts.Collection, "document_id": opts.DocumentID, "format": opts.Format}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Accepted{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Accepted{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", &body)
	if err != nil {
		return Accepted{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out Accepted
	err = c.send(req, &out)
	return out, err
}

func (c *Client) Document(ctx context.Context, id string) (DocumentStatus, error) {
	var out DocumentStatus
	err := c.call(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, collection string, status models.DocumentStatus) ([]models.Document, error) {
	q := url.Values{}
	if collection != "" {
		q.Set("collection", collection)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Documents []models.Document `json:"documents"`
	}
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out.Documents, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Reingest(ctx context.Context, id string) (Accepted, error) {
	var out Accepted
	err := c.call(ctx, http.MethodPost, "/documents/"+url.PathEscape(id)+"/reingest", nil, &out)
	return out, err
}

func (c *Client) Ask(ctx context.Context, req rag.Request) (models.Answer, error) {
	var out models.Answer
	err := c.call(ctx, http.MethodPost, "/ask", req, &out)
	return out, err
}

func (c *Client) Search(ctx context.Context, req rag.Request) ([]models.RetrievalResult, error) {
	var out struct {
		Results []models.RetrievalResult `json:"results"`
	}
	err := c.call(ctx, http.MethodPost, "/search", req, &out)
	return out.Results, err
}

func (c *Client) Collection(ctx context.Context, name string) (models.CollectionStats, error) {
	var out models.CollectionStats
	err := c.call(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Backfill starts a RETRY_FAILED or REINDEX_ALL run and returns its id.
func (c *Client) Backfill(ctx context.Context, collection, mode string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.call(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/backfill", map[string]string{"mode": mode}, &out)
	return out.RunID, err
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var eb struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error.Message == "" {
			return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return &Error{StatusCode: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
