package vector

import (
	"context"
	"fmt"
	"math"
	"strings"

	"ragengine/internal/ragerr"
)

type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	case MetricIP:
		return MetricIP, nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ragerr.ErrInvalidInput, s)
}

// Schema is what a collection records about itself at creation time. The
// embedding model and dimension never change for the life of a collection.
type Schema struct {
	Collection string `json:"collection"`
	EmbedModel string `json:"embed_model"`
	Dimension  int    `json:"dimension"`
	Metric     Metric `json:"metric"`
}

type Entry struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Text       string
	Vector     []float32
	Metadata   map[string]string
}

type Filter struct {
	DocumentIDs []string
}

// Match is a query hit. Higher scores are more similar regardless of metric.
type Match struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Text       string
	Metadata   map[string]string
	Score      float64
}

// Gateway is the vector store boundary. Implementations must be safe for
// concurrent use and rely on the store's per-key atomicity rather than a
// process-wide lock.
type Gateway interface {
	// EnsureCollection creates the collection or returns the existing schema.
	// An existing collection built with another model or dimension yields
	// ErrModelMismatch or ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, schema Schema) (Schema, error)
	// Collection returns the recorded schema or ErrCollectionNotFound.
	Collection(ctx context.Context, name string) (Schema, error)
	// Upsert inserts or replaces entries keyed by chunk id.
	Upsert(ctx context.Context, collection string, entries []Entry) error
	// Query returns up to topK matches ordered by descending score, using the
	// metric the collection was created with.
	Query(ctx context.Context, collection string, vec []float32, topK int, filter Filter) ([]Match, error)
	DeleteDocument(ctx context.Context, collection, documentID string) error
	DeleteChunks(ctx context.Context, collection string, chunkIDs []string) error
	ChunkIDs(ctx context.Context, collection, documentID string) ([]string, error)
	Count(ctx context.Context, collection string) (int, error)
	DropCollection(ctx context.Context, collection string) error
	Ping(ctx context.Context) error
}

// Reconcile compares a requested schema with the stored one.
func Reconcile(stored, requested Schema) (Schema, error) {
	if requested.EmbedModel != "" && stored.EmbedModel != requested.EmbedModel {
		return stored, fmt.Errorf("%w: collection %s was indexed with %s, configured model is %s",
			ragerr.ErrModelMismatch, stored.Collection, stored.EmbedModel, requested.EmbedModel)
	}
	if requested.Dimension > 0 && stored.Dimension != requested.Dimension {
		return stored, fmt.Errorf("%w: collection %s has dimension %d, got %d",
			ragerr.ErrDimensionMismatch, stored.Collection, stored.Dimension, requested.Dimension)
	}
	return stored, nil
}

// CheckDimension rejects vectors whose length disagrees with the schema.
func CheckDimension(s Schema, vec []float32) error {
	if s.Dimension > 0 && len(vec) != s.Dimension {
		return fmt.Errorf("%w: collection %s expects %d, vector has %d",
			ragerr.ErrDimensionMismatch, s.Collection, s.Dimension, len(vec))
	}
	return nil
}

func ValidateSchema(s Schema) (Schema, error) {
	if strings.TrimSpace(s.Collection) == "" {
		return s, fmt.Errorf("%w: collection name is required", ragerr.ErrInvalidInput)
	}
	if s.Dimension <= 0 {
		return s, fmt.Errorf("%w: dimension must be positive", ragerr.ErrInvalidInput)
	}
	if strings.TrimSpace(s.EmbedModel) == "" {
		return s, fmt.Errorf("%w: embed model is required", ragerr.ErrInvalidInput)
	}
	m, err := ParseMetric(string(s.Metric))
	if err != nil {
		return s, err
	}
	s.Metric = m
	return s, nil
}

// Similarity scores a against b under m; higher is closer.
func Similarity(m Metric, a, b []float32) float64 {
	var dot, na, nb, l2 float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		d := x - y
		l2 += d * d
	}
	switch m {
	case MetricL2:
		return -math.Sqrt(l2)
	case MetricIP:
		return dot
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
}
