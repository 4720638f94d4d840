package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragengine/internal/chunker"
	"ragengine/internal/logging"
	"ragengine/internal/models"
	"ragengine/internal/ragerr"
	"ragengine/internal/storage"
	"ragengine/internal/vector"
	"ragengine/internal/vector/memory"
)

type fakeEmbedder struct {
	model    string
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	fail     func(ctx context.Context, call int) error
}

func (f *fakeEmbedder) Model() string { return f.model }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	call := int(f.calls.Add(1))
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(ctx, call); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := sha256.Sum256([]byte(t))
		out[i] = []float32{float32(h[0]) + 1, float32(h[1]), float32(h[2]), float32(h[3])}
	}
	return out, nil
}

// countingGateway records upserted ids and can fail a given upsert call.
type countingGateway struct {
	vector.Gateway
	mu       sync.Mutex
	upserted []string
	calls    int
	failOn   int
}

func (c *countingGateway) Upsert(ctx context.Context, collection string, entries []vector.Entry) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if c.failOn > 0 && call == c.failOn {
		return fmt.Errorf("%w: connection reset", ragerr.ErrCollectionUnavailable)
	}
	if err := c.Gateway.Upsert(ctx, collection, entries); err != nil {
		return err
	}
	c.mu.Lock()
	for _, e := range entries {
		c.upserted = append(c.upserted, e.ChunkID)
	}
	c.mu.Unlock()
	return nil
}

type fixture struct {
	p     *Pipeline
	store *storage.FileStore
	index *countingGateway
	emb   *fakeEmbedder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ch, err := chunker.New(200, 20, chunker.RuneSegmenter{})
	require.NoError(t, err)
	emb := &fakeEmbedder{model: "fake:embed-v1"}
	index := &countingGateway{Gateway: memory.New()}
	return &fixture{
		p:     New(store, ch, emb, index, opts, logging.Discard()),
		store: store,
		index: index,
		emb:   emb,
	}
}

func text(n int) []byte {
	return []byte(strings.Repeat("abcdefghij", n/10))
}

func (f *fixture) submit(t *testing.T, data []byte) models.Document {
	t.Helper()
	doc, err := f.p.Submit(context.Background(), Upload{DocumentID: "doc1", Filename: "notes.txt", Data: data})
	require.NoError(t, err)
	return doc
}

func (f *fixture) chunkIDs(t *testing.T) []string {
	t.Helper()
	ids, err := f.index.ChunkIDs(context.Background(), "documents", "doc1")
	require.NoError(t, err)
	return ids
}

func TestIngestThreeChunkDocument(t *testing.T) {
	f := newFixture(t, Options{})
	doc := f.submit(t, text(500))
	require.Equal(t, models.StatusPending, doc.Status)
	require.Equal(t, "txt", doc.Format)

	doc, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, doc.Status)
	require.Equal(t, 3, doc.ChunkCount)
	require.Equal(t, "fake:embed-v1", doc.EmbedModel)
	require.NotNil(t, doc.IndexedAt)
	require.ElementsMatch(t, []string{"doc1#0", "doc1#1", "doc1#2"}, f.index.upserted)

	schema, err := f.index.Collection(context.Background(), "documents")
	require.NoError(t, err)
	require.Equal(t, "fake:embed-v1", schema.EmbedModel)
	require.Equal(t, 4, schema.Dimension)
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	_, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	before := f.chunkIDs(t)

	_, err = f.p.Ingest(context.Background(), "doc1", IngestOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, before, f.chunkIDs(t))
	n, err := f.index.Count(context.Background(), "documents")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestUnchangedContentIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	_, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	calls := f.emb.calls.Load()

	doc := f.submit(t, text(500))
	require.Equal(t, models.StatusIndexed, doc.Status)
	_, err = f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, calls, f.emb.calls.Load())
}

func TestShrinkingReingestPrunesOrphans(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	_, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Len(t, f.chunkIDs(t), 3)

	doc := f.submit(t, text(150))
	require.Equal(t, models.StatusPending, doc.Status)
	doc, err = f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, doc.ChunkCount)
	require.Equal(t, []string{"doc1#0"}, f.chunkIDs(t))
}

func TestUpsertFailureRollsBackWholeDocument(t *testing.T) {
	f := newFixture(t, Options{UpsertBatchSize: 1, UpsertConcurrency: 1})
	f.index.failOn = 2
	f.submit(t, text(500))

	doc, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.ErrorIs(t, err, ragerr.ErrCollectionUnavailable)
	stage, ok := ragerr.StageOf(err)
	require.True(t, ok)
	require.Equal(t, ragerr.StageIndex, stage)

	require.Contains(t, f.index.upserted, "doc1#0")
	require.Empty(t, f.chunkIDs(t))
	require.Equal(t, models.StatusFailed, doc.Status)
	require.Equal(t, "index", doc.FailStage)
	require.NotEmpty(t, doc.FailReason)
}

func TestEmbeddingFailureRemovesPreviouslyIndexedChunks(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	_, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)

	f.emb.fail = func(context.Context, int) error {
		return fmt.Errorf("%w: backend down", ragerr.ErrEmbeddingServiceUnavailable)
	}
	doc, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{Force: true})
	require.ErrorIs(t, err, ragerr.ErrEmbeddingServiceUnavailable)
	require.Equal(t, models.StatusFailed, doc.Status)
	require.Equal(t, "embed", doc.FailStage)
	require.Empty(t, f.chunkIDs(t))

	// a failed document can be ingested again
	f.emb.fail = nil
	doc, err = f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, doc.Status)
	require.Len(t, f.chunkIDs(t), 3)
}

func TestModelMismatchFailsBeforeEmbedding(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.index.EnsureCollection(context.Background(), vector.Schema{Collection: "documents", EmbedModel: "other:model", Dimension: 4})
	require.NoError(t, err)
	f.submit(t, text(500))

	doc, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{})
	require.ErrorIs(t, err, ragerr.ErrModelMismatch)
	require.True(t, ragerr.IsConfiguration(err))
	require.Equal(t, models.StatusFailed, doc.Status)
	require.Zero(t, f.emb.calls.Load())
	require.Empty(t, f.index.upserted)
}

func TestCancelledIngestLeavesDocumentFailed(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	ctx, cancel := context.WithCancel(context.Background())
	f.emb.fail = func(context.Context, int) error {
		cancel()
		return fmt.Errorf("embedding interrupted: %w", context.Canceled)
	}

	_, err := f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.ErrorIs(t, err, ragerr.ErrIngestionCancelled)

	doc, err := f.store.Get(context.Background(), "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.Status)
}

func TestSameDocumentIngestionsAreSerialized(t *testing.T) {
	f := newFixture(t, Options{})
	f.emb.delay = 20 * time.Millisecond
	f.submit(t, text(500))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Ingest(context.Background(), "doc1", IngestOptions{Force: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), f.emb.maxSeen.Load())
	require.Equal(t, int32(4), f.emb.calls.Load())
	require.Len(t, f.chunkIDs(t), 3)
}

func TestDifferentDocumentsRunConcurrently(t *testing.T) {
	f := newFixture(t, Options{})
	f.emb.delay = 50 * time.Millisecond
	ctx := context.Background()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := f.p.Submit(ctx, Upload{Filename: name, Data: text(100)})
		require.NoError(t, err)
	}
	docs, err := f.store.List(ctx, "documents", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.p.Ingest(ctx, id, IngestOptions{})
			assert.NoError(t, err)
		}(d.DocumentID)
	}
	wg.Wait()
	require.Greater(t, f.emb.maxSeen.Load(), int32(1))
}

func TestSubmitRejectsUnsupported(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.p.Submit(context.Background(), Upload{Filename: "image.png", Data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}})
	require.ErrorIs(t, err, ragerr.ErrUnsupportedFormat)
	_, err = f.p.Submit(context.Background(), Upload{Filename: "empty.txt"})
	require.ErrorIs(t, err, ragerr.ErrCorruptDocument)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, Options{})
	f.submit(t, text(500))
	_, err := f.store.Transition(context.Background(), "doc1", models.StatusProcessing, nil)
	require.NoError(t, err)

	n, err := f.p.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	doc, err := f.store.Get(context.Background(), "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.Status)
	require.Equal(t, "recover", doc.FailStage)
}

func TestRetriedAttemptTakesOverProcessingDocument(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.submit(t, text(500))
	_, err := f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)

	// a worker died mid re-ingest and left a stray chunk behind
	_, err = f.store.Transition(ctx, "doc1", models.StatusPending, nil)
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, "doc1", models.StatusProcessing, nil)
	require.NoError(t, err)
	require.NoError(t, f.index.Gateway.Upsert(ctx, "documents", []vector.Entry{
		{ChunkID: "doc1#7", DocumentID: "doc1", Seq: 7, Text: "stray", Vector: []float32{1, 0, 0, 0}},
	}))

	_, err = f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.ErrorIs(t, err, ragerr.ErrInvalidTransition)
	_, err = f.p.Submit(ctx, Upload{DocumentID: "doc1", Filename: "notes.txt", Data: text(300)})
	require.ErrorIs(t, err, ragerr.ErrInvalidTransition)

	doc, err := f.p.Ingest(ctx, "doc1", IngestOptions{Reclaim: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, doc.Status)
	require.Empty(t, doc.FailStage)
	require.ElementsMatch(t, []string{"doc1#0", "doc1#1", "doc1#2"}, f.chunkIDs(t))
}

func TestStaleProcessingDocumentCanBeTakenOver(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Millisecond})
	ctx := context.Background()
	f.submit(t, text(500))
	doc, err := f.store.Transition(ctx, "doc1", models.StatusProcessing, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.True(t, f.p.Stale(doc))

	doc, err = f.p.Submit(ctx, Upload{DocumentID: "doc1", Filename: "notes.txt", Data: text(300)})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)

	_, err = f.store.Transition(ctx, "doc1", models.StatusProcessing, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	doc, err = f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, doc.Status)

	fresh := newFixture(t, Options{})
	fresh.submit(t, text(500))
	doc, err = fresh.store.Transition(ctx, "doc1", models.StatusProcessing, nil)
	require.NoError(t, err)
	require.False(t, fresh.p.Stale(doc))
}

func TestMovingDocumentToAnotherCollectionDropsOldChunks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.p.Submit(ctx, Upload{DocumentID: "doc1", Collection: "a", Filename: "notes.txt", Data: text(500)})
	require.NoError(t, err)
	_, err = f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)
	ids, err := f.index.ChunkIDs(ctx, "a", "doc1")
	require.NoError(t, err)
	require.Len(t, ids, 3)

	doc, err := f.p.Submit(ctx, Upload{DocumentID: "doc1", Collection: "b", Filename: "notes.txt", Data: text(500)})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)
	require.Equal(t, "b", doc.Collection)
	ids, err = f.index.ChunkIDs(ctx, "a", "doc1")
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)
	ids, err = f.index.ChunkIDs(ctx, "b", "doc1")
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestDeleteAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.submit(t, text(500))
	_, err := f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)

	stats, err := f.p.Stats(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, stats.Count)
	require.Equal(t, 1, stats.Documents)
	require.Equal(t, "cosine", stats.Metric)

	require.NoError(t, f.p.Delete(ctx, "doc1"))
	require.Empty(t, f.chunkIDs(t))
	_, err = f.store.Get(ctx, "doc1")
	require.True(t, errors.Is(err, ragerr.ErrDocumentNotFound))
}

func TestDropCollection(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.submit(t, text(500))
	_, err := f.p.Ingest(ctx, "doc1", IngestOptions{})
	require.NoError(t, err)

	n, err := f.p.DropCollection(ctx, "documents")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = f.p.Stats(ctx, "documents")
	require.ErrorIs(t, err, ragerr.ErrCollectionNotFound)
}
