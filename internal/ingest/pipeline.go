package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ragengine/internal/chunker"
	"ragengine/internal/loader"
	"ragengine/internal/models"
	"ragengine/internal/ragerr"
	"ragengine/internal/storage"
	"ragengine/internal/util"
	"ragengine/internal/vector"
)

// Embedder is the slice of the embedding client the pipeline uses.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Collection        string
	Metric            vector.Metric
	UpsertBatchSize   int
	UpsertConcurrency int
	// CleanupTimeout bounds rollback work done after the caller's context
	// has been cancelled.
	CleanupTimeout time.Duration
	// StaleAfter is how long a document may sit in processing without an
	// update before any caller may take it over.
	StaleAfter time.Duration
}

// Pipeline turns stored documents into indexed chunks. It is safe for
// concurrent use; work on one document id is serialized.
type Pipeline struct {
	store    storage.DocumentStore
	chunker  *chunker.Chunker
	embedder Embedder
	index    vector.Gateway
	opts     Options
	log      logrus.FieldLogger
	locks    *keyLock
}

func New(store storage.DocumentStore, ch *chunker.Chunker, emb Embedder, index vector.Gateway, opts Options, log logrus.FieldLogger) *Pipeline {
	if opts.Collection == "" {
		opts.Collection = "documents"
	}
	if opts.Metric == "" {
		opts.Metric = vector.MetricCosine
	}
	if opts.UpsertBatchSize <= 0 {
		opts.UpsertBatchSize = 64
	}
	if opts.UpsertConcurrency <= 0 {
		opts.UpsertConcurrency = 2
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		store:    store,
		chunker:  ch,
		embedder: emb,
		index:    index,
		opts:     opts,
		log:      log.WithField("component", "ingest"),
		locks:    newKeyLock(),
	}
}

func (p *Pipeline) Collection() string { return p.opts.Collection }

// Stale reports whether doc is a processing record abandoned by a run that
// is no longer making progress.
func (p *Pipeline) Stale(doc models.Document) bool {
	return doc.Status == models.StatusProcessing && time.Since(doc.UpdatedAt) > p.opts.StaleAfter
}

// Upload is a document as received from a client.
type Upload struct {
	DocumentID string
	Collection string
	Filename   string
	Format     string
	Data       []byte
}

// Submit stores an upload as a pending document. Re-uploading identical
// content of an already indexed document leaves it untouched.
func (p *Pipeline) Submit(ctx context.Context, up Upload) (models.Document, error) {
	filename := strings.TrimSpace(up.Filename)
	if filename == "" {
		return models.Document{}, fmt.Errorf("%w: filename is required", ragerr.ErrInvalidInput)
	}
	if len(up.Data) == 0 {
		return models.Document{}, fmt.Errorf("%w: %s is empty", ragerr.ErrCorruptDocument, filename)
	}
	format := loader.NormalizeFormat(up.Format)
	if format == "" {
		format = loader.DetectFormat(filename, up.Data)
	}
	if !loader.Supported(format) {
		return models.Document{}, fmt.Errorf("%w: %s", ragerr.ErrUnsupportedFormat, filename)
	}
	collection := up.Collection
	if collection == "" {
		collection = p.opts.Collection
	}
	id := up.DocumentID
	if id == "" {
		id = models.DocumentID(collection, filename)
	}

	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return models.Document{}, err
	}
	defer unlock()

	hash := util.SHA256Hex(up.Data)
	existing, err := p.store.Get(ctx, id)
	switch {
	case errors.Is(err, ragerr.ErrDocumentNotFound):
	case err != nil:
		return models.Document{}, err
	default:
		if existing.Status == models.StatusProcessing && !p.Stale(existing) {
			return models.Document{}, fmt.Errorf("%w: document %s is being ingested", ragerr.ErrInvalidTransition, id)
		}
		if existing.Status == models.StatusIndexed && existing.Collection == collection &&
			existing.ContentHash == hash && existing.EmbedModel == p.embedder.Model() {
			return existing, nil
		}
		// Pruning only looks at the document's current collection, so chunks
		// left elsewhere must go before the record moves.
		if existing.Collection != collection || existing.Status == models.StatusProcessing {
			if err := p.index.DeleteDocument(ctx, existing.Collection, id); err != nil && !errors.Is(err, ragerr.ErrCollectionNotFound) {
				return models.Document{}, fmt.Errorf("remove chunks of %s from %s: %w", id, existing.Collection, err)
			}
		}
	}

	doc := models.Document{
		DocumentID:  id,
		Collection:  collection,
		Filename:    filename,
		Format:      format,
		SizeBytes:   int64(len(up.Data)),
		ContentHash: hash,
		Status:      models.StatusPending,
		CreatedAt:   existing.CreatedAt,
	}
	if err := p.store.Put(ctx, doc, up.Data); err != nil {
		return models.Document{}, err
	}
	p.log.WithFields(logrus.Fields{"document_id": id, "collection": collection, "format": format}).Info("document submitted")
	return p.store.Get(ctx, id)
}

type IngestOptions struct {
	// Force re-runs the pipeline even when the document is already indexed
	// with the current model.
	Force bool
	// Reclaim tells Ingest the caller owns the document, so a processing
	// record is the leftover of an interrupted attempt and is taken over.
	Reclaim bool
}

// Ingest runs load, chunk, embed, upsert and prune for one document. Any
// failure removes every chunk of the document from the index and leaves it
// failed, with the stage recorded.
func (p *Pipeline) Ingest(ctx context.Context, documentID string, opts IngestOptions) (models.Document, error) {
	unlock, err := p.locks.Lock(ctx, documentID)
	if err != nil {
		return models.Document{}, err
	}
	defer unlock()

	doc, err := p.store.Get(ctx, documentID)
	if err != nil {
		return models.Document{}, err
	}
	model := p.embedder.Model()
	switch doc.Status {
	case models.StatusIndexed:
		if !opts.Force && doc.EmbedModel == model {
			return doc, nil
		}
		fallthrough
	case models.StatusFailed:
		if doc, err = p.store.Transition(ctx, documentID, models.StatusPending, nil); err != nil {
			return models.Document{}, err
		}
	case models.StatusProcessing:
		if !opts.Reclaim && !p.Stale(doc) {
			return doc, fmt.Errorf("%w: document %s is already processing", ragerr.ErrInvalidTransition, documentID)
		}
		if doc, err = p.reclaim(ctx, doc); err != nil {
			return doc, err
		}
	}

	if doc, err = p.store.Transition(ctx, documentID, models.StatusProcessing, nil); err != nil {
		return models.Document{}, err
	}
	log := p.log.WithFields(logrus.Fields{"document_id": documentID, "collection": doc.Collection})
	started := time.Now()

	count, runErr := p.run(ctx, doc, model, log)
	if runErr != nil {
		return p.fail(ctx, doc, runErr, log)
	}

	doc, err = p.store.Transition(ctx, documentID, models.StatusIndexed, func(d *models.Document) {
		d.ChunkCount = count
		d.EmbedModel = model
	})
	if err != nil {
		return p.fail(ctx, doc, ragerr.AtStage(documentID, ragerr.StageFinish, err), log)
	}
	log.WithFields(logrus.Fields{"chunks": count, "elapsed_ms": time.Since(started).Milliseconds()}).Info("document indexed")
	return doc, nil
}

func (p *Pipeline) run(ctx context.Context, doc models.Document, model string, log logrus.FieldLogger) (int, error) {
	id := doc.DocumentID

	// A collection built with another model cannot take these vectors, so
	// fail before paying for embeddings.
	if schema, err := p.index.Collection(ctx, doc.Collection); err == nil {
		if _, err := vector.Reconcile(schema, vector.Schema{Collection: doc.Collection, EmbedModel: model}); err != nil {
			return 0, ragerr.AtStage(id, ragerr.StageIndex, err)
		}
	} else if !errors.Is(err, ragerr.ErrCollectionNotFound) {
		return 0, ragerr.AtStage(id, ragerr.StageIndex, err)
	}

	raw, err := p.store.Raw(ctx, id)
	if err != nil {
		return 0, ragerr.AtStage(id, ragerr.StageLoad, err)
	}
	res, err := loader.Load(raw, doc.Format)
	if err != nil {
		return 0, ragerr.AtStage(id, ragerr.StageLoad, err)
	}

	chunks := p.chunker.Split(id, res.Text)
	if len(chunks) == 0 {
		return 0, ragerr.AtStage(id, ragerr.StageChunk, fmt.Errorf("%w: no text to index", ragerr.ErrCorruptDocument))
	}
	log.WithField("stage", ragerr.StageChunk).WithField("chunks", len(chunks)).Debug("document chunked")

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, ragerr.AtStage(id, ragerr.StageEmbed, err)
	}
	if len(vecs) != len(chunks) {
		return 0, ragerr.AtStage(id, ragerr.StageEmbed,
			fmt.Errorf("%w: %d vectors for %d chunks", ragerr.ErrEmbeddingServiceUnavailable, len(vecs), len(chunks)))
	}

	if _, err := p.index.EnsureCollection(ctx, vector.Schema{
		Collection: doc.Collection,
		EmbedModel: model,
		Dimension:  len(vecs[0]),
		Metric:     p.opts.Metric,
	}); err != nil {
		return 0, ragerr.AtStage(id, ragerr.StageIndex, err)
	}

	entries := make([]vector.Entry, len(chunks))
	keep := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{
			ChunkID:    c.ChunkID,
			DocumentID: id,
			Seq:        c.Seq,
			Text:       c.Text,
			Vector:     vecs[i],
			Metadata:   chunkMetadata(doc, res, c),
		}
		keep[c.ChunkID] = struct{}{}
	}
	if err := p.upsert(ctx, doc.Collection, entries); err != nil {
		return 0, ragerr.AtStage(id, ragerr.StageIndex, err)
	}

	// Every upsert above has completed; only now is it safe to remove ids the
	// new version no longer produces.
	existing, err := p.index.ChunkIDs(ctx, doc.Collection, id)
	if err != nil {
		return 0, ragerr.AtStage(id, ragerr.StagePrune, err)
	}
	var orphans []string
	for _, cid := range existing {
		if _, ok := keep[cid]; !ok {
			orphans = append(orphans, cid)
		}
	}
	if len(orphans) > 0 {
		if err := p.index.DeleteChunks(ctx, doc.Collection, orphans); err != nil {
			return 0, ragerr.AtStage(id, ragerr.StagePrune, err)
		}
		log.WithField("stage", ragerr.StagePrune).WithField("orphans", len(orphans)).Info("pruned stale chunks")
	}
	return len(chunks), nil
}

func chunkMetadata(doc models.Document, res loader.Result, c models.Chunk) map[string]string {
	meta := map[string]string{
		"filename": doc.Filename,
		"format":   doc.Format,
		"start":    strconv.Itoa(c.Start),
		"end":      strconv.Itoa(c.End),
	}
	if seg, ok := res.SegmentAt(c.Start); ok && seg.Label != "" {
		meta["segment"] = seg.Label
	}
	return meta
}

func (p *Pipeline) upsert(ctx context.Context, collection string, entries []vector.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.UpsertConcurrency)
	for start := 0; start < len(entries); start += p.opts.UpsertBatchSize {
		end := min(start+p.opts.UpsertBatchSize, len(entries))
		batch := entries[start:end]
		g.Go(func() error {
			return p.index.Upsert(gctx, collection, batch)
		})
	}
	return g.Wait()
}

// fail rolls the document back: its chunks leave the index and the record
// is marked failed. The cleanup survives cancellation of ctx.
func (p *Pipeline) fail(ctx context.Context, doc models.Document, cause error, log logrus.FieldLogger) (models.Document, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CleanupTimeout)
	defer cancel()

	if ctx.Err() != nil {
		cause = fmt.Errorf("%w: %w", ragerr.ErrIngestionCancelled, cause)
	}
	stage, _ := ragerr.StageOf(cause)
	entry := log.WithError(cause).WithField("stage", stage)

	if err := p.index.DeleteDocument(cctx, doc.Collection, doc.DocumentID); err != nil && !errors.Is(err, ragerr.ErrCollectionNotFound) {
		entry.WithField("cleanup_error", err.Error()).Error("rollback could not remove chunks")
	}
	failed, err := p.store.Transition(cctx, doc.DocumentID, models.StatusFailed, func(d *models.Document) {
		d.FailStage = string(stage)
		d.FailReason = cause.Error()
		d.ChunkCount = 0
	})
	if err != nil {
		entry.WithField("cleanup_error", err.Error()).Error("could not mark document failed")
		return doc, cause
	}
	entry.Warn("document ingestion failed")
	return failed, cause
}

// reclaim rolls back an abandoned processing record and re-enters it through
// pending.
func (p *Pipeline) reclaim(ctx context.Context, doc models.Document) (models.Document, error) {
	log := p.log.WithFields(logrus.Fields{"document_id": doc.DocumentID, "collection": doc.Collection})
	cause := ragerr.AtStage(doc.DocumentID, ragerr.StageRecover, errors.New("previous ingestion attempt interrupted"))
	failed, _ := p.fail(ctx, doc, cause, log)
	if failed.Status != models.StatusFailed {
		return failed, fmt.Errorf("%w: could not take over document %s", ragerr.ErrInvalidTransition, doc.DocumentID)
	}
	log.Info("took over interrupted ingestion")
	return p.store.Transition(ctx, doc.DocumentID, models.StatusPending, nil)
}

// Delete removes a document's chunks and then its record.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	unlock, err := p.locks.Lock(ctx, documentID)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := p.store.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if err := p.index.DeleteDocument(ctx, doc.Collection, documentID); err != nil && !errors.Is(err, ragerr.ErrCollectionNotFound) {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	if err := p.store.Delete(ctx, documentID); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"document_id": documentID, "collection": doc.Collection}).Info("document deleted")
	return nil
}

// RecoverInterrupted fails documents left in processing by a crashed run.
// Call it before any ingestion starts in this process.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := p.store.List(ctx, "", models.StatusProcessing)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range stuck {
		cause := ragerr.AtStage(doc.DocumentID, ragerr.StageRecover, errors.New("ingestion interrupted"))
		failed, _ := p.fail(ctx, doc, cause, p.log.WithField("document_id", doc.DocumentID))
		if failed.Status == models.StatusFailed {
			n++
		}
	}
	if n > 0 {
		p.log.WithField("documents", n).Warn("recovered interrupted ingestions")
	}
	return n, nil
}

// Stats reports the recorded schema and sizes of a collection.
func (p *Pipeline) Stats(ctx context.Context, collection string) (models.CollectionStats, error) {
	if collection == "" {
		collection = p.opts.Collection
	}
	schema, err := p.index.Collection(ctx, collection)
	if err != nil {
		return models.CollectionStats{}, err
	}
	count, err := p.index.Count(ctx, collection)
	if err != nil {
		return models.CollectionStats{}, err
	}
	docs, err := p.store.List(ctx, collection, models.StatusIndexed)
	if err != nil {
		return models.CollectionStats{}, err
	}
	return models.CollectionStats{
		Name:       schema.Collection,
		EmbedModel: schema.EmbedModel,
		Dimension:  schema.Dimension,
		Metric:     string(schema.Metric),
		Count:      count,
		Documents:  len(docs),
	}, nil
}

// DropCollection clears a collection from the index together with the
// records of every document that belonged to it.
func (p *Pipeline) DropCollection(ctx context.Context, collection string) (int, error) {
	if collection == "" {
		return 0, fmt.Errorf("%w: collection is required", ragerr.ErrInvalidInput)
	}
	docs, err := p.store.List(ctx, collection, "")
	if err != nil {
		return 0, err
	}
	if err := p.index.DropCollection(ctx, collection); err != nil && !errors.Is(err, ragerr.ErrCollectionNotFound) {
		return 0, err
	}
	removed := 0
	for _, doc := range docs {
		unlock, err := p.locks.Lock(ctx, doc.DocumentID)
		if err != nil {
			return removed, err
		}
		err = p.store.Delete(ctx, doc.DocumentID)
		unlock()
		if err != nil && !errors.Is(err, ragerr.ErrDocumentNotFound) {
			return removed, err
		}
		removed++
	}
	p.log.WithFields(logrus.Fields{"collection": collection, "documents": removed}).Warn("collection dropped")
	return removed, nil
}
