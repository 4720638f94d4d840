package activities

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"ragengine/internal/ingest"
	"ragengine/internal/models"
	"ragengine/internal/ragerr"
	"ragengine/internal/storage"
	"ragengine/internal/util"
)

// Ingester is the part of the ingestion pipeline activities drive.
type Ingester interface {
	Ingest(ctx context.Context, documentID string, opts ingest.IngestOptions) (models.Document, error)
}

type Activities struct {
	ingester  Ingester
	store     storage.DocumentStore
	reportDir string
}

func New(ingester Ingester, store storage.DocumentStore, reportDir string) *Activities {
	return &Activities{ingester: ingester, store: store, reportDir: reportDir}
}

// IngestDocumentActivity runs the pipeline for one document. Transient
// backend failures are returned so Temporal retries the activity; anything
// else is reported in the output as a failed document.
func (a *Activities) IngestDocumentActivity(ctx context.Context, in IngestDocumentInput) (IngestDocumentOutput, error) {
	logger := activity.GetLogger(ctx)
	doc, err := a.ingester.Ingest(ctx, in.DocumentID, ingestOptions(in, activity.GetInfo(ctx).Attempt))
	out := IngestDocumentOutput{
		DocumentID: in.DocumentID,
		Status:     string(doc.Status),
		ChunkCount: doc.ChunkCount,
		EmbedModel: doc.EmbedModel,
		FailStage:  doc.FailStage,
		FailReason: doc.FailReason,
	}
	if err == nil {
		return out, nil
	}
	switch {
	case errors.Is(err, ragerr.ErrDocumentNotFound):
		return out, temporal.NewNonRetryableApplicationError(err.Error(), "DocumentNotFound", err)
	case errors.Is(err, ragerr.ErrInvalidTransition):
		// another run owns the document right now
		return out, temporal.NewApplicationError(err.Error(), "DocumentBusy", err)
	case ragerr.IsRetryable(err) && ctx.Err() == nil:
		logger.Warn("ingest attempt failed, will retry", "document_id", in.DocumentID, "error", err)
		return out, fmt.Errorf("ingest %s: %w", in.DocumentID, err)
	}
	logger.Warn("document ingestion failed", "document_id", in.DocumentID, "error", err)
	out.Status = string(models.StatusFailed)
	if out.FailReason == "" {
		out.FailReason = err.Error()
	}
	if stage, ok := ragerr.StageOf(err); ok && out.FailStage == "" {
		out.FailStage = string(stage)
	}
	return out, nil
}

// ingestOptions maps an activity attempt onto pipeline options. The workflow
// id admits one run per document, so on a retry a processing record can only
// belong to an earlier attempt that died.
func ingestOptions(in IngestDocumentInput, attempt int32) ingest.IngestOptions {
	return ingest.IngestOptions{Force: in.Force, Reclaim: attempt > 1}
}

func (a *Activities) ListDocumentsActivity(ctx context.Context, in ListDocumentsInput) (ListDocumentsOutput, error) {
	docs, err := a.store.List(ctx, in.Collection, models.DocumentStatus(in.Status))
	if err != nil {
		return ListDocumentsOutput{}, err
	}
	out := ListDocumentsOutput{Documents: make([]DocumentRef, 0, len(docs))}
	for _, d := range docs {
		out.Documents = append(out.Documents, DocumentRef{DocumentID: d.DocumentID, Filename: d.Filename, Status: string(d.Status)})
	}
	return out, nil
}

func (a *Activities) WriteIngestReportActivity(ctx context.Context, in WriteIngestReportInput) (WriteReportOutput, error) {
	_ = ctx
	path := util.SafeJoin(filepath.Join(a.reportDir, "reports"), in.DocumentID+".json")
	if err := util.WriteJSONAtomic(path, in.Report); err != nil {
		return WriteReportOutput{}, err
	}
	return WriteReportOutput{Path: path}, nil
}

func (a *Activities) WriteRunManifestActivity(ctx context.Context, in WriteRunManifestInput) (WriteReportOutput, error) {
	_ = ctx
	dir := util.SafeJoin(filepath.Join(a.reportDir, "runs"), in.Collection)
	path := filepath.Join(util.SafeJoin(dir, in.RunID), "manifest.json")
	if err := util.WriteJSONAtomic(path, in.Manifest); err != nil {
		return WriteReportOutput{}, err
	}
	return WriteReportOutput{Path: path}, nil
}
