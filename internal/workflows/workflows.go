package workflows

import (
	"fmt"
	"strings"
	"time"

	"ragengine/internal/activities"
	"ragengine/internal/models"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	QueryGetIngestStatus = "GetIngestStatus"
	QueryGetProgress     = "GetProgress"
)

// IngestWorkflowID is the workflow id used for a document's ingestion, so a
// second start for the same document collides with the running one.
func IngestWorkflowID(documentID string) string {
	return "ingest-" + sanitizeID(documentID)
}

func DocumentIngestWorkflow(ctx workflow.Context, input DocumentIngestInput) (string, error) {
	status := IngestStatus{
		DocumentID:  input.DocumentID,
		CurrentStep: "init",
		Status:      string(models.StatusPending),
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetIngestStatus, func() (IngestStatus, error) {
		return status, nil
	}); err != nil {
		return "", err
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: durationOrDefault(input.TimeoutSeconds, 900),
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        2 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        20 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{"DocumentNotFound"},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	status.CurrentStep = "ingest"
	status.Status = string(models.StatusProcessing)
	var out activities.IngestDocumentOutput
	if err := workflow.ExecuteActivity(ctx, "IngestDocumentActivity", activities.IngestDocumentInput{
		DocumentID: input.DocumentID,
		Force:      input.Force,
	}).Get(ctx, &out); err != nil {
		status.Status = string(models.StatusFailed)
		status.FailReason = err.Error()
		return "", err
	}
	status.Status = out.Status
	status.ChunkCount = out.ChunkCount
	status.EmbedModel = out.EmbedModel
	status.FailStage = out.FailStage
	status.FailReason = out.FailReason

	status.CurrentStep = "report"
	_ = workflow.ExecuteActivity(ctx, "WriteIngestReportActivity", activities.WriteIngestReportInput{
		DocumentID: input.DocumentID,
		Report: map[string]any{
			"document_id":  input.DocumentID,
			"status":       out.Status,
			"chunk_count":  out.ChunkCount,
			"embed_model":  out.EmbedModel,
			"fail_stage":   out.FailStage,
			"fail_reason":  out.FailReason,
			"generated_at": workflow.Now(ctx),
		},
	}).Get(ctx, nil)
	status.CurrentStep = "done"

	if status.Status != string(models.StatusIndexed) {
		status.Status = string(models.StatusFailed)
	}
	return status.Status, nil
}

// BackfillWorkflow re-runs ingestion over a collection in bounded batches of
// child workflows and records a run manifest.
func BackfillWorkflow(ctx workflow.Context, input BackfillInput) (string, error) {
	mode := strings.ToUpper(strings.TrimSpace(input.Mode))
	progress := BackfillProgress{
		Collection:    input.Collection,
		Mode:          mode,
		PerDocument:   map[string]string{},
		ChildWorkflow: map[string]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetProgress, func() (BackfillProgress, error) {
		return progress, nil
	}); err != nil {
		return "", err
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	runID := workflow.GetInfo(ctx).WorkflowExecution.RunID

	var list activities.ListDocumentsInput
	force := false
	switch mode {
	case BackfillRetryFailed:
		list = activities.ListDocumentsInput{Collection: input.Collection, Status: string(models.StatusFailed)}
	case BackfillReindexAll:
		list = activities.ListDocumentsInput{Collection: input.Collection}
		force = true
	default:
		return "", temporal.NewNonRetryableApplicationError(fmt.Sprintf("unsupported backfill mode: %s", input.Mode), "InvalidInput", nil)
	}
	started := workflow.Now(ctx)

	var listOut activities.ListDocumentsOutput
	if err := workflow.ExecuteActivity(ctx, "ListDocumentsActivity", list).Get(ctx, &listOut); err != nil {
		return "", err
	}
	var ids []string
	for _, d := range listOut.Documents {
		// a document already being processed is left to its own run
		if d.Status == string(models.StatusProcessing) {
			continue
		}
		ids = append(ids, d.DocumentID)
	}
	progress.Total = len(ids)
	maxChildren := defaultCount(input.MaxConcurrentChildren, 3)

	for i := 0; i < len(ids); i += maxChildren {
		end := min(i+maxChildren, len(ids))
		futures := make([]workflow.ChildWorkflowFuture, 0, end-i)
		for _, id := range ids[i:end] {
			progress.PerDocument[id] = string(models.StatusProcessing)
			workflowID := IngestWorkflowID(id)
			childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{WorkflowID: workflowID})
			futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, DocumentIngestWorkflow, DocumentIngestInput{
				DocumentID:     id,
				Force:          force,
				TimeoutSeconds: input.TimeoutSeconds,
			}))
			progress.ChildWorkflow[id] = workflowID
		}
		for idx, f := range futures {
			id := ids[i+idx]
			var childStatus string
			if err := f.Get(ctx, &childStatus); err != nil {
				progress.Failed++
				progress.PerDocument[id] = string(models.StatusFailed)
				continue
			}
			if childStatus != string(models.StatusIndexed) {
				progress.Failed++
			}
			progress.Done++
			progress.PerDocument[id] = childStatus
		}
	}

	var out activities.WriteReportOutput
	if err := workflow.ExecuteActivity(ctx, "WriteRunManifestActivity", activities.WriteRunManifestInput{
		Collection: input.Collection,
		RunID:      runID,
		Manifest: map[string]any{
			"run_id":       runID,
			"mode":         mode,
			"collection":   input.Collection,
			"total":        progress.Total,
			"done":         progress.Done,
			"failed":       progress.Failed,
			"per_document": progress.PerDocument,
			"started_at":   started,
			"finished_at":  workflow.Now(ctx),
		},
	}).Get(ctx, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}

func durationOrDefault(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func defaultCount(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
