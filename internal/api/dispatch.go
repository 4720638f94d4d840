package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tclient "go.temporal.io/sdk/client"

	"ragengine/internal/ingest"
	"ragengine/internal/models"
	"ragengine/internal/ragerr"
	"ragengine/internal/storage"
	"ragengine/internal/workflows"
)

// Dispatcher hands documents to whatever runs ingestion.
type Dispatcher interface {
	Dispatch(ctx context.Context, documentID string, force bool) error
	// Backfill re-ingests a collection and returns a run handle.
	Backfill(ctx context.Context, collection, mode string) (string, error)
}

// StatusQuerier is implemented by dispatchers that can report live progress.
type StatusQuerier interface {
	IngestStatus(ctx context.Context, documentID string) (workflows.IngestStatus, error)
}

type documentIngester interface {
	Ingest(ctx context.Context, documentID string, opts ingest.IngestOptions) (models.Document, error)
}

// InlineDispatcher runs ingestion in background goroutines of this process.
type InlineDispatcher struct {
	ingester documentIngester
	store    storage.DocumentStore
	timeout  time.Duration
	log      logrus.FieldLogger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInlineDispatcher(ingester documentIngester, store storage.DocumentStore, timeout time.Duration, log logrus.FieldLogger) *InlineDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	return &InlineDispatcher{
		ingester: ingester,
		store:    store,
		timeout:  timeout,
		log:      log.WithField("component", "dispatch"),
		base:     base,
		cancel:   cancel,
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, documentID string, force bool) error {
	if err := d.base.Err(); err != nil {
		return fmt.Errorf("dispatcher closed: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(documentID, force)
	}()
	return nil
}

func (d *InlineDispatcher) run(documentID string, force bool) {
	ctx := d.base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	doc, err := d.ingester.Ingest(ctx, documentID, ingest.IngestOptions{Force: force})
	log := d.log.WithField("document_id", documentID)
	if err != nil {
		log.WithError(err).Warn("background ingestion failed")
		return
	}
	log.WithField("chunks", doc.ChunkCount).Debug("background ingestion finished")
}

func (d *InlineDispatcher) Backfill(ctx context.Context, collection, mode string) (string, error) {
	status, force, err := backfillFilter(mode)
	if err != nil {
		return "", err
	}
	docs, err := d.store.List(ctx, collection, status)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Status != models.StatusProcessing {
			ids = append(ids, doc.DocumentID)
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, id := range ids {
			if d.base.Err() != nil {
				return
			}
			d.run(id, force)
		}
		d.log.WithFields(logrus.Fields{"run_id": runID, "documents": len(ids), "mode": mode}).Info("backfill finished")
	}()
	return runID, nil
}

// Close cancels running ingestions and waits for them to record their outcome.
func (d *InlineDispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Wait blocks until every dispatched ingestion has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// TemporalDispatcher starts one workflow per document, keyed by document id.
type TemporalDispatcher struct {
	client      tclient.Client
	taskQueue   string
	timeoutSecs int
	maxChildren int
}

func NewTemporalDispatcher(c tclient.Client, taskQueue string, timeoutSecs, maxChildren int) *TemporalDispatcher {
	return &TemporalDispatcher{client: c, taskQueue: taskQueue, timeoutSecs: timeoutSecs, maxChildren: maxChildren}
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, documentID string, force bool) error {
	_, err := d.client.ExecuteWorkflow(ctx, tclient.StartWorkflowOptions{
		ID:                                       workflows.IngestWorkflowID(documentID),
		TaskQueue:                                d.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.DocumentIngestWorkflow, workflows.DocumentIngestInput{
		DocumentID:     documentID,
		Force:          force,
		TimeoutSeconds: d.timeoutSecs,
	})
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return fmt.Errorf("%w: ingestion of %s is already running", ragerr.ErrInvalidTransition, documentID)
	}
	return err
}

func (d *TemporalDispatcher) Backfill(ctx context.Context, collection, mode string) (string, error) {
	if _, _, err := backfillFilter(mode); err != nil {
		return "", err
	}
	we, err := d.client.ExecuteWorkflow(ctx, tclient.StartWorkflowOptions{
		ID:        "backfill-" + collection + "-" + uuid.NewString(),
		TaskQueue: d.taskQueue,
	}, workflows.BackfillWorkflow, workflows.BackfillInput{
		Collection:            collection,
		Mode:                  mode,
		MaxConcurrentChildren: d.maxChildren,
		TimeoutSeconds:        d.timeoutSecs,
	})
	if err != nil {
		return "", err
	}
	return we.GetID(), nil
}

func (d *TemporalDispatcher) IngestStatus(ctx context.Context, documentID string) (workflows.IngestStatus, error) {
	var status workflows.IngestStatus
	resp, err := d.client.QueryWorkflow(ctx, workflows.IngestWorkflowID(documentID), "", workflows.QueryGetIngestStatus)
	if err != nil {
		return status, err
	}
	err = resp.Get(&status)
	return status, err
}

func backfillFilter(mode string) (models.DocumentStatus, bool, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case workflows.BackfillRetryFailed:
		return models.StatusFailed, false, nil
	case workflows.BackfillReindexAll:
		return "", true, nil
	default:
		return "", false, fmt.Errorf("%w: unsupported backfill mode %q", ragerr.ErrInvalidInput, mode)
	}
}
