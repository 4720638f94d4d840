package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ragengine/internal/models"
	"ragengine/internal/providers"
	"ragengine/internal/ragerr"
	"ragengine/internal/retry"
	"ragengine/internal/util"
	"ragengine/internal/vector"
)

const maxTopK = 100

// QueryEmbedder embeds queries in the same space the collection was built in.
type QueryEmbedder interface {
	Model() string
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Budget measures and trims context in the chunker's unit.
type Budget interface {
	Count(text string) int
	Truncate(text string, max int) string
}

// CallRecorder stores an audit row per generation call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec models.LLMCall) error
}

type Options struct {
	Collection      string
	TopK            int
	MaxContextUnits int
	// MaxHistoryTurns defaults to 6 when zero; negative drops history.
	MaxHistoryTurns int
	Retry           retry.Policy
	// Timeout bounds a single generation attempt.
	Timeout time.Duration
}

type Orchestrator struct {
	embedder  QueryEmbedder
	index     vector.Gateway
	generator providers.LLMProvider
	budget    Budget
	recorder  CallRecorder
	opts      Options
	log       logrus.FieldLogger
}

func New(emb QueryEmbedder, index vector.Gateway, gen providers.LLMProvider, budget Budget, opts Options, log logrus.FieldLogger) *Orchestrator {
	if opts.Collection == "" {
		opts.Collection = "documents"
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxContextUnits <= 0 {
		opts.MaxContextUnits = 3000
	}
	if opts.MaxHistoryTurns == 0 {
		opts.MaxHistoryTurns = 6
	}
	if opts.Retry.MaximumAttempts <= 0 {
		opts.Retry = retry.Policy{InitialInterval: 500 * time.Millisecond, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second, MaximumAttempts: 3}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		embedder:  emb,
		index:     index,
		generator: gen,
		budget:    budget,
		opts:      opts,
		log:       log.WithField("component", "rag"),
	}
}

// WithRecorder enables auditing of generation calls.
func (o *Orchestrator) WithRecorder(r CallRecorder) *Orchestrator {
	o.recorder = r
	return o
}

type Request struct {
	Query      string        `json:"query"`
	TopK       int           `json:"top_k,omitempty"`
	History    []models.Turn `json:"history,omitempty"`
	Collection string        `json:"collection,omitempty"`
	RequestID  string        `json:"-"`
}

func (o *Orchestrator) normalize(req Request) (Request, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, fmt.Errorf("%w: query is required", ragerr.ErrInvalidInput)
	}
	if req.Collection == "" {
		req.Collection = o.opts.Collection
	}
	if req.TopK <= 0 {
		req.TopK = o.opts.TopK
	}
	req.TopK = min(req.TopK, maxTopK)
	return req, nil
}

// Search returns the top-k chunks for a query without generating. A missing
// collection yields no results; a collection indexed with another model is
// an error and is never queried.
func (o *Orchestrator) Search(ctx context.Context, req Request) ([]models.RetrievalResult, error) {
	req, err := o.normalize(req)
	if err != nil {
		return nil, err
	}
	return o.retrieve(ctx, req)
}

func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]models.RetrievalResult, error) {
	schema, err := o.index.Collection(ctx, req.Collection)
	if errors.Is(err, ragerr.ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	model := o.embedder.Model()
	if schema.EmbedModel != model {
		return nil, fmt.Errorf("%w: collection %s was indexed with %s, queries use %s",
			ragerr.ErrModelMismatch, req.Collection, schema.EmbedModel, model)
	}
	vec, err := o.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	matches, err := o.index.Query(ctx, req.Collection, vec, req.TopK, vector.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]models.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.RetrievalResult{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			Seq:        m.Seq,
			Filename:   m.Metadata["filename"],
			Text:       m.Text,
			Score:      m.Score,
		})
	}
	return out, nil
}

// assemble fills the context budget in descending score order. Once a chunk
// does not fit, it and every lower-scored chunk are left out; only the top
// chunk is ever truncated.
func (o *Orchestrator) assemble(results []models.RetrievalResult) ([]string, []models.RetrievalResult) {
	var blocks []string
	var used []models.RetrievalResult
	remaining := o.opts.MaxContextUnits
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		cost := o.budget.Count(text)
		if cost > remaining {
			if len(used) > 0 {
				break
			}
			text = o.budget.Truncate(text, remaining)
			if text == "" {
				break
			}
			cost = remaining
		}
		r.Text = text
		used = append(used, r)
		blocks = append(blocks, contextBlock(len(used), r))
		remaining -= cost
	}
	return blocks, used
}

// Answer retrieves context, prompts the generator and returns the answer
// with the chunks that were actually placed in the prompt. With no context
// the answer is still generated but marked ungrounded.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (models.Answer, error) {
	req, err := o.normalize(req)
	if err != nil {
		return models.Answer{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := o.log.WithFields(logrus.Fields{"collection": req.Collection, "request_id": req.RequestID})

	results, err := o.retrieve(ctx, req)
	if err != nil {
		return models.Answer{}, err
	}
	blocks, used := o.assemble(results)
	prompt := buildPrompt(req.Query, blocks, recentTurns(req.History, o.opts.MaxHistoryTurns))

	started := time.Now()
	resp, info, err := o.generate(ctx, prompt, log)
	o.record(ctx, req, info, started, len(used), err, log)
	if err != nil {
		return models.Answer{}, err
	}

	citations := make([]models.Citation, 0, len(used))
	for _, r := range used {
		citations = append(citations, models.Citation{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Seq:        r.Seq,
			Filename:   r.Filename,
			Score:      r.Score,
			Snippet:    util.Snippet(r.Text, req.Query, 0),
		})
	}
	if len(citations) == 0 {
		log.Info("answering without retrieved context")
	}
	return models.Answer{
		Text:       strings.TrimSpace(resp.Text),
		Citations:  citations,
		Grounded:   len(citations) > 0,
		Model:      info.Model,
		EmbedModel: o.embedder.Model(),
		Collection: req.Collection,
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, log logrus.FieldLogger) (providers.GenerateResponse, providers.ProviderInfo, error) {
	var resp providers.GenerateResponse
	var info providers.ProviderInfo
	err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if o.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
			defer cancel()
		}
		var err error
		resp, info, err = o.generator.Generate(callCtx, providers.GenerateRequest{
			Operation: "answer",
			System:    systemPrompt,
			Prompt:    prompt,
		})
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("generation call failed")
		}
		return err
	}, func(err error) bool {
		return ctx.Err() == nil && providers.ClassifyError(err).Retryable()
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, info, fmt.Errorf("generation interrupted: %w", ctxErr)
		}
		return resp, info, fmt.Errorf("%w: %w", ragerr.ErrGenerationServiceUnavailable, err)
	}
	return resp, info, nil
}

func (o *Orchestrator) record(ctx context.Context, req Request, info providers.ProviderInfo, started time.Time, citations int, err error, log logrus.FieldLogger) {
	if o.recorder == nil {
		return
	}
	rec := models.LLMCall{
		CallID:     uuid.NewString(),
		Operation:  "answer",
		Collection: req.Collection,
		Provider:   info.Name,
		Model:      info.Model,
		RequestID:  req.RequestID,
		Status:     "ok",
		LatencyMS:  time.Since(started).Milliseconds(),
		Citations:  citations,
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		rec.Status = "error"
		rec.ErrorType = string(providers.ClassifyError(err))
	}
	if rec.Provider == "" {
		rec.Provider = "unknown"
	}
	if rec.Model == "" {
		rec.Model = "unknown"
	}
	if recErr := o.recorder.RecordCall(context.WithoutCancel(ctx), rec); recErr != nil {
		log.WithError(recErr).Warn("could not record generation call")
	}
}
