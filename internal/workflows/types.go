package workflows

const (
	BackfillRetryFailed = "RETRY_FAILED"
	BackfillReindexAll  = "REINDEX_ALL"
)

type DocumentIngestInput struct {
	DocumentID     string `json:"document_id"`
	Force          bool   `json:"force,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type IngestStatus struct {
	DocumentID  string `json:"document_id"`
	CurrentStep string `json:"current_step"`
	Status      string `json:"status"`
	ChunkCount  int    `json:"chunk_count"`
	EmbedModel  string `json:"embed_model,omitempty"`
	FailStage   string `json:"fail_stage,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`
}

type BackfillInput struct {
	Collection            string `json:"collection"`
	Mode                  string `json:"mode"`
	MaxConcurrentChildren int    `json:"max_concurrent_children"`
	TimeoutSeconds        int    `json:"timeout_seconds,omitempty"`
}

type BackfillProgress struct {
	Collection    string            `json:"collection"`
	Mode          string            `json:"mode"`
	Total         int               `json:"total"`
	Done          int               `json:"done"`
	Failed        int               `json:"failed"`
	PerDocument   map[string]string `json:"per_document"`
	ChildWorkflow map[string]string `json:"child_workflow"`
}
