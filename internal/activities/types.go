package activities

type IngestDocumentInput struct {
	DocumentID string `json:"document_id"`
	Force      bool   `json:"force,omitempty"`
}

type IngestDocumentOutput struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	EmbedModel string `json:"embed_model,omitempty"`
	FailStage  string `json:"fail_stage,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

type ListDocumentsInput struct {
	Collection string `json:"collection"`
	Status     string `json:"status,omitempty"`
}

type DocumentRef struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
}

type ListDocumentsOutput struct {
	Documents []DocumentRef `json:"documents"`
}

type WriteIngestReportInput struct {
	DocumentID string         `json:"document_id"`
	Report     map[string]any `json:"report"`
}

type WriteRunManifestInput struct {
	Collection string         `json:"collection"`
	RunID      string         `json:"run_id"`
	Manifest   map[string]any `json:"manifest"`
}

type WriteReportOutput struct {
	Path string `json:"path"`
}
