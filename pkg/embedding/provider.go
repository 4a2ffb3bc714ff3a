package embedding

import "context"

// Task type hints passed to providers that distinguish query and document
// embeddings. Providers that do not care ignore them.
const (
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// Result holds a generated embedding vector.
type Result struct {
	Values []float32
}

// Provider generates text embeddings.
type Provider interface {
	Generate(ctx context.Context, text string, taskType string) (*Result, error)
}
