// Package embeddings turns text into vectors for similar-sentence retrieval.
package embeddings

import (
	"context"
	"io"
)

// EmbeddingModel describes the model behind a provider.
type EmbeddingModel struct {
	Name       string
	Dimensions int
}

// Provider generates embedding vectors.
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// GenerateBatchEmbeddings returns one vector per text, in order.
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	GetModel() EmbeddingModel
}

// Close releases the provider's resources if it holds any.
func Close(p Provider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
