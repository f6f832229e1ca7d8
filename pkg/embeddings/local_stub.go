//go:build !yzma

package embeddings

import (
	"context"

	"github.com/go-go-golems/sentinel/internal/llamacpp"
)

type LocalProvider struct{}

var _ Provider = &LocalProvider{}

func NewLocalProvider(path string, useCPU bool) (*LocalProvider, error) {
	return nil, llamacpp.ErrUnavailable
}

func (p *LocalProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, llamacpp.ErrUnavailable
}

func (p *LocalProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, llamacpp.ErrUnavailable
}

func (p *LocalProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{}
}
