//go:build yzma

package embeddings

import (
	"context"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/internal/llamacpp"
)

// LocalProvider embeds text with a GGUF model through llama.cpp. The model
// stays loaded, each call gets its own context.
type LocalProvider struct {
	mu    sync.Mutex
	model llama.Model
	name  string
	dims  int
}

var _ Provider = &LocalProvider{}

// NewLocalProvider loads the GGUF file at path, or the first one found when
// path is a directory.
func NewLocalProvider(path string, useCPU bool) (*LocalProvider, error) {
	if err := llamacpp.Init(); err != nil {
		return nil, err
	}
	file, err := resolveModelFile(path)
	if err != nil {
		return nil, err
	}

	params := llama.ModelDefaultParams()
	if useCPU || !llama.SupportsGpuOffload() {
		params.NGpuLayers = 0
	} else {
		params.NGpuLayers = 999
	}
	model, err := llama.ModelLoadFromFile(file, params)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load embedding model %s", file)
	}

	dims := int(llama.ModelNEmbd(model))
	if dims == 0 {
		llama.ModelFree(model)
		return nil, errors.Errorf("embedding model %s reports no dimensions", file)
	}
	name := llama.ModelDesc(model)
	if name == "" {
		name = file
	}
	log.Info().Str("model", name).Int("dimensions", dims).Bool("cpu", params.NGpuLayers == 0).Msg("Loaded embedding model")

	return &LocalProvider{model: model, name: name, dims: dims}, nil
}

func (p *LocalProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	params := llama.ContextDefaultParams()
	params.Embeddings = 1
	lctx, err := llama.InitFromModel(p.model, params)
	if err != nil {
		return nil, errors.Wrap(err, "could not create embedding context")
	}
	defer llama.Free(lctx)

	tokens := llama.Tokenize(llama.ModelGetVocab(p.model), text, true, false)
	if len(tokens) == 0 {
		return nil, errors.New("text produced no tokens")
	}
	if _, err := llama.Encode(lctx, llama.BatchGetOne(tokens)); err != nil {
		return nil, errors.Wrap(err, "could not encode text")
	}

	emb, err := llama.GetEmbeddings(lctx, 1, p.dims)
	if err != nil {
		return nil, errors.Wrap(err, "could not read embeddings")
	}
	ret := make([]float32, len(emb))
	copy(ret, emb)
	llamacpp.Normalize(ret)
	return ret, nil
}

func (p *LocalProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return DefaultGenerateBatchEmbeddings(ctx, p, texts)
}

func (p *LocalProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{Name: p.name, Dimensions: p.dims}
}

func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return llama.ModelFree(p.model)
}
