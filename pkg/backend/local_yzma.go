//go:build yzma

package backend

import (
	"context"
	"strings"
	"time"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/internal/llamacpp"
	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/sampling"
)

// Local runs a GGUF model in process. The model stays loaded until Close,
// each request gets a fresh context.
type Local struct {
	model   llama.Model
	profile *config.ModelProfile
	file    *config.File
}

var _ Backend = &Local{}

// OpenLocal loads m.Path. GPU layers are offloaded only when use_gpu is set.
func OpenLocal(ctx context.Context, f *config.File, m *config.ModelProfile) (Backend, error) {
	if err := llamacpp.Init(); err != nil {
		return nil, errors.Wrap(ErrLocalUnavailable, err.Error())
	}

	params := llama.ModelDefaultParams()
	params.NGpuLayers = 0
	if f.GPUEnabled() {
		params.NGpuLayers = 999
		if m.GPULayerCount != nil {
			params.NGpuLayers = int32(*m.GPULayerCount)
		}
	}

	start := time.Now()
	model, err := llama.ModelLoadFromFile(m.Path, params)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load model %s", m.Path)
	}
	log.Info().
		Str("model", m.Name).
		Str("path", m.Path).
		Int32("gpu_layers", params.NGpuLayers).
		Dur("load_time", time.Since(start)).
		Msg("Loaded local model")

	return &Local{model: model, profile: m.Clone(), file: f.Clone()}, nil
}

func (l *Local) Infer(ctx context.Context, req *Request) (string, error) {
	cfg := sampling.ForModel(l.file, l.profile, req.Sampling)
	if req.MaxNewTokens > 0 {
		cfg.MaxTokens = req.MaxNewTokens
	}
	nCtx := req.ContextTokens
	if nCtx <= 0 {
		nCtx = l.profile.ContextSize
	}

	params := llama.ContextDefaultParams()
	params.NCtx = uint32(nCtx)
	params.NBatch = uint32(cfg.Batch)
	lctx, err := llama.InitFromModel(l.model, params)
	if err != nil {
		return "", errors.Wrap(err, "could not create context")
	}
	defer llama.Free(lctx)

	vocab := llama.ModelGetVocab(l.model)
	tokens := llama.Tokenize(vocab, req.Prompt, true, false)
	if len(tokens) == 0 {
		return "", errors.New("prompt produced no tokens")
	}
	if len(tokens) >= nCtx {
		return "", errors.Errorf("prompt of %d tokens does not fit a context of %d", len(tokens), nCtx)
	}

	start := time.Now()
	for i := 0; i < len(tokens); i += cfg.Batch {
		end := i + cfg.Batch
		if end > len(tokens) {
			end = len(tokens)
		}
		if _, err := llama.Decode(lctx, llama.BatchGetOne(tokens[i:end])); err != nil {
			return "", errors.Wrap(err, "could not decode prompt")
		}
	}
	promptTime := time.Since(start)

	sp := llama.DefaultSamplerParams()
	if cfg.Seed != sampling.RandomSeed {
		sp.Seed = uint32(cfg.Seed)
	}
	sp.TopK = int32(cfg.TopK)
	sp.TopP = cfg.TopP
	sp.MinP = cfg.MinP
	sp.Temp = cfg.Temperature
	sp.PenaltyRepeat = cfg.RepeatPenalty
	sp.PenaltyLastN = int32(cfg.RepeatLastN)
	for _, setting := range localIgnoredSettings(cfg) {
		log.Warn().
			Str("model", l.profile.Name).
			Str("setting", setting).
			Msg("Local sampler does not support this setting, ignoring it")
	}
	sampler := llama.NewSampler(l.model, llama.DefaultSamplers, sp)
	defer llama.SamplerFree(sampler)

	var sb strings.Builder
	buf := make([]byte, 256)
	generated := 0
	start = time.Now()
	for generated < cfg.MaxTokens && len(tokens)+generated < nCtx {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		token := llama.SamplerSample(sampler, lctx, -1)
		if llama.VocabIsEOG(vocab, token) {
			break
		}
		n := llama.TokenToPiece(vocab, token, buf, 0, true)
		piece := string(buf[:n])
		sb.WriteString(piece)
		generated++
		if err := req.fragment(piece); err != nil {
			return "", err
		}
		if _, err := llama.Decode(lctx, llama.BatchGetOne([]llama.Token{token})); err != nil {
			return "", errors.Wrap(err, "could not decode token")
		}
	}
	genTime := time.Since(start)

	tps := 0.0
	if genTime > 0 {
		tps = float64(generated) / genTime.Seconds()
	}
	log.Debug().
		Str("model", l.profile.Name).
		Int("prompt_tokens", len(tokens)).
		Dur("prompt_time", promptTime).
		Int("generated_tokens", generated).
		Dur("generation_time", genTime).
		Float64("tokens_per_second", tps).
		Msg("Local generation finished")

	if sb.Len() == 0 {
		return "", ErrEmptyResult
	}
	return sb.String(), nil
}

func (l *Local) Close() error {
	if err := llama.ModelFree(l.model); err != nil {
		return errors.Wrapf(err, "could not release model %s", l.profile.Name)
	}
	log.Debug().Str("model", l.profile.Name).Msg("Released local model")
	return nil
}
