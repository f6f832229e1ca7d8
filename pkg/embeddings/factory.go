package embeddings

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/config"
)

var ErrNoModelFile = errors.New("no .gguf model file found")

// NewProviderFromConfig builds the provider named by e, wrapped in an
// in-memory cache and, when DiskCacheDir is set, a disk cache.
func NewProviderFromConfig(e *config.EmbeddingModel) (Provider, error) {
	if e == nil {
		return nil, errors.New("no embedding model configured")
	}

	var base Provider
	switch e.ProviderName() {
	case config.EmbeddingProviderLocal:
		p, err := NewLocalProvider(e.DirPath, e.UseCPU)
		if err != nil {
			return nil, err
		}
		base = p
	case config.EmbeddingProviderOllama:
		base = NewOllamaProvider(e.BaseURL, e.Model, 0)
	case config.EmbeddingProviderOpenAI:
		apiKey := e.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		base = NewOpenAIProvider(apiKey, e.BaseURL, e.Model, 0)
	default:
		return nil, errors.Errorf("unknown embedding provider %q", e.Provider)
	}

	p := base
	if e.DiskCacheDir != "" {
		dc, err := NewDiskCacheProvider(p, WithDirectory(e.DiskCacheDir))
		if err != nil {
			_ = Close(base)
			return nil, err
		}
		p = dc
	}

	log.Debug().
		Str("provider", string(e.ProviderName())).
		Str("model", base.GetModel().Name).
		Str("disk_cache", e.DiskCacheDir).
		Msg("Created embedding provider")
	return NewCachedProvider(p, e.CacheSize), nil
}

func resolveModelFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "could not open embedding model")
	}
	if !info.IsDir() {
		return path, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", errors.Wrap(err, "could not read embedding model directory")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".gguf") {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return "", errors.Wrapf(ErrNoModelFile, "in %s", path)
	}
	sort.Strings(files)
	return filepath.Join(path, files[0]), nil
}
