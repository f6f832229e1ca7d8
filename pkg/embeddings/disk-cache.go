package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DiskCacheEntry is one cached vector, stored as JSON in a file named
// after the SHA-256 of the embedded text.
type DiskCacheEntry struct {
	Embedding  []float32 `json:"embedding"`
	TextPrefix string    `json:"text_prefix"`
}

const textPrefixLength = 100

// DiskCacheProvider persists vectors across runs so chat logs reopened
// later do not need to be embedded again. Least recently read files are
// evicted once the entry or byte limit is exceeded.
type DiskCacheProvider struct {
	provider   Provider
	directory  string
	maxSize    int64
	maxEntries int
	mu         sync.RWMutex
}

var _ Provider = &DiskCacheProvider{}

type DiskCacheOption func(*DiskCacheProvider)

func WithDirectory(dir string) DiskCacheOption {
	return func(p *DiskCacheProvider) {
		if dir != "" {
			p.directory = dir
		}
	}
}

func WithMaxSize(size int64) DiskCacheOption {
	return func(p *DiskCacheProvider) {
		p.maxSize = size
	}
}

func WithMaxEntries(count int) DiskCacheOption {
	return func(p *DiskCacheProvider) {
		p.maxEntries = count
	}
}

// NewDiskCacheProvider caches under the user cache directory, in a folder
// per model, unless WithDirectory says otherwise.
func NewDiskCacheProvider(provider Provider, opts ...DiskCacheOption) (*DiskCacheProvider, error) {
	p := &DiskCacheProvider{
		provider:   provider,
		maxSize:    1 << 30,
		maxEntries: 10000,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.directory == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, errors.Wrap(err, "could not find user cache directory")
		}
		p.directory = filepath.Join(cacheDir, "sentinel_core", "embeddings", provider.GetModel().Name)
	}

	if err := os.MkdirAll(p.directory, 0755); err != nil {
		return nil, errors.Wrap(err, "could not create cache directory")
	}
	return p, nil
}

func (p *DiskCacheProvider) path(text string) string {
	hash := sha256.Sum256([]byte(text))
	return filepath.Join(p.directory, hex.EncodeToString(hash[:]))
}

func (p *DiskCacheProvider) writeEntry(text string, embedding []float32) error {
	prefix := text
	if len(prefix) > textPrefixLength {
		prefix = prefix[:textPrefixLength]
	}
	data, err := json.Marshal(&DiskCacheEntry{Embedding: embedding, TextPrefix: prefix})
	if err != nil {
		return errors.Wrap(err, "could not marshal cache entry")
	}
	return errors.Wrap(os.WriteFile(p.path(text), data, 0644), "could not write cache entry")
}

// readEntry returns nil without error when text is not cached. Unreadable
// entries are removed and treated as missing.
func (p *DiskCacheProvider) readEntry(text string) (*DiskCacheEntry, error) {
	path := p.path(text)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "could not read cache entry")
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)

	var entry DiskCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Debug().Str("path", path).Msg("Removing corrupted embedding cache entry")
		_ = os.Remove(path)
		return nil, nil
	}
	return &entry, nil
}

func (p *DiskCacheProvider) enforceSize() error {
	entries, err := os.ReadDir(p.directory)
	if err != nil {
		return errors.Wrap(err, "could not read cache directory")
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var totalSize int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(p.directory, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		totalSize += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	for i := 0; i < len(files) && (len(files)-i > p.maxEntries || totalSize > p.maxSize); i++ {
		if err := os.Remove(files[i].path); err != nil {
			return errors.Wrap(err, "could not evict cache entry")
		}
		totalSize -= files[i].size
	}
	return nil
}

func (p *DiskCacheProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.mu.RLock()
	entry, err := p.readEntry(text)
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry.Embedding, nil
	}

	embedding, err := p.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeEntry(text, embedding); err != nil {
		return nil, err
	}
	if err := p.enforceSize(); err != nil {
		return nil, err
	}
	return embedding, nil
}

func (p *DiskCacheProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	p.mu.RLock()
	for i, text := range texts {
		entry, err := p.readEntry(text)
		if err != nil {
			p.mu.RUnlock()
			return nil, err
		}
		if entry != nil {
			results[i] = entry.Embedding
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	p.mu.RUnlock()

	if len(missing) == 0 {
		return results, nil
	}
	generated, err := p.provider.GenerateBatchEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for j, embedding := range generated {
		results[missingIdx[j]] = embedding
		if err := p.writeEntry(missing[j], embedding); err != nil {
			return nil, err
		}
	}
	if err := p.enforceSize(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *DiskCacheProvider) GetCachedEntry(text string) (*DiskCacheEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readEntry(text)
}

func (p *DiskCacheProvider) GetModel() EmbeddingModel {
	return p.provider.GetModel()
}

func (p *DiskCacheProvider) Directory() string {
	return p.directory
}

func (p *DiskCacheProvider) Close() error {
	return Close(p.provider)
}

func (p *DiskCacheProvider) ClearCache() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.RemoveAll(p.directory); err != nil {
		return errors.Wrap(err, "could not clear cache")
	}
	return os.MkdirAll(p.directory, 0755)
}
