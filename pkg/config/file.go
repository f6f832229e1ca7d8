package config

import (
	"os"
	"strings"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1

	DefaultDisplayName         = "USER"
	DefaultTextToTokenRatio    = 3.0
	DefaultMaximumNewTokens    = 150
	DefaultThreadCount         = 8
	DefaultBatchSize           = 8
	DefaultFileBatchSize       = 512
	DefaultSimilarSentences    = 3
	DefaultRemoteTimeoutSecond = 60 * 120
	DefaultRemoteRetries       = 2
)

type RemoteAPI string

const (
	RemoteAPIKobold RemoteAPI = "kobold"
	RemoteAPIOpenAI RemoteAPI = "openai"
)

type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
)

// File is the application configuration file.
type File struct {
	Version int `yaml:"version"`

	// DisplayName is the user's name in chat logs and prompts.
	DisplayName string `yaml:"display_name"`

	// StopOnDisplayName enables stop sequences and the stop-on-name trim of
	// generated text.
	StopOnDisplayName bool `yaml:"stop_on_display_name"`

	// TextToTokenRatio is the average number of characters per token, used
	// to turn the token budget into a character budget for chat history.
	TextToTokenRatio *float64 `yaml:"text_to_token_ratio_prediction,omitempty"`

	MaximumNewTokens *int  `yaml:"maximum_new_tokens,omitempty"`
	UseGPU           *bool `yaml:"use_gpu,omitempty"`
	ThreadCount      *int  `yaml:"thread_count,omitempty"`
	BatchSize        *int  `yaml:"batch_size,omitempty"`

	// RemoteRequireHTTPS rejects plain http remote_server URLs.
	RemoteRequireHTTPS bool `yaml:"remote_require_https,omitempty"`

	Parameters     []SamplingProfile `yaml:"parameters"`
	Models         []ModelProfile    `yaml:"models"`
	EmbeddingModel *EmbeddingModel   `yaml:"embedding_model,omitempty"`
}

// ModelProfile describes one model, run either in process from Path or by
// a remote server at RemoteServer.
type ModelProfile struct {
	Name string `yaml:"name"`

	Path string `yaml:"path,omitempty"`

	RemoteServer   string    `yaml:"remote_server,omitempty"`
	RemoteAPI      RemoteAPI `yaml:"remote_api,omitempty"`
	RemoteModel    string    `yaml:"remote_model,omitempty"`
	RemoteAPIKey   string    `yaml:"remote_api_key,omitempty"`
	RemoteTimeoutS *uint64   `yaml:"remote_timeout_s,omitempty"`
	RemoteRetries  *int      `yaml:"remote_retries,omitempty"`

	ContextSize int `yaml:"context_size"`

	// SimilarSentenceCount is how many similar turns fill
	// <|similar_sentences|>.
	SimilarSentenceCount *int `yaml:"similar_sentence_count,omitempty"`

	GPULayerCount *int   `yaml:"gpu_layer_count,omitempty"`
	Seed          *int32 `yaml:"seed,omitempty"`

	PromptInstructTemplate string `yaml:"prompt_instruct_template"`
}

// SamplingProfile is a named set of generation hyperparameters. Setting
// Mirostat to 1 or 2 disables the classical knobs.
type SamplingProfile struct {
	Name               string   `yaml:"name"`
	TopK               *int     `yaml:"top_k,omitempty"`
	TopP               *float32 `yaml:"top_p,omitempty"`
	MinP               *float32 `yaml:"min_p,omitempty"`
	RepeatPenalty      *float32 `yaml:"repeat_penalty,omitempty"`
	RepeatPenaltyRange *int     `yaml:"repeat_penalty_range,omitempty"`
	Temperature        *float32 `yaml:"temperature,omitempty"`
	Mirostat           *int     `yaml:"mirostat,omitempty"`
	MirostatEta        *float32 `yaml:"mirostat_eta,omitempty"`
	MirostatTau        *float32 `yaml:"mirostat_tau,omitempty"`
}

type EmbeddingProvider string

const (
	EmbeddingProviderLocal  EmbeddingProvider = "local"
	EmbeddingProviderOllama EmbeddingProvider = "ollama"
	EmbeddingProviderOpenAI EmbeddingProvider = "openai"
)

// EmbeddingModel configures the model used for similar-sentence retrieval.
type EmbeddingModel struct {
	Provider EmbeddingProvider `yaml:"provider,omitempty"`
	// DirPath is the GGUF embedding model loaded by the local provider.
	DirPath string `yaml:"dir_path,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`

	// TokenCutoffLimit is the embedding model's input size in tokens; text
	// is chunked to stay below it.
	TokenCutoffLimit int  `yaml:"token_cutoff_limit"`
	UseCPU           bool `yaml:"use_cpu"`

	QueryPretext  *string `yaml:"query_pretext,omitempty"`
	EncodePretext *string `yaml:"encode_pretext,omitempty"`

	CacheSize    int    `yaml:"cache_size,omitempty"`
	DiskCacheDir string `yaml:"disk_cache_dir,omitempty"`
}

func Default() *File {
	useGPU := false
	threads := DefaultThreadCount
	batch := DefaultFileBatchSize
	return &File{
		Version:           CurrentVersion,
		DisplayName:       DefaultDisplayName,
		StopOnDisplayName: true,
		UseGPU:            &useGPU,
		ThreadCount:       &threads,
		BatchSize:         &batch,
		Parameters:        []SamplingProfile{},
		Models:            []ModelProfile{},
	}
}

// Parse decodes YAML on top of Default, so absent keys keep their defaults.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "could not parse configuration")
	}
	return f, nil
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read configuration")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return f, nil
}

func (f *File) Clone() *File {
	return clone.Clone(f).(*File)
}

func (f *File) Ratio() float64 {
	if f.TextToTokenRatio == nil || *f.TextToTokenRatio <= 0 {
		return DefaultTextToTokenRatio
	}
	return *f.TextToTokenRatio
}

func (f *File) MaxNewTokens() int {
	if f.MaximumNewTokens == nil || *f.MaximumNewTokens <= 0 {
		return DefaultMaximumNewTokens
	}
	return *f.MaximumNewTokens
}

func (f *File) GPUEnabled() bool {
	return f.UseGPU != nil && *f.UseGPU
}

func (f *File) Threads() int {
	if f.ThreadCount == nil || *f.ThreadCount <= 0 {
		return DefaultThreadCount
	}
	return *f.ThreadCount
}

func (f *File) Batch() int {
	if f.BatchSize == nil || *f.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return *f.BatchSize
}

// FindModel returns the model whose name matches nameOrPath, or whose local
// path matches it, ignoring case.
func (f *File) FindModel(nameOrPath string) (*ModelProfile, error) {
	for i := range f.Models {
		m := &f.Models[i]
		if strings.EqualFold(m.Name, nameOrPath) {
			return m.Clone(), nil
		}
		if m.Path != "" && strings.EqualFold(m.Path, nameOrPath) {
			return m.Clone(), nil
		}
	}
	return nil, &NotFoundError{Kind: "model", Name: nameOrPath}
}

func (f *File) FindParameters(name string) (*SamplingProfile, error) {
	for i := range f.Parameters {
		if strings.EqualFold(f.Parameters[i].Name, name) {
			return f.Parameters[i].Clone(), nil
		}
	}
	return nil, &NotFoundError{Kind: "parameters", Name: name}
}

// Validate checks that every model can be served.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for i := range f.Models {
		m := &f.Models[i]
		if m.Name == "" {
			return &ValidationError{Field: "models", Reason: "model without a name"}
		}
		key := strings.ToLower(m.Name)
		if seen[key] {
			return &ValidationError{Field: "models." + m.Name, Reason: "duplicate model name"}
		}
		seen[key] = true
		if err := m.Validate(); err != nil {
			return err
		}
	}
	if e := f.EmbeddingModel; e != nil {
		switch e.Provider {
		case "", EmbeddingProviderLocal:
			if e.DirPath == "" {
				return &ValidationError{Field: "embedding_model.dir_path", Reason: "required for the local provider"}
			}
		case EmbeddingProviderOllama, EmbeddingProviderOpenAI:
		default:
			return &ValidationError{Field: "embedding_model.provider", Reason: "unknown provider " + string(e.Provider)}
		}
	}
	return nil
}

func (m *ModelProfile) Clone() *ModelProfile {
	return clone.Clone(m).(*ModelProfile)
}

// Strategy reports whether the model runs in process or remotely. Exactly
// one of path and remote_server must be set.
func (m *ModelProfile) Strategy() (Strategy, error) {
	switch {
	case m.Path != "" && m.RemoteServer != "":
		return "", &ValidationError{Field: "models." + m.Name, Reason: "both path and remote_server are set"}
	case m.Path != "":
		return StrategyLocal, nil
	case m.RemoteServer != "":
		return StrategyRemote, nil
	}
	return "", &ValidationError{Field: "models." + m.Name, Reason: "neither path nor remote_server is set"}
}

func (m *ModelProfile) Validate() error {
	if _, err := m.Strategy(); err != nil {
		return err
	}
	if m.ContextSize <= 0 {
		return &ValidationError{Field: "models." + m.Name + ".context_size", Reason: "must be positive"}
	}
	switch m.RemoteAPI {
	case "", RemoteAPIKobold, RemoteAPIOpenAI:
	default:
		return &ValidationError{Field: "models." + m.Name + ".remote_api", Reason: "unknown api " + string(m.RemoteAPI)}
	}
	return nil
}

func (m *ModelProfile) API() RemoteAPI {
	if m.RemoteAPI == "" {
		return RemoteAPIKobold
	}
	return m.RemoteAPI
}

func (m *ModelProfile) TimeoutSeconds() uint64 {
	if m.RemoteTimeoutS == nil || *m.RemoteTimeoutS == 0 {
		return DefaultRemoteTimeoutSecond
	}
	return *m.RemoteTimeoutS
}

func (m *ModelProfile) Retries() int {
	if m.RemoteRetries == nil || *m.RemoteRetries < 0 {
		return DefaultRemoteRetries
	}
	return *m.RemoteRetries
}

func (m *ModelProfile) SimilarCount() int {
	if m.SimilarSentenceCount == nil || *m.SimilarSentenceCount < 0 {
		return DefaultSimilarSentences
	}
	return *m.SimilarSentenceCount
}

func (p *SamplingProfile) Clone() *SamplingProfile {
	return clone.Clone(p).(*SamplingProfile)
}

func (e *EmbeddingModel) ProviderName() EmbeddingProvider {
	if e.Provider == "" {
		return EmbeddingProviderLocal
	}
	return e.Provider
}

func (e *EmbeddingModel) Query() string {
	if e.QueryPretext == nil {
		return ""
	}
	return *e.QueryPretext
}

func (e *EmbeddingModel) Encode() string {
	if e.EncodePretext == nil {
		return ""
	}
	return *e.EncodePretext
}
