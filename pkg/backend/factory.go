package backend

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/security"
)

// Factory opens the backend for a model profile. f carries the global
// settings (GPU, threads, batch size, remote host policy).
type Factory interface {
	Open(ctx context.Context, f *config.File, m *config.ModelProfile) (Backend, error)
}

// StandardFactory opens local models through llama.cpp and remote ones
// through the API named by the profile.
type StandardFactory struct {
	HTTPClient    *http.Client
	KoboldOptions []KoboldOption
}

var _ Factory = &StandardFactory{}

func NewStandardFactory() *StandardFactory {
	return &StandardFactory{}
}

func (sf *StandardFactory) Open(ctx context.Context, f *config.File, m *config.ModelProfile) (Backend, error) {
	if m == nil {
		return nil, errors.New("model profile cannot be nil")
	}
	strategy, err := m.Strategy()
	if err != nil {
		return nil, err
	}

	switch strategy {
	case config.StrategyLocal:
		return OpenLocal(ctx, f, m)

	case config.StrategyRemote:
		host, err := security.HostPolicy{RequireHTTPS: f.RemoteRequireHTTPS}.Check(m.RemoteServer)
		if err != nil {
			return nil, errors.Wrapf(err, "model %s", m.Name)
		}
		switch m.API() {
		case config.RemoteAPIKobold:
			opts := append([]KoboldOption{}, sf.KoboldOptions...)
			if sf.HTTPClient != nil {
				opts = append(opts, WithKoboldHTTPClient(sf.HTTPClient))
			}
			return NewKobold(host, m, opts...), nil
		case config.RemoteAPIOpenAI:
			return NewOpenAICompletion(host, m, sf.HTTPClient), nil
		}
		return nil, errors.Errorf("unsupported remote api %s", m.API())
	}

	supported := strings.Join([]string{string(config.StrategyLocal), string(config.StrategyRemote)}, ", ")
	return nil, errors.Errorf("unsupported strategy %s. Supported strategies: %s", strategy, supported)
}
