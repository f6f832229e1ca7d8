package backend

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/config"
)

// Selector keeps at most one backend open and swaps it when a request asks
// for a different model. It is not safe for concurrent use.
type Selector struct {
	factory     Factory
	defaultName string

	active  *config.ModelProfile
	backend Backend
}

func NewSelector(factory Factory, defaultModel string) *Selector {
	return &Selector{factory: factory, defaultName: defaultModel}
}

// Start opens the default model. Failing to do so is fatal for the caller.
func (s *Selector) Start(ctx context.Context, f *config.File) error {
	m, err := f.FindModel(s.defaultName)
	if err != nil {
		return err
	}
	b, err := s.factory.Open(ctx, f, m)
	if err != nil {
		return errors.Wrapf(err, "could not open model %s", m.Name)
	}
	s.active = m
	s.backend = b
	return nil
}

// Active returns the profile currently selected, nil before Start.
func (s *Selector) Active() *config.ModelProfile {
	return s.active
}

// Resolve returns the backend to serve a request with override, swapping
// models when needed. An empty override returns to the default model. It
// returns a nil backend when no model could be opened; the next call tries
// again.
func (s *Selector) Resolve(ctx context.Context, f *config.File, override string) (Backend, *config.ModelProfile) {
	if target := s.target(f, override); target != nil {
		s.swap(ctx, f, target)
		return s.backend, s.active
	}

	if s.backend == nil && s.active != nil {
		b, err := s.factory.Open(ctx, f, s.active)
		if err != nil {
			log.Error().Err(err).Str("model", s.active.Name).Msg("Could not reopen model")
			return nil, s.active
		}
		s.backend = b
	}
	return s.backend, s.active
}

func (s *Selector) target(f *config.File, override string) *config.ModelProfile {
	name := override
	if name == "" {
		name = s.defaultName
	}
	if s.active != nil && strings.EqualFold(s.active.Name, name) {
		return nil
	}

	m, err := f.FindModel(name)
	if err != nil {
		log.Warn().Err(err).Str("model", name).Msg("Requested model not found, keeping the active one")
		return nil
	}
	if s.active != nil && strings.EqualFold(s.active.Name, m.Name) {
		return nil
	}
	return m
}

// swap releases the active backend before opening the target so only one
// model is resident. On failure the previous profile is reopened.
func (s *Selector) swap(ctx context.Context, f *config.File, target *config.ModelProfile) {
	previous := s.active
	s.closeBackend()

	log.Info().Str("from", nameOf(previous)).Str("to", target.Name).Msg("Switching model")
	b, err := s.factory.Open(ctx, f, target)
	if err == nil {
		s.active = target
		s.backend = b
		return
	}
	log.Error().Err(err).Str("model", target.Name).Msg("Could not open model, keeping the previous one")

	if previous == nil {
		return
	}
	b, err = s.factory.Open(ctx, f, previous)
	if err != nil {
		log.Error().Err(err).Str("model", previous.Name).Msg("Could not reopen previous model")
		return
	}
	s.backend = b
}

func (s *Selector) closeBackend() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		log.Warn().Err(err).Str("model", nameOf(s.active)).Msg("Could not close backend")
	}
	s.backend = nil
}

// Close releases the active backend.
func (s *Selector) Close() error {
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

func nameOf(m *config.ModelProfile) string {
	if m == nil {
		return ""
	}
	return m.Name
}
