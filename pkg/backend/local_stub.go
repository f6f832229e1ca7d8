//go:build !yzma

package backend

import (
	"context"

	"github.com/go-go-golems/sentinel/pkg/config"
)

// OpenLocal always fails in builds without the yzma tag.
func OpenLocal(ctx context.Context, f *config.File, m *config.ModelProfile) (Backend, error) {
	return nil, ErrLocalUnavailable
}
