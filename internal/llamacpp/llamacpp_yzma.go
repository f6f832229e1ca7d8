//go:build yzma

package llamacpp

import (
	"math"
	"path/filepath"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	initOnce sync.Once
	initErr  error
)

// Available reports whether llama.cpp support is compiled in.
func Available() bool {
	return true
}

// Init loads the shared libraries once per process.
func Init() error {
	initOnce.Do(func() {
		dir := LibraryDir()
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		if err := llama.Load(dir); err != nil {
			initErr = errors.Wrapf(err, "could not load llama.cpp from %s", dir)
			return
		}
		llama.Init()
		log.Info().
			Str("lib", dir).
			Bool("gpu_offload", llama.SupportsGpuOffload()).
			Msg("Loaded llama.cpp")
	})
	return initErr
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= n
	}
}
