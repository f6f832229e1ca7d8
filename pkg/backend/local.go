package backend

import (
	"fmt"

	"github.com/go-go-golems/sentinel/pkg/sampling"
)

// localIgnoredSettings names the sampling settings the in-process sampler
// chain cannot apply. The llama.cpp default chain has no mirostat stage, so
// mirostat profiles fall back to top-k/top-p/min-p/temperature sampling.
func localIgnoredSettings(cfg sampling.Config) []string {
	var ignored []string
	if cfg.Mirostat != 0 {
		ignored = append(ignored, fmt.Sprintf("mirostat %d (tau %.2f, eta %.2f)", cfg.Mirostat, cfg.MirostatTau, cfg.MirostatEta))
	}
	return ignored
}
