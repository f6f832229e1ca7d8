// Package sampling turns a SamplingProfile into the concrete settings a
// backend generates with. Mirostat (modes 1 and 2) and the classical
// top-k/top-p/min-p/temperature family are mutually exclusive: selecting
// mirostat neutralises the classical knobs whatever the profile says.
package sampling

import (
	"github.com/go-go-golems/sentinel/pkg/config"
)

// Config is the sampler configuration for in-process generation.
type Config struct {
	Seed      int32
	Threads   int
	Batch     int
	MaxTokens int

	TopK        int
	TopP        float32
	MinP        float32
	Temperature float32

	Mirostat    int
	MirostatEta float32
	MirostatTau float32

	RepeatPenalty float32
	RepeatLastN   int
}

// RandomSeed asks the backend to choose a seed.
const RandomSeed int32 = -1

// Defaults mirrors llama.cpp's sampler defaults.
func Defaults() Config {
	return Config{
		Seed:          RandomSeed,
		Threads:       config.DefaultThreadCount,
		Batch:         config.DefaultBatchSize,
		MaxTokens:     config.DefaultMaximumNewTokens,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		Temperature:   0.8,
		Mirostat:      0,
		MirostatEta:   0.1,
		MirostatTau:   5.0,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

// IsMirostat reports whether the profile selects mirostat sampling.
func IsMirostat(p *config.SamplingProfile) bool {
	return p != nil && p.Mirostat != nil && (*p.Mirostat == 1 || *p.Mirostat == 2)
}

// Apply overlays profile on base. With mirostat 1 or 2, top_k=0,
// top_p=1.0, min_p=0.0 and temperature=1.0 are forced and eta/tau applied;
// otherwise mirostat is 0 and any classical value set in the profile is
// used. Repeat penalty and its window apply in both modes.
func Apply(base Config, p *config.SamplingProfile) Config {
	c := base
	if p == nil {
		return c
	}

	if IsMirostat(p) {
		c.TopK = 0
		c.TopP = 1.0
		c.MinP = 0.0
		c.Temperature = 1.0
		c.Mirostat = *p.Mirostat
		if p.MirostatEta != nil {
			c.MirostatEta = *p.MirostatEta
		}
		if p.MirostatTau != nil {
			c.MirostatTau = *p.MirostatTau
		}
	} else {
		c.Mirostat = 0
		if p.TopK != nil {
			c.TopK = *p.TopK
		}
		if p.TopP != nil {
			c.TopP = *p.TopP
		}
		if p.MinP != nil {
			c.MinP = *p.MinP
		}
		if p.Temperature != nil {
			c.Temperature = *p.Temperature
		}
	}

	if p.RepeatPenalty != nil {
		c.RepeatPenalty = *p.RepeatPenalty
	}
	if p.RepeatPenaltyRange != nil {
		c.RepeatLastN = *p.RepeatPenaltyRange
	}
	return c
}

// ForModel builds the local sampler configuration for a model, taking
// seed, threads, batch and the token cap from the configuration file.
func ForModel(f *config.File, m *config.ModelProfile, p *config.SamplingProfile) Config {
	base := Defaults()
	if m.Seed != nil {
		base.Seed = *m.Seed
	}
	base.Threads = f.Threads()
	base.Batch = f.Batch()
	base.MaxTokens = f.MaxNewTokens()
	return Apply(base, p)
}

// Remote holds the sampling fields of a remote generation request. Nil
// fields are left to the server's defaults.
type Remote struct {
	TopK          *int
	TopP          *float32
	MinP          *float32
	Temperature   *float32
	RepeatPenalty *float32
	RepeatRange   *int
	Mirostat      *int
	MirostatTau   *float32
	MirostatEta   *float32
}

// Flatten applies the same exclusivity rule to the fields sent to a remote
// server: with mirostat the neutral classical values are sent explicitly so
// the server's own defaults cannot re-enable them.
func Flatten(p *config.SamplingProfile) Remote {
	r := Remote{}
	if p == nil {
		return r
	}
	if IsMirostat(p) {
		m := *p.Mirostat
		topK, topP, minP, temp := 0, float32(1.0), float32(0.0), float32(1.0)
		r.Mirostat = &m
		r.TopK, r.TopP, r.MinP, r.Temperature = &topK, &topP, &minP, &temp
		r.MirostatTau = copyFloat(p.MirostatTau)
		r.MirostatEta = copyFloat(p.MirostatEta)
	} else {
		if p.Mirostat != nil {
			off := 0
			r.Mirostat = &off
		}
		r.TopK = copyInt(p.TopK)
		r.TopP = copyFloat(p.TopP)
		r.MinP = copyFloat(p.MinP)
		r.Temperature = copyFloat(p.Temperature)
	}
	r.RepeatPenalty = copyFloat(p.RepeatPenalty)
	r.RepeatRange = copyInt(p.RepeatPenaltyRange)
	return r
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float32) *float32 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
