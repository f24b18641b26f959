package transformer

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/r0llingclouds/llmOx/utils"
)

var ErrEmptyPrompt = errors.New("empty prompt")

// Selector turns the logits of the last position into the next token id.
type Selector interface {
	Select(logits []float64) int
}

// Greedy always picks the most likely token.
type Greedy struct{}

func (Greedy) Select(logits []float64) int { return utils.Argmax(logits) }

// Sampler draws from softmax(logits/Temperature) after top-k and top-p filtering.
type Sampler struct {
	Temperature float64    // <= 0 means 1
	TopK        int        // <= 0 disables
	TopP        float64    // outside (0,1) disables
	Rng         *rand.Rand // nil draws from a source seeded by the global generator
}

func (s Sampler) Select(logits []float64) int {
	scaled := slices.Clone(logits)
	if s.Temperature > 0 {
		floats.Scale(1/s.Temperature, scaled)
	}
	rng := s.Rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return utils.SampleFromProbs(utils.Softmax(scaled), s.TopK, s.TopP, rng)
}

type GenerateOptions struct {
	MaxNewTokens int
	Selector     Selector // nil means Greedy
	StopTokens   []int    // generation ends when one of these is selected; it is not appended
}

// Generate extends prompt one token at a time. Each step crops the sequence to
// the last ContextLength tokens, runs an inference forward pass and appends
// the token chosen from the last position's logits. The context is checked
// between steps; on cancellation the tokens produced so far are returned with
// the context's error. The returned slice includes the prompt.
func Generate(ctx context.Context, m *Model, prompt []int, opts GenerateOptions) ([]int, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	sel := opts.Selector
	if sel == nil {
		sel = Greedy{}
	}
	out := slices.Clone(prompt)
	L := m.Config.ContextLength
	for range opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		window := out[max(0, len(out)-L):]
		logits, err := m.Forward([][]int{window}, false, nil)
		if err != nil {
			return out, err
		}
		T, _ := logits[0].Dims()
		next := sel.Select(logits[0].RawRowView(T - 1))
		if slices.Contains(opts.StopTokens, next) {
			break
		}
		out = append(out, next)
	}
	return out, nil
}
