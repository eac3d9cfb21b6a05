package gpt

import (
	"context"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// GenerateOptions configures Generate.
type GenerateOptions struct {
	// MaxNewTokens is the exact number of tokens appended.
	MaxNewTokens int
	// Temperature divides the logits; values <= 0 are treated as 1.
	Temperature float32
	// TopK keeps the k highest logits per step; 0 disables truncation.
	TopK int
}

// Generate extends tokens by opts.MaxNewTokens sampled ids and returns the
// whole sequence, prompt included.
//
// Each step attends over the last BlockSize ids only. Dropout is always off.
// Output is random unless src is seeded identically; temperature 0 does not
// mean greedy decoding. ctx is checked between steps.
func (model *Model) Generate(ctx context.Context, tokens []int32, opts GenerateOptions, src rand.Source) ([]int32, error) {
	seq := make([]int32, len(tokens), len(tokens)+max(opts.MaxNewTokens, 0))
	copy(seq, tokens)
	if opts.MaxNewTokens <= 0 {
		return seq, nil
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("generate needs at least one prompt token")
	}
	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		window := seq
		if len(window) > model.Config.BlockSize {
			window = window[len(window)-model.Config.BlockSize:]
		}
		out, err := model.forward(window, nil, 1, len(window), false)
		if err != nil {
			return nil, fmt.Errorf("generate step %d: %w", step, err)
		}
		probs := NextTokenProbabilities(out.At(0, len(window)-1), opts.Temperature, opts.TopK)
		if !isDistribution(probs) {
			return nil, fmt.Errorf("generate step %d: %w", step, ErrNonFiniteLogits)
		}
		seq = append(seq, SampleToken(probs, src))
	}
	return seq, nil
}

// NextTokenProbabilities turns final-position logits into the sampling
// distribution: temperature scaling, top-k truncation, softmax. Scaling is
// done in float64 so tiny temperatures cannot overflow.
func NextTokenProbabilities(logits []float32, temperature float32, topK int) []float64 {
	temp := float64(temperature)
	if temp <= 0 || math.IsNaN(temp) {
		temp = 1.0
	}
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = float64(l) / temp
	}
	if topK > 0 && topK < len(probs) {
		sorted := slices.Clone(probs)
		floats.Argsort(sorted, make([]int, len(sorted)))
		kth := sorted[len(sorted)-topK]
		for i, l := range probs {
			if l < kth {
				probs[i] = math.Inf(-1)
			}
		}
	}
	maxval := floats.Max(probs)
	for i, l := range probs {
		probs[i] = math.Exp(l - maxval)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// isDistribution reports whether probs is finite, non-negative and has a
// positive sum, which distuv.Categorical needs to sample without panicking.
func isDistribution(probs []float64) bool {
	var sum float64
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return false
		}
		sum += p
	}
	return sum > 0
}

// SampleToken draws one id from the categorical distribution probs.
func SampleToken(probs []float64, src rand.Source) int32 {
	return int32(distuv.NewCategorical(probs, src).Rand())
}
