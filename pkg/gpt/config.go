// Package gpt implements a small character level decoder-only transformer:
// the forward pass, training through a hand written backward pass, and
// autoregressive sampling.
package gpt

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceTooLong is returned by Forward when T exceeds the block size.
	ErrSequenceTooLong = errors.New("sequence longer than block size")
	// ErrInvalidToken is returned when a token id is outside the vocabulary.
	ErrInvalidToken = errors.New("token id outside vocabulary")
	// ErrInvalidConfig is returned for inconsistent hyperparameters.
	ErrInvalidConfig = errors.New("invalid model config")
	// ErrBadCheckpoint is returned when a checkpoint cannot be decoded.
	ErrBadCheckpoint = errors.New("bad checkpoint")
	// ErrNonFiniteLogits is returned by Generate when the model output cannot
	// be turned into a sampling distribution.
	ErrNonFiniteLogits = errors.New("logits do not form a distribution")
)

// Config is the configuration of the model. It is immutable once a model is built.
type Config struct {
	// VocabSize is the number of token ids.
	VocabSize int
	// BlockSize is the maximum number of tokens in one forward pass.
	BlockSize int
	// EmbedDim is the width of every residual stream vector (C).
	EmbedDim int
	// NumLayers is the number of transformer blocks.
	NumLayers int
	// NumHeads is the number of attention heads in each block.
	NumHeads int
	// HiddenMult is the feed-forward expansion factor.
	HiddenMult int
	// Dropout is the drop probability applied after the feed-forward projection while training.
	Dropout float32
	// Causal applies a causal mask in every attention layer.
	Causal bool
}

// DefaultConfig returns the hyperparameters of the reference small model.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize:  vocabSize,
		BlockSize:  128,
		EmbedDim:   256,
		NumLayers:  6,
		NumHeads:   4,
		HiddenMult: 4,
	}
}

// Validate checks if the configuration is valid and consistent.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, c.VocabSize)
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	case c.EmbedDim <= 0:
		return fmt.Errorf("%w: embed_dim must be positive, got %d", ErrInvalidConfig, c.EmbedDim)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: n_layers must be positive, got %d", ErrInvalidConfig, c.NumLayers)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: n_heads must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	case c.EmbedDim%c.NumHeads != 0:
		return fmt.Errorf("%w: embed_dim (%d) must be divisible by n_heads (%d)", ErrInvalidConfig, c.EmbedDim, c.NumHeads)
	case c.HiddenMult <= 0:
		return fmt.Errorf("%w: hidden_mult must be positive, got %d", ErrInvalidConfig, c.HiddenMult)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidConfig, c.Dropout)
	case c.parameterCount() > maxParameters:
		return fmt.Errorf("%w: %.0f parameters exceed the limit of %d", ErrInvalidConfig, c.parameterCount(), maxParameters)
	}
	return nil
}

// maxParameters bounds the size of a model, 4 GiB of float32.
const maxParameters = 1 << 30

// parameterCount is the number of parameters cfg describes. It is computed in
// float64 so dimensions read from a file cannot overflow it.
func (c Config) parameterCount() float64 {
	V, T, C, L := float64(c.VocabSize), float64(c.BlockSize), float64(c.EmbedDim), float64(c.NumLayers)
	H := C * float64(c.HiddenMult)
	// two LayerNorms, qkv, attention projection, feed-forward in and out
	perLayer := 4*C + 3*C*C + 3*C + C*C + C + H*C + H + C*H + C
	return V*C + T*C + L*perLayer + 2*C + V*C
}

// HeadDim returns the width of one attention head.
func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// HiddenDim returns the inner width of the feed-forward block.
func (c Config) HiddenDim() int {
	return c.EmbedDim * c.HiddenMult
}
