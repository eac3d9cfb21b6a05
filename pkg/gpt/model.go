package gpt

import (
	"fmt"

	"github.com/conneroisu/gomega/pkg/torch"
	"golang.org/x/exp/rand"
)

// Model is the decoder-only transformer.
//
// Parameters are only mutated by Update. Forward and Generate allocate their
// own activations, so any number of inference calls may run concurrently on
// one Model as long as no training step runs at the same time.
type Model struct {
	// Config is the configuration of the model.
	Config Config
	// Params is the parameters of the model.
	Params ParameterTensors
	// Gradients is the gradients of the model to be applied to the parameters.
	Gradients ParameterTensors
	// Optimizer is the optimizer used to update the parameters.
	Optimizer AdamW

	// gradActs is reused between training steps of the same batch shape.
	gradActs ActivationTensors
	training bool
	rng      *rand.Rand
}

// Output is the result of a forward pass.
type Output struct {
	// Logits has shape (B, T, V).
	Logits  []float32
	B, T, V int
	// Loss is the mean cross entropy. It is only meaningful when HasLoss is set.
	Loss    float32
	HasLoss bool

	acts    *ActivationTensors
	inputs  []int32
	targets []int32
}

// At returns the logits of position t in batch row b.
func (o *Output) At(b, t int) []float32 {
	start := (b*o.T + t) * o.V
	return o.Logits[start : start+o.V]
}

// New builds a model with freshly initialized weights. seed drives both the
// initialization and the dropout masks.
func New(cfg Config, seed uint64) (*Model, error) {
	model, err := newModel(cfg, seed)
	if err != nil {
		return nil, err
	}
	model.Params.initialize(model.rng)
	return model, nil
}

// newModel allocates a model with zeroed parameters.
func newModel(cfg Config, seed uint64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
	model.Params.Init(cfg)
	return model, nil
}

// SetTraining switches dropout on or off for Forward.
func (model *Model) SetTraining(training bool) {
	model.training = training
}

// Training reports whether Forward applies dropout.
func (model *Model) Training() bool {
	return model.training
}

// Block returns layer l of the block stack.
func (model *Model) Block(l int) Block {
	return model.Params.block(model.Config, l)
}

// NumParameters returns the number of learned values.
func (model *Model) NumParameters() int {
	return model.Params.Len()
}

// Forward performs a forward pass on a (B, T) batch of token ids.
//
// targets is either nil or holds the next-token id for every input position;
// when given the mean cross entropy loss is computed as well. T must not
// exceed the block size: callers truncate, Forward never does.
func (model *Model) Forward(input, targets []int32, B, T int) (*Output, error) {
	return model.forward(input, targets, B, T, model.training)
}

func (model *Model) forward(input, targets []int32, B, T int, train bool) (*Output, error) {
	cfg := model.Config
	C, V := cfg.EmbedDim, cfg.VocabSize
	if T > cfg.BlockSize {
		return nil, fmt.Errorf("%w: T=%d > block_size=%d", ErrSequenceTooLong, T, cfg.BlockSize)
	}
	if B <= 0 || T <= 0 {
		return nil, fmt.Errorf("batch and sequence length must be positive, got B=%d T=%d", B, T)
	}
	if len(input) != B*T {
		return nil, fmt.Errorf("input has %d tokens, want B*T = %d", len(input), B*T)
	}
	if err := model.checkTokens(input); err != nil {
		return nil, err
	}
	if targets != nil {
		if len(targets) != B*T {
			return nil, fmt.Errorf("targets have %d tokens, want B*T = %d", len(targets), B*T)
		}
		if err := model.checkTokens(targets); err != nil {
			return nil, err
		}
	}

	dropout := train && cfg.Dropout > 0
	acts := &ActivationTensors{}
	acts.Init(cfg, B, T, dropout)

	var mask []float32
	if cfg.Causal {
		mask = torch.CausalMask(T)
	}

	// token embedding + position embedding for positions 0..T-1
	torch.EncoderForward(acts.Encoded.data, input, model.Params.TokEmbed.data, model.Params.PosEmbed.data, B, T, C)
	for l := 0; l < cfg.NumLayers; l++ {
		model.Block(l).forward(acts.layer(l), acts.residualIn(l), mask, model.rng, B, T)
	}
	last := acts.residualIn(cfg.NumLayers)
	torch.LayernormForward(
		acts.LayerNormFinal.data,
		acts.LayerNormFMean.data,
		acts.LayerNormFRstd.data,
		last,
		model.Params.LayerFinNormW.data,
		model.Params.LayerFinNormB.data,
		B, T, C,
	)
	torch.MatmulForward(acts.Logits.data, acts.LayerNormFinal.data, model.Params.HeadW.data, nil, B, T, C, V)

	out := &Output{
		Logits: acts.Logits.data,
		B:      B,
		T:      T,
		V:      V,
		acts:   acts,
		inputs: input,
	}
	if targets == nil {
		return out, nil
	}
	torch.SoftmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)
	torch.CrossEntropyForward(acts.Losses.data, acts.Probabilities.data, targets, B, T, V)
	var sum float64
	for _, l := range acts.Losses.data {
		sum += float64(l)
	}
	out.Loss = float32(sum / float64(B*T))
	out.HasLoss = true
	out.targets = targets
	return out, nil
}

func (model *Model) checkTokens(tokens []int32) error {
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= model.Config.VocabSize {
			return fmt.Errorf("%w: token %d at index %d, vocab_size=%d", ErrInvalidToken, tok, i, model.Config.VocabSize)
		}
	}
	return nil
}
