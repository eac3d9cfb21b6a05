package gpt

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/data"
	"github.com/conneroisu/gomega/pkg/torch"
	"github.com/conneroisu/gomega/pkg/vocab"
	"gonum.org/v1/gonum/stat"
)

// AdamW is an implementation of the AdamW optimizer.
type AdamW struct {
	// FirstMomentEstimates is a array of first moment estimates.
	FirstMomentEstimates []float32
	// SecondMomentEstimates is a array of second moment estimates.
	SecondMomentEstimates []float32
}

// TrainOptions configures Train.
type TrainOptions struct {
	Steps        int
	BatchSize    int
	SeqLength    int
	LearningRate float32
	WeightDecay  float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	// EvalEvery is the number of steps between validation passes; 0 disables them.
	EvalEvery   int
	EvalBatches int
	// SampleEvery is the number of steps between logged samples; 0 disables them.
	SampleEvery  int
	SampleLength int
	// Tokenizer decodes logged samples.
	Tokenizer vocab.Tokenizer
}

// DefaultTrainOptions returns the optimizer settings used by the train command.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Steps:        1000,
		BatchSize:    16,
		SeqLength:    128,
		LearningRate: 3e-4,
		WeightDecay:  0.01,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		EvalEvery:    100,
		EvalBatches:  10,
		SampleEvery:  200,
		SampleLength: 128,
	}
}

// TrainReport collects the losses seen during Train.
type TrainReport struct {
	// Losses holds the training loss of every step.
	Losses []float32
	// ValLosses holds the mean validation loss of every evaluation.
	ValLosses []float32
}

// ZeroGradient resets the gradients to zero.
func (model *Model) ZeroGradient() {
	clear(model.Gradients.Memory)
	clear(model.gradActs.Memory)
}

// Backward accumulates the gradient of out.Loss into model.Gradients. out
// must come from a forward pass with targets on this model.
func (model *Model) Backward(out *Output) error {
	if out == nil || !out.HasLoss {
		return fmt.Errorf("error: must forward with targets before backward")
	}
	cfg := model.Config
	B, T, C, V, L := out.B, out.T, cfg.EmbedDim, cfg.VocabSize, cfg.NumLayers
	if len(model.Gradients.Memory) == 0 {
		model.Gradients.Init(cfg)
	}
	grads := &model.gradActs
	if grads.Memory == nil || grads.B != B || grads.T != T {
		grads.Init(cfg, B, T, false)
	} else {
		grads.zero()
	}
	acts := out.acts

	// the loss is the mean over B*T positions
	dlossMean := 1.0 / float32(B*T)
	for i := range grads.Losses.data {
		grads.Losses.data[i] = dlossMean
	}
	torch.CrossentropySoftmaxBackward(grads.Logits.data, grads.Losses.data, acts.Probabilities.data, out.targets, B, T, V)
	torch.MatmulBackward(
		grads.LayerNormFinal.data,
		model.Gradients.HeadW.data,
		nil,
		grads.Logits.data,
		acts.LayerNormFinal.data,
		model.Params.HeadW.data,
		B, T, C, V,
	)
	torch.LayernormBackward(
		grads.residualIn(L),
		model.Gradients.LayerFinNormW.data,
		model.Gradients.LayerFinNormB.data,
		grads.LayerNormFinal.data,
		acts.residualIn(L),
		model.Params.LayerFinNormW.data,
		acts.LayerNormFMean.data,
		acts.LayerNormFRstd.data,
		B, T, C,
	)
	for l := L - 1; l >= 0; l-- {
		model.Block(l).backward(
			model.Gradients.block(cfg, l),
			grads.layer(l),
			acts.layer(l),
			grads.residualIn(l),
			acts.residualIn(l),
			B, T,
		)
	}
	torch.EncoderBackward(model.Gradients.TokEmbed.data, model.Gradients.PosEmbed.data, grads.Encoded.data, out.inputs, B, T, C)
	return nil
}

// Update performs one AdamW step with bias correction; t is the 1-based step number.
func (model *Model) Update(learningRate, beta1, beta2, eps, weightDecay float32, t int) {
	if model.Optimizer.FirstMomentEstimates == nil {
		model.Optimizer.FirstMomentEstimates = make([]float32, model.Params.Len())
		model.Optimizer.SecondMomentEstimates = make([]float32, model.Params.Len())
	}
	for i := 0; i < model.Params.Len(); i++ {
		parameter := model.Params.Memory[i]
		gradient := model.Gradients.Memory[i]
		// update the momentum (m is the updated first moment estimate)
		m := beta1*model.Optimizer.FirstMomentEstimates[i] + (1.0-beta1)*gradient
		// RMSprop update (v is the updated second moment estimate)
		v := beta2*model.Optimizer.SecondMomentEstimates[i] + (1.0-beta2)*gradient*gradient
		// correct the bias
		mHat := m / (1.0 - torch.Pow(beta1, float32(t)))
		vHat := v / (1.0 - torch.Pow(beta2, float32(t)))
		model.Optimizer.FirstMomentEstimates[i] = m
		model.Optimizer.SecondMomentEstimates[i] = v
		model.Params.Memory[i] -= learningRate * (mHat/(torch.Sqrt(vHat)+eps) + weightDecay*parameter)
	}
}

// Train runs opts.Steps optimizer steps over batches from trainLoader. The
// validation loader may be nil.
func (model *Model) Train(ctx context.Context, trainLoader, valLoader data.Loader, opts TrainOptions) (*TrainReport, error) {
	B, T := opts.BatchSize, opts.SeqLength
	if T > model.Config.BlockSize {
		return nil, fmt.Errorf("%w: seq_length=%d > block_size=%d", ErrSequenceTooLong, T, model.Config.BlockSize)
	}
	report := &TrainReport{}
	for step := 1; step <= opts.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := time.Now()
		inputs, targets := trainLoader.NextBatch()
		out, err := model.forward(inputs, targets, B, T, true)
		if err != nil {
			return report, fmt.Errorf("step %d: %w", step, err)
		}
		if torch.IsNaN(out.Loss) {
			return report, fmt.Errorf("step %d: loss is NaN", step)
		}
		model.ZeroGradient()
		if err := model.Backward(out); err != nil {
			return report, err
		}
		model.Update(opts.LearningRate, opts.Beta1, opts.Beta2, opts.Epsilon, opts.WeightDecay, step)
		report.Losses = append(report.Losses, out.Loss)
		log.Info("train", "step", step, "loss", out.Loss, "took", time.Since(start))

		if valLoader != nil && opts.EvalEvery > 0 && step%opts.EvalEvery == 0 {
			valLoss, err := model.Evaluate(valLoader, B, T, opts.EvalBatches)
			if err != nil {
				return report, err
			}
			report.ValLosses = append(report.ValLosses, valLoss)
			log.Info("validation", "step", step, "loss", valLoss)
		}
		if opts.Tokenizer != nil && opts.SampleEvery > 0 && step%opts.SampleEvery == 0 {
			model.logSample(ctx, inputs[:1], opts)
		}
	}
	return report, nil
}

// Evaluate returns the mean loss over n batches from loader, without dropout.
func (model *Model) Evaluate(loader data.Loader, B, T, n int) (float32, error) {
	loader.Reset()
	losses := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		inputs, targets := loader.NextBatch()
		out, err := model.forward(inputs, targets, B, T, false)
		if err != nil {
			return 0, err
		}
		losses = append(losses, float64(out.Loss))
	}
	if len(losses) == 0 {
		return 0, nil
	}
	return float32(stat.Mean(losses, nil)), nil
}

func (model *Model) logSample(ctx context.Context, prompt []int32, opts TrainOptions) {
	gen, err := model.Generate(ctx, prompt, GenerateOptions{MaxNewTokens: opts.SampleLength, Temperature: 1}, model.rng)
	if err != nil {
		log.Warn("sample failed", "err", err)
		return
	}
	text, err := opts.Tokenizer.Decode(gen)
	if err != nil {
		log.Warn("sample decode failed", "err", err)
		return
	}
	log.Info("sample", "text", text)
}
