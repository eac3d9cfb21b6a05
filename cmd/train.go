package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/data"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
)

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
		Long: `
Train a model on a prepared data directory and write a checkpoint.

Training starts from fresh weights, or from --init when given. An interrupt
stops training early; the weights reached so far are still saved.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := vocab.Load(filepath.Join(RootArgs.dataDir, vocabFile))
			if err != nil {
				return err
			}
			tokens, err := data.ReadTokens(filepath.Join(RootArgs.dataDir, tokensFile))
			if err != nil {
				return err
			}
			model, err := initModel(v)
			if err != nil {
				return err
			}
			log.Info("model ready", "params", model.NumParameters(), "config", fmt.Sprintf("%+v", model.Config))

			trainTokens, valTokens := data.Split(tokens, 1-RootArgs.valFraction)
			loader, err := data.FromTokens(trainTokens, RootArgs.batchSize, RootArgs.seqLength)
			if err != nil {
				return fmt.Errorf("failed to load training data: %w", err)
			}
			var validationLoader data.Loader
			if vl, err := data.FromTokens(valTokens, RootArgs.batchSize, RootArgs.seqLength); err != nil {
				log.Warn("validation disabled", "err", err)
			} else {
				validationLoader = vl
			}
			log.Info("train dataset", "num_batches", loader.NumBatches)

			_, err = model.Train(ctx, loader, validationLoader, gpt.TrainOptions{
				Steps:        RootArgs.steps,
				BatchSize:    RootArgs.batchSize,
				SeqLength:    RootArgs.seqLength,
				LearningRate: RootArgs.learningRate,
				WeightDecay:  RootArgs.weightDecay,
				Beta1:        RootArgs.beta1,
				Beta2:        RootArgs.beta2,
				Epsilon:      RootArgs.epsilon,
				EvalEvery:    RootArgs.evalEvery,
				EvalBatches:  RootArgs.evalBatches,
				SampleEvery:  RootArgs.sampleEvery,
				SampleLength: RootArgs.seqLength,
				Tokenizer:    v,
			})
			switch {
			case errors.Is(err, context.Canceled):
				log.Warn("training interrupted")
			case err != nil:
				return fmt.Errorf("failed to train model: %w", err)
			}
			ckpt := &gpt.Checkpoint{Model: model, Vocab: v}
			if err := ckpt.Save(RootArgs.ckptPath); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
			log.Info("saved checkpoint", "path", RootArgs.ckptPath)
			return nil
		},
	}

	defaults := gpt.DefaultTrainOptions()
	cfg := gpt.DefaultConfig(0)
	cmd.Flags().
		StringVarP(&RootArgs.dataDir, "data-dir", "d", "data", "Directory holding vocab.json and tokens.bin")
	cmd.Flags().
		StringVarP(&RootArgs.ckptPath, "checkpoint", "c", "model.bin", "Path to write the checkpoint to")
	cmd.Flags().
		StringVar(&RootArgs.initPath, "init", "", "Checkpoint to resume from")
	cmd.Flags().
		Float64Var(&RootArgs.valFraction, "val-fraction", 0.1, "Fraction of the corpus held out for validation")
	cmd.Flags().
		Uint64VarP(&RootArgs.seed, "seed", "s", 1337, "Seed for initialization and dropout")
	cmd.Flags().
		IntVar(&RootArgs.blockSize, "block-size", cfg.BlockSize, "Context window")
	cmd.Flags().
		IntVar(&RootArgs.embedDim, "embed-dim", cfg.EmbedDim, "Embedding width")
	cmd.Flags().
		IntVar(&RootArgs.numLayers, "layers", cfg.NumLayers, "Number of transformer blocks")
	cmd.Flags().
		IntVar(&RootArgs.numHeads, "heads", cfg.NumHeads, "Attention heads per block")
	cmd.Flags().
		IntVar(&RootArgs.hiddenMult, "hidden-mult", cfg.HiddenMult, "Feed-forward expansion factor")
	cmd.Flags().
		Float32Var(&RootArgs.dropout, "dropout", 0.1, "Feed-forward dropout while training")
	cmd.Flags().
		BoolVar(&RootArgs.causal, "causal", false, "Mask attention to earlier positions")
	cmd.Flags().
		IntVarP(&RootArgs.steps, "steps", "n", defaults.Steps, "Optimizer steps")
	cmd.Flags().
		IntVarP(&RootArgs.batchSize, "batch-size", "b", defaults.BatchSize, "Batch size")
	cmd.Flags().
		IntVarP(&RootArgs.seqLength, "seq-length", "l", defaults.SeqLength, "Sequence length")
	cmd.Flags().
		Float32VarP(&RootArgs.learningRate, "learning-rate", "r", defaults.LearningRate, "Learning rate")
	cmd.Flags().
		Float32VarP(&RootArgs.weightDecay, "weight-decay", "w", defaults.WeightDecay, "Weight decay")
	cmd.Flags().
		Float32Var(&RootArgs.beta1, "beta1", defaults.Beta1, "Beta1")
	cmd.Flags().
		Float32Var(&RootArgs.beta2, "beta2", defaults.Beta2, "Beta2")
	cmd.Flags().
		Float32VarP(&RootArgs.epsilon, "epsilon", "e", defaults.Epsilon, "Epsilon")
	cmd.Flags().
		IntVar(&RootArgs.evalEvery, "eval-every", defaults.EvalEvery, "Steps between validation passes (0 disables)")
	cmd.Flags().
		IntVar(&RootArgs.evalBatches, "eval-batches", defaults.EvalBatches, "Batches per validation pass")
	cmd.Flags().
		IntVar(&RootArgs.sampleEvery, "sample-every", defaults.SampleEvery, "Steps between logged samples (0 disables)")
	return cmd
}

// initModel resumes from RootArgs.initPath or builds a fresh model for v.
func initModel(v *vocab.Vocab) (*gpt.Model, error) {
	if RootArgs.initPath != "" {
		ckpt, err := gpt.LoadCheckpoint(RootArgs.initPath)
		if err != nil {
			return nil, err
		}
		if ckpt.Vocab.Size() != v.Size() {
			return nil, fmt.Errorf("checkpoint vocab has %d entries, data has %d", ckpt.Vocab.Size(), v.Size())
		}
		if !cmp.Equal(ckpt.Vocab.Chars(), v.Chars()) {
			return nil, fmt.Errorf("checkpoint vocab differs from the data vocab: %s", cmp.Diff(string(ckpt.Vocab.Chars()), string(v.Chars())))
		}
		return ckpt.Model, nil
	}
	return gpt.New(gpt.Config{
		VocabSize:  v.Size(),
		BlockSize:  RootArgs.blockSize,
		EmbedDim:   RootArgs.embedDim,
		NumLayers:  RootArgs.numLayers,
		NumHeads:   RootArgs.numHeads,
		HiddenMult: RootArgs.hiddenMult,
		Dropout:    RootArgs.dropout,
		Causal:     RootArgs.causal,
	}, RootArgs.seed)
}
