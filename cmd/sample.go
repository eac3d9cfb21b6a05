package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
)

// NewSampleCommand returns the command that prints continuations of a prompt.
func NewSampleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample text from a checkpoint",
		Long: `
Sample text from a checkpoint.

The prompt is encoded character by character; characters outside the
vocabulary become id 0. An empty prompt starts from id 0.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ckpt, err := gpt.LoadCheckpoint(RootArgs.ckptPath)
			if err != nil {
				return fmt.Errorf("failed to load model: %w", err)
			}
			prompt, err := ckpt.Vocab.Encode(RootArgs.text)
			if err != nil {
				return err
			}
			if len(prompt) == 0 {
				prompt = []int32{0}
			}
			src := rand.NewSource(RootArgs.seed)
			for i := 0; i < RootArgs.nSamples; i++ {
				out, err := ckpt.Model.Generate(cmd.Context(), prompt, gpt.GenerateOptions{
					MaxNewTokens: RootArgs.length,
					Temperature:  RootArgs.temperature,
					TopK:         RootArgs.topK,
				}, src)
				if err != nil {
					return err
				}
				text, err := ckpt.Vocab.Decode(out)
				if err != nil {
					return err
				}
				log.Debug("sample", "n", i, "tokens", len(out))
				fmt.Println(text)
			}
			return nil
		},
	}

	cmd.Flags().
		StringVarP(&RootArgs.ckptPath, "checkpoint", "c", "model.bin", "Path to the checkpoint (.pt/.pth files are read as PyTorch)")
	cmd.Flags().
		StringVarP(&RootArgs.text, "text", "t", "", "Prompt")
	cmd.Flags().
		IntVarP(&RootArgs.nSamples, "n-samples", "n", 1, "Number of samples to generate")
	cmd.Flags().
		IntVarP(&RootArgs.length, "length", "l", 200, "Characters to generate per sample")
	cmd.Flags().
		Float32VarP(&RootArgs.temperature, "temperature", "T", 1.0, "Temperature")
	cmd.Flags().
		IntVarP(&RootArgs.topK, "top-k", "k", 0, "Top-k sampling (0 disables)")
	cmd.Flags().
		Uint64VarP(&RootArgs.seed, "seed", "s", 1337, "Seed for random number generator")
	return cmd
}
