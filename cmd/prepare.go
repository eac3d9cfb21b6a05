package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/data"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/spf13/cobra"
)

const (
	vocabFile  = "vocab.json"
	tokensFile = "tokens.bin"
)

// NewPrepareCommand returns the command that turns a text corpus into a
// vocabulary and a token file.
func NewPrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build the vocabulary and token file from a text corpus",
		Long: `
Build the vocabulary and token file from a text corpus.

Every distinct character of the corpus gets an id, in code point order. The
vocabulary is written to vocab.json and the encoded corpus to tokens.bin
(little-endian int32) inside the data directory.
	`,
		RunE: func(_ *cobra.Command, _ []string) error {
			text, err := os.ReadFile(RootArgs.textPath)
			if err != nil {
				return err
			}
			v, err := vocab.Build(string(text))
			if err != nil {
				return fmt.Errorf("failed to build vocabulary: %w", err)
			}
			ids, err := v.Encode(string(text))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(RootArgs.dataDir, 0o755); err != nil {
				return err
			}
			if err := v.Save(filepath.Join(RootArgs.dataDir, vocabFile)); err != nil {
				return err
			}
			if err := data.WriteTokens(filepath.Join(RootArgs.dataDir, tokensFile), ids); err != nil {
				return err
			}
			log.Info("prepared corpus", "chars", len(ids), "vocab_size", v.Size(), "dir", RootArgs.dataDir)
			return nil
		},
	}

	cmd.Flags().
		StringVarP(&RootArgs.textPath, "text-path", "i", "input.txt", "Path to the text corpus")
	cmd.Flags().
		StringVarP(&RootArgs.dataDir, "data-dir", "d", "data", "Directory to write vocab.json and tokens.bin to")
	return cmd
}
