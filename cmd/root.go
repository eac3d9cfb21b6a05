// Package cmd contains the commands of the gomega CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose bool
	seed    uint64

	// data
	textPath    string
	dataDir     string
	valFraction float64

	// model
	ckptPath   string
	initPath   string
	blockSize  int
	embedDim   int
	numLayers  int
	numHeads   int
	hiddenMult int
	dropout    float32
	causal     bool

	// optimization
	steps        int
	batchSize    int
	seqLength    int
	learningRate float32
	weightDecay  float32
	beta1        float32
	beta2        float32
	epsilon      float32
	evalEvery    int
	evalBatches  int
	sampleEvery  int

	// sampling
	text        string
	nSamples    int
	length      int
	temperature float32
	topK        int

	// serving
	host      string
	port      int
	trimTurns bool
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gomega",
	Short: "A small character level GPT with a local chat server",
	Long: `
A small character level GPT with a local chat server.

Prepare a text corpus, train a model on it, sample from the model, or serve
it to the chat UI.
	`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(NewPrepareCommand())
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewSampleCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewKeyCommand())
}
