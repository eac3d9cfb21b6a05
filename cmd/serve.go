package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/conneroisu/gomega/pkg/memory"
	"github.com/conneroisu/gomega/pkg/server"
	"github.com/spf13/cobra"
)

const (
	secretEnv  = "GOMEGA_SECRET"
	originsEnv = "GOMEGA_ORIGINS"
)

// NewServeCommand returns the command that serves a checkpoint over HTTP.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a checkpoint to the chat UI",
		Long: `
Serve a checkpoint to the chat UI.

The access key secret is read from GOMEGA_SECRET; without it a random secret
is generated, so keys do not survive a restart. GOMEGA_ORIGINS is a comma
separated list of allowed CORS origins (default: all).
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ckpt, err := gpt.LoadCheckpoint(RootArgs.ckptPath)
			if err != nil {
				return fmt.Errorf("failed to load model: %w", err)
			}
			log.Info("model loaded", "path", RootArgs.ckptPath, "params", ckpt.Model.NumParameters())

			secret, err := serverSecret()
			if err != nil {
				return err
			}
			s := server.New(ckpt.Model, ckpt.Vocab, memory.New(memory.DefaultCapacity), server.Options{
				Secret:    secret,
				Origins:   envList(originsEnv),
				TrimTurns: RootArgs.trimTurns,
				Seed:      RootArgs.seed,
			})
			return s.Serve(ctx, net.JoinHostPort(RootArgs.host, strconv.Itoa(RootArgs.port)))
		},
	}

	cmd.Flags().
		StringVarP(&RootArgs.ckptPath, "checkpoint", "c", "model.bin", "Path to the checkpoint (.pt/.pth files are read as PyTorch)")
	cmd.Flags().
		StringVar(&RootArgs.host, "host", "0.0.0.0", "Address to listen on")
	cmd.Flags().
		IntVarP(&RootArgs.port, "port", "p", 5000, "Port to listen on")
	cmd.Flags().
		BoolVar(&RootArgs.trimTurns, "trim-turns", false, "Cut replies where the model starts a new User/Assistant turn")
	cmd.Flags().
		Uint64VarP(&RootArgs.seed, "seed", "s", 1337, "Seed for sampling")
	return cmd
}

// serverSecret returns GOMEGA_SECRET, or a random secret when it is unset.
func serverSecret() (string, error) {
	if secret := os.Getenv(secretEnv); secret != "" {
		return secret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	log.Warn(secretEnv + " is not set; using a random secret for this process")
	return hex.EncodeToString(buf), nil
}

func envList(name string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(name), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
