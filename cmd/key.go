package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/conneroisu/gomega/pkg/accesskey"
	"github.com/spf13/cobra"
)

// NewKeyCommand returns the command that prints the current access key.
func NewKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the access key of the current 12 hour window",
		RunE: func(_ *cobra.Command, _ []string) error {
			secret := os.Getenv(secretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", secretEnv)
			}
			now := time.Now()
			window := accesskey.Window(now)
			expires := time.Unix((window+1)*accesskey.WindowSeconds, 0)
			fmt.Println(accesskey.Short(secret, now))
			fmt.Fprintf(os.Stderr, "valid until %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
}
