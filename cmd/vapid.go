package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/linewatch/internal/push/webpush"
)

func newVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for Web Push",
		Long: `vapid prints a fresh application server key pair. Put it under the vapid
section of the config file, or export LINEWATCH_VAPID_PUBLIC_KEY and
LINEWATCH_VAPID_PRIVATE_KEY. Rotating keys invalidates every existing
browser subscription.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := webpush.GenerateKeys()
			if err != nil {
				return err
			}
			out := map[string]webpush.KeyPair{"vapid": keys}
			if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
				return fmt.Errorf("encode keys: %w", err)
			}
			return nil
		},
	}
}
