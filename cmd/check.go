package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
	"github.com/spf13/cobra"
)

// newCheckCmd validates a config file and, unless --offline, asks KIE for the
// account credits to prove the key and base URL work.
func newCheckCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:          "check <config.toml>",
		Short:        "Validate the config and test the KIE credentials",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			config.PrintConfig(cfg)
			if offline {
				fmt.Fprintln(cmd.OutOrStdout(), "config OK")
				return nil
			}

			client := kieapi.NewClient(kieapi.Options{
				APIKey:     cfg.KIE.APIKey,
				BaseURL:    cfg.KIE.BaseURL,
				CreditPath: cfg.KIE.CreditPath,
				Timeout:    cfg.KIE.RequestTimeout.Duration,
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			credits, err := client.GetCredits(ctx)
			if err != nil {
				return fmt.Errorf("KIE check failed (%s): %w", kieapi.KindOf(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK, KIE credits: %.2f\n", credits)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Only validate the config file")
	return cmd
}
