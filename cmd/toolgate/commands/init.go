package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Example: `  toolgate init
  toolgate init --config /etc/toolgate/toolgate.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.Defaults()
			cfg.Tools = map[string]config.Tool{
				"price_estimate":    {Module: "valuation", Credits: 50},
				"comparables":       {Module: "valuation", Credits: 20},
				"describe_listings": {Module: "listings", Credits: 10},
			}
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Wrote %s with %d example tools.\n", cfgFile, len(cfg.Tools))
			fmt.Fprintln(w, "Edit the tools table, then run: toolgate serve")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
